package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/millpulse/backend/internal/db/models"
	"github.com/millpulse/backend/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var baseTime = time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)

// newTestDB opens a private in-memory SQLite database with the events table migrated
func newTestDB(t *testing.T) *gorm.DB {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gormDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err, "Failed to create in-memory database")
	require.NoError(t, gormDB.AutoMigrate(&models.HistoricalEvent{}))

	t.Cleanup(func() {
		sqlDB, _ := gormDB.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
	})
	return gormDB
}

func makeEvents(mill string, n int) []models.HistoricalEvent {
	events := make([]models.HistoricalEvent, 0, n)
	for i := 0; i < n; i++ {
		state := models.StateRunning
		if i%2 == 0 {
			state = models.StateDowntime
		}
		events = append(events, models.HistoricalEvent{
			ID:        fmt.Sprintf("%s-%04d", mill, i),
			Mill:      mill,
			Factory:   models.StringPtr("F1"),
			EventTime: baseTime.Add(time.Duration(i) * time.Minute),
			State:     state,
			Reason:    models.StringPtr("Jam"),
		})
	}
	return events
}

// repositoryUnderTest runs the same behavioural checks against both implementations
func repositoriesUnderTest(t *testing.T) map[string]func() EventRepository {
	return map[string]func() EventRepository{
		"gorm": func() EventRepository { return NewEventRepository(newTestDB(t)) },
		"memory": func() EventRepository {
			return NewMemoryEventRepository()
		},
	}
}

func TestEventRepository_FetchEvents(t *testing.T) {
	ctx := context.Background()

	for name, newRepo := range repositoriesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			repo := newRepo()
			require.NoError(t, repo.InsertBatch(ctx, makeEvents("M1", 25)))
			require.NoError(t, repo.InsertBatch(ctx, makeEvents("M2", 5)))

			t.Run("Should return a complete result under the ceiling", func(t *testing.T) {
				res, err := repo.FetchEvents(ctx, EventFilter{Mill: "M1"}, FetchOptions{ChunkSize: 4, MaxEvents: 100})
				require.NoError(t, err)
				assert.False(t, res.Truncated)
				assert.Len(t, res.Events, 25)
				assert.Equal(t, 100, res.Limit)
			})

			t.Run("Should not flag a result exactly at the ceiling", func(t *testing.T) {
				res, err := repo.FetchEvents(ctx, EventFilter{Mill: "M1"}, FetchOptions{ChunkSize: 5, MaxEvents: 25})
				require.NoError(t, err)
				assert.False(t, res.Truncated)
				assert.Len(t, res.Events, 25)
			})

			t.Run("Should flag truncation above the ceiling", func(t *testing.T) {
				res, err := repo.FetchEvents(ctx, EventFilter{}, FetchOptions{ChunkSize: 7, MaxEvents: 20})
				require.NoError(t, err)
				assert.True(t, res.Truncated)
				assert.Len(t, res.Events, 20)
				assert.Equal(t, 20, res.Limit)
			})

			t.Run("Should apply the time range inclusively", func(t *testing.T) {
				filter := EventFilter{
					Mill:  "M1",
					Start: baseTime.Add(10 * time.Minute),
					End:   baseTime.Add(14 * time.Minute),
				}
				res, err := repo.FetchEvents(ctx, filter, FetchOptions{})
				require.NoError(t, err)
				assert.Len(t, res.Events, 5)
			})

			t.Run("Should filter by state", func(t *testing.T) {
				filter := EventFilter{Mill: "M2", States: []models.MachineState{models.StateDowntime}}
				res, err := repo.FetchEvents(ctx, filter, FetchOptions{})
				require.NoError(t, err)
				assert.Len(t, res.Events, 3)
			})
		})
	}
}

// ids returns the event ids in order and fails on a repeated id
func ids(t *testing.T, events []models.HistoricalEvent) []string {
	t.Helper()
	seen := make(map[string]bool, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		require.False(t, seen[e.ID], "event %s returned twice", e.ID)
		seen[e.ID] = true
		out = append(out, e.ID)
	}
	return out
}

func TestEventRepository_FetchOrdering(t *testing.T) {
	ctx := context.Background()

	for name, newRepo := range repositoriesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			repo := newRepo()

			// Stored newest first
			newestFirst := []models.HistoricalEvent{
				{ID: "e", Mill: "M9", EventTime: baseTime.Add(100 * time.Minute), State: models.StateRunning},
				{ID: "d", Mill: "M9", EventTime: baseTime.Add(95 * time.Minute), State: models.StateDowntime, Reason: models.StringPtr("Jam")},
				{ID: "c", Mill: "M9", EventTime: baseTime.Add(8 * time.Minute), State: models.StateRunning},
				{ID: "b", Mill: "M9", EventTime: baseTime.Add(5 * time.Minute), State: models.StateDowntime, Reason: models.StringPtr("Jam")},
				{ID: "a", Mill: "M9", EventTime: baseTime, State: models.StateRunning},
			}
			require.NoError(t, repo.InsertBatch(ctx, newestFirst))

			tied := make([]models.HistoricalEvent, 0, 7)
			for i := 6; i >= 0; i-- {
				tied = append(tied, models.HistoricalEvent{
					ID:        fmt.Sprintf("t%d", i),
					Mill:      "M8",
					EventTime: baseTime,
					State:     models.StateRunning,
				})
			}
			require.NoError(t, repo.InsertBatch(ctx, tied))

			t.Run("Should keep the earliest events when truncated", func(t *testing.T) {
				res, err := repo.FetchEvents(ctx, EventFilter{Mill: "M9"}, FetchOptions{ChunkSize: 2, MaxEvents: 3})
				require.NoError(t, err)
				assert.True(t, res.Truncated)
				assert.Equal(t, []string{"a", "b", "c"}, ids(t, res.Events))
			})

			t.Run("Should page through equal timestamps without repeating rows", func(t *testing.T) {
				res, err := repo.FetchEvents(ctx, EventFilter{Mill: "M8"}, FetchOptions{ChunkSize: 2, MaxEvents: 100})
				require.NoError(t, err)
				assert.False(t, res.Truncated)
				assert.Equal(t, []string{"t0", "t1", "t2", "t3", "t4", "t5", "t6"}, ids(t, res.Events))
			})
		})
	}
}

func TestEventRepository_FetchDuringInsert(t *testing.T) {
	ctx := context.Background()
	gormDB := newTestDB(t)
	repo := NewEventRepository(gormDB)
	require.NoError(t, repo.InsertBatch(ctx, makeEvents("M1", 5)))

	late := models.HistoricalEvent{
		ID:        "M1-late",
		Mill:      "M1",
		EventTime: baseTime.Add(-time.Hour),
		State:     models.StateDowntime,
		Reason:    models.StringPtr("Power"),
	}

	// An event older than everything fetched so far lands after the first page
	inserted := false
	require.NoError(t, gormDB.Callback().Query().After("gorm:query").Register("test:insert_between_pages", func(tx *gorm.DB) {
		if inserted {
			return
		}
		inserted = true
		assert.NoError(t, gormDB.Session(&gorm.Session{NewDB: true}).Create(&late).Error)
	}))

	t.Run("Should not return a row twice when an earlier event arrives mid-fetch", func(t *testing.T) {
		res, err := repo.FetchEvents(ctx, EventFilter{Mill: "M1"}, FetchOptions{ChunkSize: 2, MaxEvents: 100})
		require.NoError(t, err)
		require.True(t, inserted)
		assert.Equal(t, []string{"M1-0000", "M1-0001", "M1-0002", "M1-0003", "M1-0004"}, ids(t, res.Events))
	})
}

func TestEventRepository_InsertBatch(t *testing.T) {
	ctx := context.Background()

	for name, newRepo := range repositoriesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			repo := newRepo()
			events := makeEvents("M1", 3)

			require.NoError(t, repo.InsertBatch(ctx, events))
			require.NoError(t, repo.InsertBatch(ctx, events), "replaying the same ids should be a no-op")

			res, err := repo.FetchEvents(ctx, EventFilter{}, FetchOptions{})
			require.NoError(t, err)
			assert.Len(t, res.Events, 3)

			bad := []models.HistoricalEvent{{ID: "x", Mill: "M1", EventTime: baseTime, State: "IDLE"}}
			err = repo.InsertBatch(ctx, bad)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestEventRepository_ListEventsAndMills(t *testing.T) {
	ctx := context.Background()

	for name, newRepo := range repositoriesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			repo := newRepo()
			require.NoError(t, repo.InsertBatch(ctx, makeEvents("M2", 12)))
			require.NoError(t, repo.InsertBatch(ctx, makeEvents("M1", 3)))

			page, total, err := repo.ListEvents(ctx, EventFilter{Mill: "M2"}, utils.PaginationRequest{Page: 2, Limit: 5})
			require.NoError(t, err)
			assert.Equal(t, int64(12), total)
			require.Len(t, page, 5)
			assert.Equal(t, "M2-0006", page[0].ID, "second page starts after the five newest")

			mills, err := repo.ListMills(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, []string{"M1", "M2"}, mills)

			mills, err = repo.ListMills(ctx, "nope")
			require.NoError(t, err)
			assert.Empty(t, mills)
		})
	}
}
