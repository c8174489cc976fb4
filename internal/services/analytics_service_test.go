package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/millpulse/backend/internal/analytics"
	"github.com/millpulse/backend/internal/config"
	"github.com/millpulse/backend/internal/db/models"
	"github.com/millpulse/backend/internal/db/repository"
	"github.com/millpulse/backend/internal/metrics"
	"github.com/millpulse/backend/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return base.Add(time.Duration(minutes) * time.Minute) }

func downEvent(id, mill string, minute int, reason string) models.HistoricalEvent {
	return models.HistoricalEvent{ID: id, Mill: mill, EventTime: at(minute), State: models.StateDowntime, Reason: models.StringPtr(reason)}
}

func runEvent(id, mill string, minute int) models.HistoricalEvent {
	return models.HistoricalEvent{ID: id, Mill: mill, EventTime: at(minute), State: models.StateRunning}
}

// mapCache is a ResultCache that keeps JSON in memory and counts calls
type mapCache struct {
	entries        map[string][]byte
	generation     int64
	gets           int
	sets           int
	failGet        bool
	failGeneration bool
}

func newMapCache() *mapCache { return &mapCache{entries: make(map[string][]byte)} }

func (c *mapCache) Get(_ context.Context, key string, dst interface{}) (bool, error) {
	c.gets++
	if c.failGet {
		return false, errors.New("connection refused")
	}
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (c *mapCache) Set(_ context.Context, key string, value interface{}) error {
	c.sets++
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.entries[key] = raw
	return nil
}

func (c *mapCache) Generation(context.Context) (int64, error) {
	if c.failGeneration {
		return 0, errors.New("connection refused")
	}
	return c.generation, nil
}

func (c *mapCache) Invalidate(context.Context) error {
	c.generation++
	return nil
}

func (c *mapCache) Close() error { return nil }

// failingRepository fails every read
type failingRepository struct {
	repository.EventRepository
}

func (failingRepository) FetchEvents(context.Context, repository.EventFilter, repository.FetchOptions) (*repository.FetchResult, error) {
	return nil, errors.New("connection reset by peer")
}

// counterValue sums the samples of a counter whose label values match, in label order
func counterValue(t *testing.T, stats *metrics.Stats, name string, labelValues ...string) float64 {
	t.Helper()
	families, err := stats.Registry().Gather()
	require.NoError(t, err)

	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metricLoop:
		for _, m := range family.GetMetric() {
			for i, pair := range m.GetLabel() {
				if i < len(labelValues) && pair.GetValue() != labelValues[i] {
					continue metricLoop
				}
			}
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func newAnalytics(repo repository.EventRepository, c *mapCache, cfg config.AnalyticsConfig) (*AnalyticsService, *metrics.Stats) {
	stats := metrics.NewStats()
	if c == nil {
		return NewAnalyticsService(repo, nil, stats, cfg, utils.NewNopLogger()), stats
	}
	return NewAnalyticsService(repo, c, stats, cfg, utils.NewNopLogger()), stats
}

func TestParseWindow(t *testing.T) {
	t.Run("Should accept empty bounds", func(t *testing.T) {
		w, err := ParseWindow(" M1 ", "", "", "")
		require.NoError(t, err)
		assert.Equal(t, "M1", w.Mill)
		assert.True(t, w.Start.IsZero())
		assert.True(t, w.End.IsZero())
	})

	t.Run("Should extend a date-only end to the end of the day", func(t *testing.T) {
		w, err := ParseWindow("", "F1", "2024-01-01", "2024-01-31")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), w.Start)
		assert.Equal(t, time.Date(2024, 1, 31, 23, 59, 59, 999999999, time.UTC), w.End)
	})

	t.Run("Should accept RFC 3339 timestamps", func(t *testing.T) {
		w, err := ParseWindow("", "", "2024-01-01T06:00:00+02:00", "")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC), w.Start)
	})

	t.Run("Should reject malformed or inverted dates", func(t *testing.T) {
		_, err := ParseWindow("", "", "01/02/2024", "")
		assert.ErrorIs(t, err, utils.ErrValidation)

		_, err = ParseWindow("", "", "2024-02-01", "2024-01-01")
		assert.ErrorIs(t, err, utils.ErrValidation)
	})
}

func TestAnalyticsService_RapidRecurrence(t *testing.T) {
	ctx := context.Background()
	events := []models.HistoricalEvent{
		downEvent("1", "M1", 0, "Jam"),
		runEvent("2", "M1", 10),
		downEvent("3", "M1", 15, "Jam"),
		runEvent("4", "M1", 30),
		downEvent("5", "M2", 0, "Other"),
		runEvent("6", "M2", 5),
		downEvent("7", "M2", 8, "Other"),
	}

	t.Run("Should detect recurrences for one mill", func(t *testing.T) {
		svc, stats := newAnalytics(repository.NewMemoryEventRepository(events...), nil, config.AnalyticsConfig{})

		res, err := svc.RapidRecurrence(ctx, QueryWindow{Mill: "M1"}, analytics.RecurrenceOptions{ThresholdMinutes: 20})
		require.NoError(t, err)
		require.Len(t, res.Events, 1)
		assert.Equal(t, "2", res.Events[0].RestartEventID)
		assert.Equal(t, 5.0, res.Events[0].RunDurationMinutes)
		assert.False(t, res.Truncated)
		assert.Equal(t, 1.0, counterValue(t, stats, "millpulse_analyzer_runs_total", "rapid_recurrence", "ok"))
	})

	t.Run("Should cover every mill when none is given", func(t *testing.T) {
		svc, _ := newAnalytics(repository.NewMemoryEventRepository(events...), nil, config.AnalyticsConfig{})

		res, err := svc.RapidRecurrence(ctx, QueryWindow{}, analytics.RecurrenceOptions{ThresholdMinutes: 20})
		require.NoError(t, err)
		assert.Equal(t, 2, res.Summary.TotalEvents)
	})

	t.Run("Should reject a non-positive threshold", func(t *testing.T) {
		svc, _ := newAnalytics(repository.NewMemoryEventRepository(events...), nil, config.AnalyticsConfig{})

		_, err := svc.RapidRecurrence(ctx, QueryWindow{}, analytics.RecurrenceOptions{ThresholdMinutes: 0})
		assert.ErrorIs(t, err, utils.ErrValidation)
	})

	t.Run("Should flag a truncated fetch", func(t *testing.T) {
		svc, stats := newAnalytics(repository.NewMemoryEventRepository(events...), nil, config.AnalyticsConfig{MaxEvents: 3})

		res, err := svc.RapidRecurrence(ctx, QueryWindow{}, analytics.RecurrenceOptions{ThresholdMinutes: 20})
		require.NoError(t, err)
		assert.True(t, res.Truncated)
		assert.Equal(t, 3, res.EventLimit)
		assert.Equal(t, 1.0, counterValue(t, stats, "millpulse_analyzer_truncated_fetches_total", "rapid_recurrence"))
	})

	t.Run("Should map store failures to upstream errors", func(t *testing.T) {
		svc, _ := newAnalytics(failingRepository{}, nil, config.AnalyticsConfig{})

		_, err := svc.RapidRecurrence(ctx, QueryWindow{}, analytics.RecurrenceOptions{ThresholdMinutes: 20})
		assert.ErrorIs(t, err, utils.ErrUpstream)
	})

	t.Run("Should serve repeated queries from the cache", func(t *testing.T) {
		c := newMapCache()
		svc, stats := newAnalytics(repository.NewMemoryEventRepository(events...), c, config.AnalyticsConfig{})
		opts := analytics.RecurrenceOptions{ThresholdMinutes: 20}

		first, err := svc.RapidRecurrence(ctx, QueryWindow{Mill: "M1"}, opts)
		require.NoError(t, err)
		second, err := svc.RapidRecurrence(ctx, QueryWindow{Mill: "M1"}, opts)
		require.NoError(t, err)

		assert.Equal(t, 1, c.sets)
		assert.Equal(t, first.Summary, second.Summary)
		assert.Equal(t, first.Events[0].RestartEventID, second.Events[0].RestartEventID)
		assert.Equal(t, 1.0, counterValue(t, stats, "millpulse_analyzer_runs_total", "rapid_recurrence", "ok"))

		_, err = svc.RapidRecurrence(ctx, QueryWindow{Mill: "M2"}, opts)
		require.NoError(t, err)
		assert.Equal(t, 2, c.sets)
	})

	t.Run("Should recompute when the cache is unavailable", func(t *testing.T) {
		c := newMapCache()
		c.failGet = true
		svc, _ := newAnalytics(repository.NewMemoryEventRepository(events...), c, config.AnalyticsConfig{})

		res, err := svc.RapidRecurrence(ctx, QueryWindow{Mill: "M1"}, analytics.RecurrenceOptions{ThresholdMinutes: 20})
		require.NoError(t, err)
		assert.Len(t, res.Events, 1)
	})

	t.Run("Should bypass the cache when the generation is unknown", func(t *testing.T) {
		c := newMapCache()
		c.failGeneration = true
		svc, stats := newAnalytics(repository.NewMemoryEventRepository(events...), c, config.AnalyticsConfig{})

		res, err := svc.RapidRecurrence(ctx, QueryWindow{Mill: "M1"}, analytics.RecurrenceOptions{ThresholdMinutes: 20})
		require.NoError(t, err)
		assert.Len(t, res.Events, 1)
		assert.Zero(t, c.gets)
		assert.Zero(t, c.sets)
		assert.Equal(t, 1.0, counterValue(t, stats, "millpulse_result_cache_lookups_total", "miss"))
	})

	t.Run("Should recompute after new events are ingested", func(t *testing.T) {
		c := newMapCache()
		repo := repository.NewMemoryEventRepository(
			downEvent("a1", "M3", 0, "A"),
			runEvent("a2", "M3", 5),
		)
		svc, _ := newAnalytics(repo, c, config.AnalyticsConfig{})
		ingest, err := NewIngestService(repo, nil, c, nil, utils.NewNopLogger())
		require.NoError(t, err)
		opts := analytics.RecurrenceOptions{ThresholdMinutes: 20}

		before, err := svc.RapidRecurrence(ctx, QueryWindow{Mill: "M3"}, opts)
		require.NoError(t, err)
		assert.Empty(t, before.Events)

		_, err = ingest.Ingest(ctx, SourceKafka, []models.HistoricalEvent{downEvent("a3", "M3", 8, "B")})
		require.NoError(t, err)
		assert.Equal(t, int64(1), c.generation)

		after, err := svc.RapidRecurrence(ctx, QueryWindow{Mill: "M3"}, opts)
		require.NoError(t, err)
		require.Len(t, after.Events, 1)
		assert.Equal(t, "a2", after.Events[0].RestartEventID)
		assert.Equal(t, 2, c.sets)
	})
}

func TestAnalyticsService_DowntimeTransitions(t *testing.T) {
	ctx := context.Background()
	events := []models.HistoricalEvent{
		downEvent("1", "M1", 0, "Jam"),
		{ID: "x", Mill: "M1", EventTime: at(2), State: models.StateChangeover},
		runEvent("2", "M1", 10),
		downEvent("3", "M1", 15, "Power"),
		runEvent("4", "M1", 30),
		downEvent("5", "M1", 40, "Jam"),
	}

	t.Run("Should count transitions and ignore other states", func(t *testing.T) {
		svc, _ := newAnalytics(repository.NewMemoryEventRepository(events...), nil, config.AnalyticsConfig{})

		res, err := svc.DowntimeTransitions(ctx, QueryWindow{Mill: "M1"}, analytics.TransitionOptions{})
		require.NoError(t, err)
		assert.Equal(t, 2, res.TotalTransitions)
		require.Len(t, res.Transitions, 2)
		assert.Equal(t, 50.0, res.Transitions[0].Percentage)
	})

	t.Run("Should apply the configured matrix size", func(t *testing.T) {
		svc, _ := newAnalytics(repository.NewMemoryEventRepository(events...), nil, config.AnalyticsConfig{DefaultTopN: 1})

		res, err := svc.DowntimeTransitions(ctx, QueryWindow{}, analytics.TransitionOptions{})
		require.NoError(t, err)
		assert.Len(t, res.Matrix.Rows, 1)
		assert.Len(t, res.Matrix.Cols, 1)
	})

	t.Run("Should reject unknown grouping, scope or matrix size", func(t *testing.T) {
		svc, _ := newAnalytics(repository.NewMemoryEventRepository(events...), nil, config.AnalyticsConfig{})

		_, err := svc.DowntimeTransitions(ctx, QueryWindow{}, analytics.TransitionOptions{Grouping: "shift"})
		assert.ErrorIs(t, err, utils.ErrValidation)

		_, err = svc.DowntimeTransitions(ctx, QueryWindow{}, analytics.TransitionOptions{Scope: "global"})
		assert.ErrorIs(t, err, utils.ErrValidation)

		_, err = svc.DowntimeTransitions(ctx, QueryWindow{}, analytics.TransitionOptions{TopN: -1})
		assert.ErrorIs(t, err, utils.ErrValidation)
	})

	t.Run("Should key the cache on every option", func(t *testing.T) {
		c := newMapCache()
		svc, _ := newAnalytics(repository.NewMemoryEventRepository(events...), c, config.AnalyticsConfig{})

		_, err := svc.DowntimeTransitions(ctx, QueryWindow{}, analytics.TransitionOptions{FromValue: "Jam"})
		require.NoError(t, err)
		_, err = svc.DowntimeTransitions(ctx, QueryWindow{}, analytics.TransitionOptions{FromValue: "Power"})
		require.NoError(t, err)
		_, err = svc.DowntimeTransitions(ctx, QueryWindow{}, analytics.TransitionOptions{FromValue: "Jam"})
		require.NoError(t, err)

		assert.Equal(t, 2, c.sets)
		assert.Equal(t, 3, c.gets)
	})
}
