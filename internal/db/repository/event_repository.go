package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/millpulse/backend/internal/db/models"
	"github.com/millpulse/backend/internal/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultFetchChunkSize is the page size used when FetchOptions leaves it unset
const DefaultFetchChunkSize = 1000

// DefaultMaxEvents is the fetch ceiling used when FetchOptions leaves it unset
const DefaultMaxEvents = 50000

// EventFilter selects events by mill, factory and an inclusive time range.
// Zero values mean "no constraint".
type EventFilter struct {
	Mill    string
	Factory string
	Start   time.Time
	End     time.Time
	States  []models.MachineState
}

// FetchOptions bounds a bulk fetch
type FetchOptions struct {
	ChunkSize int
	MaxEvents int
}

func (o FetchOptions) normalized() FetchOptions {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultFetchChunkSize
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = DefaultMaxEvents
	}
	if o.ChunkSize > o.MaxEvents {
		o.ChunkSize = o.MaxEvents
	}
	return o
}

// FetchResult is the outcome of a bulk fetch. It is either complete or truncated at Limit;
// a truncated result holds only the first Limit events and every statistic derived from it
// is a lower bound.
type FetchResult struct {
	Events    []models.HistoricalEvent
	Truncated bool
	Limit     int
}

// Complete wraps a full result set
func Complete(events []models.HistoricalEvent, limit int) *FetchResult {
	return &FetchResult{Events: events, Limit: limit}
}

// Truncated wraps a result set that hit the fetch ceiling
func Truncated(events []models.HistoricalEvent, limit int) *FetchResult {
	return &FetchResult{Events: events, Truncated: true, Limit: limit}
}

// EventRepository is the event store the analytics read from.
// FetchEvents returns events in (event_time, id) order and, when truncated, keeps the
// earliest MaxEvents. The analyzers still sort for their own grouping.
type EventRepository interface {
	InsertBatch(ctx context.Context, events []models.HistoricalEvent) error
	FetchEvents(ctx context.Context, filter EventFilter, opts FetchOptions) (*FetchResult, error)
	ListEvents(ctx context.Context, filter EventFilter, page utils.PaginationRequest) ([]models.HistoricalEvent, int64, error)
	ListMills(ctx context.Context, factory string) ([]string, error)
}

// eventRepository implements EventRepository on top of GORM
type eventRepository struct {
	BaseRepository
}

// NewEventRepository creates a new GORM-backed event repository
func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{
		BaseRepository: NewBaseRepository(db),
	}
}

// InsertBatch stores events, ignoring ids that already exist so replays are idempotent
func (r *eventRepository) InsertBatch(ctx context.Context, events []models.HistoricalEvent) error {
	if len(events) == 0 {
		return nil
	}

	for i := range events {
		if err := events[i].Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	err := r.withContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(events, 500).Error
	})
	return r.handleError(err)
}

// FetchEvents reads every matching event in (event_time, id) order, one keyset page at a
// time, until the result set is exhausted or the ceiling is reached. Each page starts after
// the last row of the previous one, so rows inserted concurrently never shift a page and no
// row is returned twice. One extra row is requested on the last page to tell a result that
// is exactly MaxEvents long from one that was cut short.
func (r *eventRepository) FetchEvents(ctx context.Context, filter EventFilter, opts FetchOptions) (*FetchResult, error) {
	opts = opts.normalized()
	events := make([]models.HistoricalEvent, 0, opts.ChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		remaining := opts.MaxEvents - len(events)
		size := opts.ChunkSize
		if size >= remaining {
			size = remaining + 1
		}

		query := r.applyFilter(r.withContext(ctx).Model(&models.HistoricalEvent{}), filter)
		if n := len(events); n > 0 {
			last := events[n-1]
			query = query.Where("(event_time > ? OR (event_time = ? AND id > ?))", last.EventTime, last.EventTime, last.ID)
		}

		var chunk []models.HistoricalEvent
		err := query.
			Order("event_time asc").
			Order("id asc").
			Limit(size).
			Find(&chunk).Error
		if err != nil {
			return nil, r.handleError(err)
		}

		if len(chunk) > remaining {
			events = append(events, chunk[:remaining]...)
			return Truncated(events, opts.MaxEvents), nil
		}

		events = append(events, chunk...)
		if len(chunk) < size {
			return Complete(events, opts.MaxEvents), nil
		}
	}
}

// ListEvents returns one page of matching events, newest first, and the total count
func (r *eventRepository) ListEvents(ctx context.Context, filter EventFilter, page utils.PaginationRequest) ([]models.HistoricalEvent, int64, error) {
	var total int64
	base := r.applyFilter(r.withContext(ctx).Model(&models.HistoricalEvent{}), filter)
	if err := base.Count(&total).Error; err != nil {
		return nil, 0, r.handleError(err)
	}

	var events []models.HistoricalEvent
	query := r.applyFilter(r.withContext(ctx).Model(&models.HistoricalEvent{}), filter).
		Order("event_time desc").
		Order("id desc")
	if err := utils.ApplyPagination(query, page).Find(&events).Error; err != nil {
		return nil, 0, r.handleError(err)
	}

	return events, total, nil
}

// ListMills returns the distinct mill identifiers, optionally limited to one factory
func (r *eventRepository) ListMills(ctx context.Context, factory string) ([]string, error) {
	var mills []string
	query := r.withContext(ctx).Model(&models.HistoricalEvent{}).Distinct("mill")
	if factory != "" {
		query = query.Where("factory = ?", factory)
	}
	if err := query.Order("mill asc").Pluck("mill", &mills).Error; err != nil {
		return nil, r.handleError(err)
	}
	return mills, nil
}

// applyFilter adds the filter's WHERE clauses to a query
func (r *eventRepository) applyFilter(query *gorm.DB, filter EventFilter) *gorm.DB {
	if filter.Mill != "" {
		query = query.Where("mill = ?", filter.Mill)
	}
	if filter.Factory != "" {
		query = query.Where("factory = ?", filter.Factory)
	}
	if !filter.Start.IsZero() {
		query = query.Where("event_time >= ?", filter.Start)
	}
	if !filter.End.IsZero() {
		query = query.Where("event_time <= ?", filter.End)
	}
	if len(filter.States) > 0 {
		query = query.Where("state IN ?", filter.States)
	}
	return query
}
