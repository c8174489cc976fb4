package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/millpulse/backend/internal/db/models"
	"github.com/millpulse/backend/internal/utils"
)

// memoryEventRepository keeps events in process memory. It backs the offline CLI and
// service tests; each instance owns its own slice, nothing is shared between instances.
type memoryEventRepository struct {
	mu     sync.RWMutex
	events []models.HistoricalEvent
	ids    map[string]struct{}
}

// NewMemoryEventRepository creates an in-memory EventRepository seeded with events
func NewMemoryEventRepository(seed ...models.HistoricalEvent) EventRepository {
	r := &memoryEventRepository{ids: make(map[string]struct{})}
	_ = r.InsertBatch(context.Background(), seed)
	return r
}

// InsertBatch stores events, skipping ids that are already present
func (r *memoryEventRepository) InsertBatch(ctx context.Context, events []models.HistoricalEvent) error {
	for i := range events {
		if err := events[i].Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range events {
		if e.ID != "" {
			if _, dup := r.ids[e.ID]; dup {
				continue
			}
			r.ids[e.ID] = struct{}{}
		}
		r.events = append(r.events, e)
	}
	return nil
}

// FetchEvents returns matching events in (event_time, id) order, capped at the earliest
// MaxEvents like the GORM repository
func (r *memoryEventRepository) FetchEvents(ctx context.Context, filter EventFilter, opts FetchOptions) (*FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts = opts.normalized()

	matched := r.matching(filter)
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].EventTime.Equal(matched[j].EventTime) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].EventTime.Before(matched[j].EventTime)
	})
	if len(matched) > opts.MaxEvents {
		return Truncated(matched[:opts.MaxEvents], opts.MaxEvents), nil
	}
	return Complete(matched, opts.MaxEvents), nil
}

// ListEvents returns one page of matching events, newest first
func (r *memoryEventRepository) ListEvents(ctx context.Context, filter EventFilter, page utils.PaginationRequest) ([]models.HistoricalEvent, int64, error) {
	matched := r.matching(filter)
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].EventTime.Equal(matched[j].EventTime) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].EventTime.After(matched[j].EventTime)
	})

	total := int64(len(matched))
	start := page.Offset()
	if start >= len(matched) {
		return []models.HistoricalEvent{}, total, nil
	}
	end := start + page.Limit
	if page.Limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

// ListMills returns the distinct mills in ascending order
func (r *memoryEventRepository) ListMills(ctx context.Context, factory string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	mills := []string{}
	for _, e := range r.events {
		if factory != "" && e.FactoryValue() != factory {
			continue
		}
		if _, ok := seen[e.Mill]; ok {
			continue
		}
		seen[e.Mill] = struct{}{}
		mills = append(mills, e.Mill)
	}
	sort.Strings(mills)
	return mills, nil
}

func (r *memoryEventRepository) matching(filter EventFilter) []models.HistoricalEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[models.MachineState]bool, len(filter.States))
	for _, s := range filter.States {
		states[s] = true
	}

	out := make([]models.HistoricalEvent, 0, len(r.events))
	for _, e := range r.events {
		if filter.Mill != "" && e.Mill != filter.Mill {
			continue
		}
		if filter.Factory != "" && e.FactoryValue() != filter.Factory {
			continue
		}
		if !filter.Start.IsZero() && e.EventTime.Before(filter.Start) {
			continue
		}
		if !filter.End.IsZero() && e.EventTime.After(filter.End) {
			continue
		}
		if len(states) > 0 && !states[e.State] {
			continue
		}
		out = append(out, e)
	}
	return out
}
