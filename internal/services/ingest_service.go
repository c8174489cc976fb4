package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/millpulse/backend/internal/cache"
	"github.com/millpulse/backend/internal/db/models"
	"github.com/millpulse/backend/internal/db/repository"
	"github.com/millpulse/backend/internal/eventlog"
	"github.com/millpulse/backend/internal/metrics"
	"github.com/millpulse/backend/internal/utils"
	"go.uber.org/zap"
)

// Ingest sources, used as metric labels
const (
	SourceHTTP  = "http"
	SourceKafka = "kafka"
)

// MillNotifier pushes a notification to a mill's subscribers
type MillNotifier interface {
	NotifyMill(mill string, notificationType NotificationType, payload interface{})
}

// MillBatch summarizes the events stored for one mill
type MillBatch struct {
	Mill  string    `json:"mill"`
	Count int       `json:"count"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
}

// IngestResult is returned to HTTP callers after a successful ingest
type IngestResult struct {
	Accepted int         `json:"accepted"`
	Mills    []MillBatch `json:"mills"`
}

// IngestService validates incoming machine events, stores them and notifies subscribers
type IngestService struct {
	logger    *utils.Logger
	events    repository.EventRepository
	validator *utils.JSONSchemaValidator
	notifier  MillNotifier
	cache     cache.ResultCache
	stats     *metrics.Stats
}

// NewIngestService creates a new ingest service. notifier may be nil; a nil cache means
// analytics results are not cached.
func NewIngestService(
	events repository.EventRepository,
	notifier MillNotifier,
	resultCache cache.ResultCache,
	stats *metrics.Stats,
	logger *utils.Logger,
) (*IngestService, error) {
	validator, err := utils.NewMachineEventValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to load machine event schema: %w", err)
	}
	if resultCache == nil {
		resultCache = cache.Noop{}
	}
	if stats == nil {
		stats = metrics.NewStats()
	}
	return &IngestService{
		logger:    logger.Named("ingest_service"),
		events:    events,
		validator: validator,
		notifier:  notifier,
		cache:     resultCache,
		stats:     stats,
	}, nil
}

// HandleKafkaMessage ingests one machine-events message. Any error sends the message to
// the DLQ.
func (s *IngestService) HandleKafkaMessage(ctx context.Context, payload []byte) error {
	_, err := s.IngestPayload(ctx, SourceKafka, payload)
	return err
}

// DecodePayload validates a JSON event or array of events against the machine event schema
func (s *IngestService) DecodePayload(payload []byte) ([]models.HistoricalEvent, error) {
	return eventlog.Decode(s.validator, payload)
}

// IngestPayload decodes and stores a raw payload
func (s *IngestService) IngestPayload(ctx context.Context, source string, payload []byte) (*IngestResult, error) {
	events, err := s.DecodePayload(payload)
	if err != nil {
		s.stats.RecRejected()
		s.logger.Warn("Rejected machine event payload", zap.String("source", source), zap.Error(err))
		return nil, err
	}
	return s.Ingest(ctx, source, events)
}

// Ingest stores events, assigning ids where missing, and notifies each affected mill
func (s *IngestService) Ingest(ctx context.Context, source string, events []models.HistoricalEvent) (*IngestResult, error) {
	if len(events) == 0 {
		return &IngestResult{Mills: []MillBatch{}}, nil
	}

	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
	}

	if err := s.events.InsertBatch(ctx, events); err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			s.stats.RecRejected()
			return nil, fmt.Errorf("%w: %v", utils.ErrValidation, err)
		}
		s.logger.Error("Failed to store machine events",
			zap.String("source", source),
			zap.Int("count", len(events)),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", utils.ErrUpstream, err)
	}

	s.stats.RecIngested(source, len(events))
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Error("Failed to invalidate analytics results", zap.String("source", source), zap.Error(err))
	}
	result := &IngestResult{Accepted: len(events), Mills: summarizeByMill(events)}

	s.logger.Debug("Stored machine events",
		zap.String("source", source),
		zap.Int("count", len(events)),
		zap.Int("mills", len(result.Mills)))

	if s.notifier != nil {
		for _, batch := range result.Mills {
			s.notifier.NotifyMill(batch.Mill, NotificationTypeEventsIngested, batch)
		}
	}
	return result, nil
}

// summarizeByMill groups events by mill, mills in name order
func summarizeByMill(events []models.HistoricalEvent) []MillBatch {
	byMill := make(map[string]*MillBatch)
	for _, e := range events {
		b, ok := byMill[e.Mill]
		if !ok {
			b = &MillBatch{Mill: e.Mill, From: e.EventTime, To: e.EventTime}
			byMill[e.Mill] = b
		}
		b.Count++
		if e.EventTime.Before(b.From) {
			b.From = e.EventTime
		}
		if e.EventTime.After(b.To) {
			b.To = e.EventTime
		}
	}

	out := make([]MillBatch, 0, len(byMill))
	for _, b := range byMill {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mill < out[j].Mill })
	return out
}
