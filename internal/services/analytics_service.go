package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/millpulse/backend/internal/analytics"
	"github.com/millpulse/backend/internal/cache"
	"github.com/millpulse/backend/internal/config"
	"github.com/millpulse/backend/internal/db/models"
	"github.com/millpulse/backend/internal/db/repository"
	"github.com/millpulse/backend/internal/metrics"
	"github.com/millpulse/backend/internal/telemetry"
	"github.com/millpulse/backend/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	analyzerRapidRecurrence = "rapid_recurrence"
	analyzerTransitions     = "downtime_transitions"
	dateLayout              = "2006-01-02"
)

// QueryWindow selects the events an analysis runs over. Zero times are unbounded.
type QueryWindow struct {
	Mill    string
	Factory string
	Start   time.Time
	End     time.Time
}

// ParseWindow validates the common query parameters. Dates are YYYY-MM-DD or RFC 3339; a
// date-only end covers the whole day.
func ParseWindow(mill, factory, startDate, endDate string) (QueryWindow, error) {
	w := QueryWindow{Mill: strings.TrimSpace(mill), Factory: strings.TrimSpace(factory)}

	var err error
	if w.Start, err = parseQueryTime(startDate, false); err != nil {
		return w, fmt.Errorf("%w: startDate: %v", utils.ErrValidation, err)
	}
	if w.End, err = parseQueryTime(endDate, true); err != nil {
		return w, fmt.Errorf("%w: endDate: %v", utils.ErrValidation, err)
	}
	if !w.Start.IsZero() && !w.End.IsZero() && w.Start.After(w.End) {
		return w, fmt.Errorf("%w: startDate must not be after endDate", utils.ErrValidation)
	}
	return w, nil
}

func parseQueryTime(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%q is not a date (YYYY-MM-DD) or RFC 3339 timestamp", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func (w QueryWindow) filter(states ...models.MachineState) repository.EventFilter {
	return repository.EventFilter{
		Mill:    w.Mill,
		Factory: w.Factory,
		Start:   w.Start,
		End:     w.End,
		States:  states,
	}
}

func (w QueryWindow) cacheParams() []string {
	format := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(time.RFC3339Nano)
	}
	return []string{w.Mill, w.Factory, format(w.Start), format(w.End)}
}

// AnalyticsService runs the downtime analyzers over events from the event store
type AnalyticsService struct {
	logger *utils.Logger
	events repository.EventRepository
	cache  cache.ResultCache
	stats  *metrics.Stats
	cfg    config.AnalyticsConfig
}

// NewAnalyticsService creates a new analytics service. A nil cache disables caching.
func NewAnalyticsService(
	events repository.EventRepository,
	resultCache cache.ResultCache,
	stats *metrics.Stats,
	cfg config.AnalyticsConfig,
	logger *utils.Logger,
) *AnalyticsService {
	if resultCache == nil {
		resultCache = cache.Noop{}
	}
	if stats == nil {
		stats = metrics.NewStats()
	}
	return &AnalyticsService{
		logger: logger.Named("analytics_service"),
		events: events,
		cache:  resultCache,
		stats:  stats,
		cfg:    cfg,
	}
}

// Defaults returns the configured default threshold and matrix size
func (s *AnalyticsService) Defaults() (thresholdMinutes float64, topN int) {
	thresholdMinutes, topN = s.cfg.DefaultThresholdMinutes, s.cfg.DefaultTopN
	if thresholdMinutes <= 0 {
		thresholdMinutes = analytics.DefaultThresholdMinutes
	}
	if topN <= 0 {
		topN = analytics.DefaultTopN
	}
	return thresholdMinutes, topN
}

// RapidRecurrence detects restarts that failed again within opts.ThresholdMinutes
func (s *AnalyticsService) RapidRecurrence(ctx context.Context, window QueryWindow, opts analytics.RecurrenceOptions) (*analytics.RecurrenceResult, error) {
	if opts.PrecedingReason == "" {
		opts.PrecedingReason = analytics.PrecedingReasonEpisodeStart
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrValidation, err)
	}

	key, cacheable := s.cacheKey(ctx, analyzerRapidRecurrence, append(window.cacheParams(),
		strconv.FormatFloat(opts.ThresholdMinutes, 'g', -1, 64),
		string(opts.PrecedingReason),
	)...)

	var cached analytics.RecurrenceResult
	if cacheable && s.lookup(ctx, key, &cached) {
		return &cached, nil
	}

	ctx, span := telemetry.Tracer().Start(ctx, "analytics.rapid_recurrence")
	defer span.End()
	span.SetAttributes(
		attribute.String("mill", window.Mill),
		attribute.Float64("threshold_minutes", opts.ThresholdMinutes),
	)

	// Every state is fetched: a non-DOWNTIME event before a RUNNING event means it is not a restart
	fetched, err := s.fetch(ctx, analyzerRapidRecurrence, window.filter())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}

	_, scan := telemetry.Tracer().Start(ctx, "analytics.rapid_recurrence.scan")
	result, err := analytics.DetectRapidRecurrences(fetched.Events, opts)
	scan.End()
	s.stats.RecAnalyzerRun(analyzerRapidRecurrence, len(fetched.Events), err)
	if err != nil {
		return nil, s.analyzerError(err)
	}

	result.Truncated, result.EventLimit = fetched.Truncated, fetched.Limit
	span.SetAttributes(attribute.Int("recurrences", result.Summary.TotalEvents))

	if cacheable {
		s.store(ctx, key, result)
	}
	return result, nil
}

// DowntimeTransitions counts DOWNTIME -> RUNNING -> DOWNTIME transitions in the window
func (s *AnalyticsService) DowntimeTransitions(ctx context.Context, window QueryWindow, opts analytics.TransitionOptions) (*analytics.TransitionResult, error) {
	var err error
	if opts.Grouping, err = analytics.ParseGrouping(string(opts.Grouping)); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrValidation, err)
	}
	if opts.Scope, err = analytics.ParseScope(string(opts.Scope)); err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrValidation, err)
	}
	if opts.TopN == 0 {
		_, opts.TopN = s.Defaults()
	}
	if opts.TopN < 1 {
		return nil, fmt.Errorf("%w: topN must be at least 1", utils.ErrValidation)
	}

	key, cacheable := s.cacheKey(ctx, analyzerTransitions, append(window.cacheParams(),
		string(opts.Grouping),
		strconv.Itoa(opts.TopN),
		opts.FromValue,
		opts.ToValue,
		string(opts.Scope),
	)...)

	var cached analytics.TransitionResult
	if cacheable && s.lookup(ctx, key, &cached) {
		return &cached, nil
	}

	ctx, span := telemetry.Tracer().Start(ctx, "analytics.downtime_transitions")
	defer span.End()
	span.SetAttributes(
		attribute.String("mill", window.Mill),
		attribute.String("grouping", string(opts.Grouping)),
		attribute.String("scope", string(opts.Scope)),
	)

	fetched, err := s.fetch(ctx, analyzerTransitions, window.filter(models.StateDowntime, models.StateRunning))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}

	_, scan := telemetry.Tracer().Start(ctx, "analytics.downtime_transitions.scan")
	result, err := analytics.AnalyzeTransitions(fetched.Events, opts)
	scan.End()
	s.stats.RecAnalyzerRun(analyzerTransitions, len(fetched.Events), err)
	if err != nil {
		return nil, s.analyzerError(err)
	}

	result.Truncated, result.EventLimit = fetched.Truncated, fetched.Limit
	span.SetAttributes(attribute.Int("transitions", result.TotalTransitions))

	if cacheable {
		s.store(ctx, key, result)
	}
	return result, nil
}

// fetch loads events under the configured ceiling and reports truncation
func (s *AnalyticsService) fetch(ctx context.Context, analyzer string, filter repository.EventFilter) (*repository.FetchResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "events.fetch")
	defer span.End()

	res, err := s.events.FetchEvents(ctx, filter, repository.FetchOptions{
		ChunkSize: s.cfg.FetchChunkSize,
		MaxEvents: s.cfg.MaxEvents,
	})
	if err != nil {
		s.logger.Error("Failed to fetch events",
			zap.String("analyzer", analyzer),
			zap.String("mill", filter.Mill),
			zap.Error(err))
		s.stats.RecAnalyzerRun(analyzer, 0, err)
		return nil, fmt.Errorf("%w: %v", utils.ErrUpstream, err)
	}

	span.SetAttributes(attribute.Int("events", len(res.Events)), attribute.Bool("truncated", res.Truncated))
	if res.Truncated {
		s.stats.RecTruncation(analyzer)
		s.logger.Warn("Event fetch hit the ceiling, analyzing a truncated window",
			zap.String("analyzer", analyzer),
			zap.String("mill", filter.Mill),
			zap.String("factory", filter.Factory),
			zap.Int("limit", res.Limit))
	}
	return res, nil
}

func (s *AnalyticsService) analyzerError(err error) error {
	if errors.Is(err, analytics.ErrInvalidOptions) {
		return fmt.Errorf("%w: %v", utils.ErrValidation, err)
	}
	return err
}

// cacheKey keys a query under the current cache generation. Without a generation the
// result is neither read from nor written to the cache.
func (s *AnalyticsService) cacheKey(ctx context.Context, analyzer string, params ...string) (string, bool) {
	gen, err := s.cache.Generation(ctx)
	if err != nil {
		s.logger.Warn("Result cache generation read failed", zap.String("analyzer", analyzer), zap.Error(err))
		s.stats.RecCacheLookup(false)
		return "", false
	}
	return cache.Key(analyzer, append([]string{strconv.FormatInt(gen, 10)}, params...)...), true
}

// lookup reads a cached result; cache failures only cost a recomputation
func (s *AnalyticsService) lookup(ctx context.Context, key string, dst interface{}) bool {
	hit, err := s.cache.Get(ctx, key, dst)
	if err != nil {
		s.logger.Warn("Result cache read failed", zap.String("key", key), zap.Error(err))
		hit = false
	}
	s.stats.RecCacheLookup(hit)
	return hit
}

func (s *AnalyticsService) store(ctx context.Context, key string, value interface{}) {
	if err := s.cache.Set(ctx, key, value); err != nil {
		s.logger.Warn("Result cache write failed", zap.String("key", key), zap.Error(err))
	}
}
