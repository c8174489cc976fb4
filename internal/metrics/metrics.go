// Package metrics exposes the service's Prometheus collectors on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "millpulse"

// Stats holds every collector the service records into
type Stats struct {
	registry *prometheus.Registry

	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	analyzerRuns    *prometheus.CounterVec
	analyzerEvents  *prometheus.HistogramVec
	truncations     *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	ingestedEvents  *prometheus.CounterVec
	rejectedPayload prometheus.Counter
}

// NewStats creates the collectors and registers them with a fresh registry
func NewStats() *Stats {
	s := &Stats{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		analyzerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_runs_total",
			Help:      "Analyzer executions by analyzer and outcome.",
		}, []string{"analyzer", "outcome"}),
		analyzerEvents: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analyzer_input_events",
			Help:      "Number of events fed to each analyzer run.",
			Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
		}, []string{"analyzer"}),
		truncations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_truncated_fetches_total",
			Help:      "Analyzer runs whose event fetch hit the configured ceiling.",
		}, []string{"analyzer"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_cache_lookups_total",
			Help:      "Analytics result cache lookups by result.",
		}, []string{"result"}),
		ingestedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_events_total",
			Help:      "Machine events stored, by ingest source.",
		}, []string{"source"}),
		rejectedPayload: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rejected_payloads_total",
			Help:      "Ingest payloads that failed schema validation or decoding.",
		}),
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		s.httpRequests,
		s.httpDuration,
		s.analyzerRuns,
		s.analyzerEvents,
		s.truncations,
		s.cacheLookups,
		s.ingestedEvents,
		s.rejectedPayload,
	)
	return s
}

// Handler serves the registry in the Prometheus exposition format
func (s *Stats) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
}

// Registry exposes the underlying registry, mainly for tests
func (s *Stats) Registry() *prometheus.Registry {
	return s.registry
}

// RecHTTP records one served request
func (s *Stats) RecHTTP(route, method string, code int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	s.httpRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	s.httpDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}

// RecAnalyzerRun records one analyzer execution over inputEvents events
func (s *Stats) RecAnalyzerRun(analyzer string, inputEvents int, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.analyzerRuns.WithLabelValues(analyzer, outcome).Inc()
	if err == nil {
		s.analyzerEvents.WithLabelValues(analyzer).Observe(float64(inputEvents))
	}
}

// RecTruncation records a fetch that stopped at the event ceiling
func (s *Stats) RecTruncation(analyzer string) {
	s.truncations.WithLabelValues(analyzer).Inc()
}

// RecCacheLookup records a result cache hit or miss
func (s *Stats) RecCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	s.cacheLookups.WithLabelValues(result).Inc()
}

// RecIngested records n events stored from source
func (s *Stats) RecIngested(source string, n int) {
	s.ingestedEvents.WithLabelValues(source).Add(float64(n))
}

// RecRejected records an ingest payload that could not be accepted
func (s *Stats) RecRejected() {
	s.rejectedPayload.Inc()
}
