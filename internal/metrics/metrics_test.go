package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats(t *testing.T) {
	s := NewStats()

	t.Run("Should count requests by route and code", func(t *testing.T) {
		s.RecHTTP("/api/v1/mills", http.MethodGet, 200, 15*time.Millisecond)
		s.RecHTTP("/api/v1/mills", http.MethodGet, 200, 5*time.Millisecond)
		s.RecHTTP("", http.MethodGet, 404, time.Millisecond)

		assert.Equal(t, 2.0, testutil.ToFloat64(s.httpRequests.WithLabelValues("/api/v1/mills", "GET", "200")))
		assert.Equal(t, 1.0, testutil.ToFloat64(s.httpRequests.WithLabelValues("unmatched", "GET", "404")))
	})

	t.Run("Should split analyzer runs by outcome", func(t *testing.T) {
		s.RecAnalyzerRun("rapid_recurrence", 120, nil)
		s.RecAnalyzerRun("rapid_recurrence", 0, errors.New("boom"))
		s.RecTruncation("rapid_recurrence")

		assert.Equal(t, 1.0, testutil.ToFloat64(s.analyzerRuns.WithLabelValues("rapid_recurrence", "ok")))
		assert.Equal(t, 1.0, testutil.ToFloat64(s.analyzerRuns.WithLabelValues("rapid_recurrence", "error")))
		assert.Equal(t, 1.0, testutil.ToFloat64(s.truncations.WithLabelValues("rapid_recurrence")))
	})

	t.Run("Should count ingest and cache activity", func(t *testing.T) {
		s.RecIngested("kafka", 3)
		s.RecIngested("http", 2)
		s.RecRejected()
		s.RecCacheLookup(true)
		s.RecCacheLookup(false)
		s.RecCacheLookup(false)

		assert.Equal(t, 3.0, testutil.ToFloat64(s.ingestedEvents.WithLabelValues("kafka")))
		assert.Equal(t, 1.0, testutil.ToFloat64(s.rejectedPayload))
		assert.Equal(t, 2.0, testutil.ToFloat64(s.cacheLookups.WithLabelValues("miss")))
	})

	t.Run("Should expose the registry over HTTP", func(t *testing.T) {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.True(t, strings.Contains(body, "millpulse_http_requests_total"))
		assert.True(t, strings.Contains(body, "millpulse_ingested_events_total"))
	})
}
