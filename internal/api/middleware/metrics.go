package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/millpulse/backend/internal/metrics"
)

// MetricsMiddleware records request counts and latency per route template, so
// /api/v1/events?page=2 and /api/v1/events share one series
func MetricsMiddleware(stats *metrics.Stats) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		stats.RecHTTP(c.FullPath(), c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
