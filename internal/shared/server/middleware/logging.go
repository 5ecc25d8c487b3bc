package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"inspection-sync/internal/shared/telemetry"
)

// Logging emits a structured log per request. Handlers tag the inspection
// they touched via the templateId/subjectId/syncOutcome context keys.
func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.EqualFold(c.Request.Method, "OPTIONS") || c.Request.URL.Path == "/api/v1/events" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		telemetry.Info("request.complete", map[string]any{
			"request_id":   RequestIDFromContext(c),
			"method":       c.Request.Method,
			"path":         c.Request.URL.Path,
			"route":        c.FullPath(),
			"status":       c.Writer.Status(),
			"duration_ms":  float64(latency.Microseconds()) / 1000.0,
			"template_id":  c.GetString("templateId"),
			"subject_id":   c.GetString("subjectId"),
			"sync_outcome": c.GetString("syncOutcome"),
			"client_ip":    c.ClientIP(),
			"user_agent":   c.Request.UserAgent(),
		})
	}
}
