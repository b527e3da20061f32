package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/terraform-registry/scm-sync/internal/telemetry"
)

// MetricsMiddleware records request count and latency for every request.
//
// The path label is set from c.FullPath(), which returns the matched route
// template (e.g. /v1/modules/:id/link) rather than the raw URL. Requests
// that match no registered route use the literal "<no-route>" so unhandled
// paths do not inflate label cardinality.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		method := c.Request.Method
		status := fmt.Sprintf("%d", c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
