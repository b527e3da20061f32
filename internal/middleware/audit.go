// audit.go records mutating API requests to the configured audit
// destinations. Read-only requests are not recorded; neither are webhook
// deliveries, which have their own event trail in the database.
package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/terraform-registry/scm-sync/internal/audit"
	"github.com/terraform-registry/scm-sync/internal/safego"
)

// AuditMiddleware ships one audit entry per completed mutating request.
// Shipping happens off the request goroutine so a slow audit destination
// never delays the API response.
func AuditMiddleware(shipper audit.Shipper) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			return
		}

		entry := &audit.Entry{
			Timestamp:  time.Now().UTC(),
			Action:     auditAction(c),
			UserID:     ContextUserID(c),
			IPAddress:  c.ClientIP(),
			StatusCode: c.Writer.Status(),
		}
		if id, ok := c.Get(RequestIDKey); ok {
			if s, ok := id.(string); ok {
				entry.RequestID = s
			}
		}
		entry.ResourceType, entry.ResourceID = auditResource(c)

		safego.GoNamed("audit-ship", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			_ = shipper.Ship(ctx, entry)
		})
	}
}

// auditAction renders the route as "METHOD /template/path". The route
// template is used rather than the raw URL so entries for the same operation
// aggregate regardless of the IDs involved.
func auditAction(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	return c.Request.Method + " " + route
}

// auditResource pulls the most specific resource reference out of the route
// parameters. Nested routes report the leaf resource: acknowledging a
// violation under a module records the violation, not the module.
func auditResource(c *gin.Context) (resourceType, resourceID string) {
	for _, p := range []struct{ param, kind string }{
		{"violation_id", "violation"},
		{"version", "module_version"},
		{"link_id", "module_scm_link"},
	} {
		if v := c.Param(p.param); v != "" {
			return p.kind, v
		}
	}
	if v := c.Param("id"); v != "" {
		if strings.Contains(c.FullPath(), "/providers/") {
			return "scm_provider", v
		}
		return "module", v
	}
	return "", ""
}
