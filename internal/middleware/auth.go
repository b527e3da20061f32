// Package middleware provides Gin HTTP middleware for authentication,
// authorization, request tracing, rate limiting, and metrics.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → CORS → RateLimit → Auth → Handler
//
// Webhook routes skip the Auth middleware entirely; they are authenticated by
// the payload signature instead of a bearer token.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/terraform-registry/scm-sync/internal/auth"
)

const (
	// UserIDKey is the gin.Context key holding the authenticated user ID.
	UserIDKey = "user_id"
	// ScopesKey is the gin.Context key holding the authenticated scopes.
	ScopesKey = "scopes"
)

// AuthMiddleware validates the Authorization bearer token and stores the
// user identity and scopes in the request context
func AuthMiddleware(issuer *auth.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing authorization header"})
			return
		}
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header must start with 'Bearer '"})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization token is empty"})
			return
		}

		claims, err := issuer.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(ScopesKey, claims.Scopes)
		c.Next()
	}
}

// RequireScope aborts with 403 unless the authenticated principal carries
// the required scope. Must run after AuthMiddleware.
func RequireScope(required auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		scopes := ContextScopes(c)
		if !auth.HasScope(scopes, required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":          "Insufficient permissions",
				"required_scope": string(required),
			})
			return
		}
		c.Next()
	}
}

// ContextUserID returns the authenticated user ID, or "" when unauthenticated
func ContextUserID(c *gin.Context) string {
	if v, ok := c.Get(UserIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// ContextScopes returns the authenticated scopes, or nil when unauthenticated
func ContextScopes(c *gin.Context) []string {
	if v, ok := c.Get(ScopesKey); ok {
		if scopes, ok := v.([]string); ok {
			return scopes
		}
	}
	return nil
}
