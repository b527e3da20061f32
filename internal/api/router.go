// Package api wires together the HTTP surface of the sync service.
//
// Route grouping philosophy:
//   - Webhook ingestion (/webhooks/scm/) is unauthenticated at the transport
//     level; each delivery authenticates itself with the provider's payload
//     signature against the link's webhook secret.
//   - Everything under /api/v1/ requires a bearer token and the appropriate
//     scope, except the OAuth callback, which is authenticated by its signed
//     state parameter because the provider redirects the browser there
//     without our Authorization header.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terraform-registry/scm-sync/internal/api/admin"
	"github.com/terraform-registry/scm-sync/internal/api/modules"
	"github.com/terraform-registry/scm-sync/internal/api/webhooks"
	"github.com/terraform-registry/scm-sync/internal/audit"
	"github.com/terraform-registry/scm-sync/internal/auth"
	"github.com/terraform-registry/scm-sync/internal/config"
	"github.com/terraform-registry/scm-sync/internal/crypto"
	"github.com/terraform-registry/scm-sync/internal/db/repositories"
	"github.com/terraform-registry/scm-sync/internal/jobs"
	"github.com/terraform-registry/scm-sync/internal/middleware"
	"github.com/terraform-registry/scm-sync/internal/safego"
	"github.com/terraform-registry/scm-sync/internal/services"
	"github.com/terraform-registry/scm-sync/internal/storage"
	"github.com/terraform-registry/scm-sync/internal/storage/local"
	"github.com/terraform-registry/scm-sync/internal/telemetry"

	// Import SCM connectors to register them via init()
	_ "github.com/terraform-registry/scm-sync/internal/scm/azuredevops"
	_ "github.com/terraform-registry/scm-sync/internal/scm/bitbucket"
	_ "github.com/terraform-registry/scm-sync/internal/scm/github"
	_ "github.com/terraform-registry/scm-sync/internal/scm/gitlab"
)

// BackgroundServices holds the background goroutines the router starts. The
// caller (cmd/server) calls Shutdown after the HTTP server has drained.
type BackgroundServices struct {
	tagVerifier       *jobs.TagVerifier
	webhookReconciler *jobs.WebhookReconciler
	rateLimiters      []*middleware.RateLimiter
	auditShipper      *audit.MultiShipper
}

// Shutdown stops all background goroutines
func (bg *BackgroundServices) Shutdown() {
	if bg.tagVerifier != nil {
		bg.tagVerifier.Stop()
	}
	if bg.webhookReconciler != nil {
		bg.webhookReconciler.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	if bg.auditShipper != nil {
		bg.auditShipper.Close()
	}
}

// NewRouter creates and configures the Gin router
func NewRouter(cfg *config.Config, db *sqlx.DB) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()

	// The encryption key protects stored OAuth tokens, PATs, and client
	// secrets; the service cannot run without it.
	encryptionKey := os.Getenv("ENCRYPTION_KEY")
	if encryptionKey == "" {
		return nil, nil, fmt.Errorf("ENCRYPTION_KEY environment variable must be set")
	}
	cipher, err := crypto.NewTokenCipher([]byte(encryptionKey))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize token cipher: %w", err)
	}

	manifests, err := local.New(cfg.Storage.Local.BasePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize manifest storage: %w", err)
	}

	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize token issuer: %w", err)
	}

	// Repositories and services
	moduleRepo := repositories.NewModuleRepository(db)
	scmRepo := repositories.NewSCMRepository(db)

	connectors := services.NewConnectorFactory(cipher)
	tokens := services.NewTokenStore(scmRepo, cipher, connectors, cfg.SCM.TokenRefreshWindow)
	guard := services.NewImmutabilityGuard(moduleRepo, scmRepo)
	orchestrator := services.NewSyncOrchestrator(scmRepo, moduleRepo, tokens, connectors, guard, manifests, services.OrchestratorConfig{
		PublishTimeout: cfg.SCM.PublishTimeout,
		PublishRetries: cfg.SCM.PublishRetries,
	})
	links := services.NewLinkService(scmRepo, moduleRepo, tokens, connectors, cfg.Server.GetPublicURL())

	// Handlers
	moduleHandler := modules.NewModuleHandler(moduleRepo)
	linkingHandler := modules.NewSCMLinkingHandler(scmRepo, links, orchestrator)
	providerHandler := admin.NewSCMProviderHandler(scmRepo, cipher)
	oauthHandler := admin.NewSCMOAuthHandler(scmRepo, tokens, connectors, cfg.SCM.StateSecret, cfg.Server.GetPublicURL())
	webhookHandler := webhooks.NewSCMWebhookHandler(scmRepo, connectors, orchestrator)

	// Background jobs. A zero interval disables the job.
	bg := &BackgroundServices{}
	if cfg.Jobs.TagVerifyInterval > 0 {
		bg.tagVerifier = jobs.NewTagVerifier(scmRepo, moduleRepo, tokens, connectors, guard, cfg.Jobs.TagVerifyInterval)
		safego.GoNamed("tag-verifier", func() { bg.tagVerifier.Start(context.Background()) })
	}
	if cfg.Jobs.WebhookReconcileInterval > 0 {
		bg.webhookReconciler = jobs.NewWebhookReconciler(scmRepo, tokens, connectors, cfg.Jobs.WebhookReconcileInterval)
		safego.GoNamed("webhook-reconciler", func() { bg.webhookReconciler.Start(context.Background()) })
	}

	// Middleware
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.LoggerMiddleware())
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS.AllowedOrigins, cfg.Security.CORS.AllowedMethods))

	router.GET("/health", healthCheckHandler(db))
	router.GET("/ready", readinessHandler(db, manifests))
	router.GET("/version", versionHandler())
	if cfg.Telemetry.Metrics.Enabled {
		telemetry.StartDBStatsCollector(db.DB)
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	apiLimiter := middleware.NewRateLimiter(apiRateLimitConfig(cfg))
	webhookLimiter := middleware.NewRateLimiter(middleware.WebhookRateLimitConfig())
	bg.rateLimiters = []*middleware.RateLimiter{apiLimiter, webhookLimiter}

	// Webhook ingestion: signature is the only authentication, and the
	// response must come back fast, so this stays outside the API groups.
	webhookGroup := router.Group("/webhooks/scm")
	if cfg.Security.RateLimiting.Enabled {
		webhookGroup.Use(middleware.RateLimitMiddleware(webhookLimiter))
	}
	webhookGroup.POST("/:link_id", webhookHandler.HandleWebhook)

	apiV1 := router.Group("/api/v1")

	// The OAuth callback arrives as a browser redirect from the provider
	// and carries no bearer token; the HMAC-signed state authenticates it.
	apiV1.GET("/scm/oauth/callback", oauthHandler.HandleOAuthCallback)

	authenticated := apiV1.Group("")
	authenticated.Use(middleware.AuthMiddleware(issuer))
	if cfg.Security.RateLimiting.Enabled {
		authenticated.Use(middleware.RateLimitMiddleware(apiLimiter))
	}
	auditShipper, err := auditShipperFromConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize audit shippers: %w", err)
	}
	if auditShipper != nil {
		bg.auditShipper = auditShipper
		authenticated.Use(middleware.AuditMiddleware(auditShipper))
	}
	{
		// Module catalog
		authenticated.GET("/modules", middleware.RequireScope(auth.ScopeModulesRead), moduleHandler.ListModules)
		authenticated.POST("/modules", middleware.RequireScope(auth.ScopeModulesWrite), moduleHandler.CreateModule)
		authenticated.GET("/modules/:id", middleware.RequireScope(auth.ScopeModulesRead), moduleHandler.GetModule)
		authenticated.GET("/modules/:id/versions", middleware.RequireScope(auth.ScopeModulesRead), moduleHandler.ListVersions)

		// Module <-> repository linking and sync
		authenticated.POST("/modules/:id/scm", middleware.RequireScope(auth.ScopeModulesWrite), linkingHandler.LinkModule)
		authenticated.GET("/modules/:id/scm", middleware.RequireScope(auth.ScopeModulesRead), linkingHandler.GetLink)
		authenticated.PUT("/modules/:id/scm", middleware.RequireScope(auth.ScopeModulesWrite), linkingHandler.UpdateLink)
		authenticated.DELETE("/modules/:id/scm", middleware.RequireScope(auth.ScopeModulesWrite), linkingHandler.UnlinkModule)
		authenticated.POST("/modules/:id/scm/sync", middleware.RequireScope(auth.ScopeModulesWrite), linkingHandler.TriggerSync)
		authenticated.GET("/modules/:id/scm/events", middleware.RequireScope(auth.ScopeModulesRead), linkingHandler.ListEvents)
		authenticated.GET("/modules/:id/scm/violations", middleware.RequireScope(auth.ScopeModulesRead), linkingHandler.ListViolations)
		authenticated.POST("/modules/:id/scm/violations/:violation_id/ack", middleware.RequireScope(auth.ScopeModulesWrite), linkingHandler.AcknowledgeViolation)

		// Provider configuration
		providersGroup := authenticated.Group("/admin/scm/providers")
		{
			providersGroup.GET("", middleware.RequireScope(auth.ScopeSCMRead), providerHandler.ListProviders)
			providersGroup.GET("/:id", middleware.RequireScope(auth.ScopeSCMRead), providerHandler.GetProvider)
			providersGroup.POST("", middleware.RequireScope(auth.ScopeSCMManage), providerHandler.CreateProvider)
			providersGroup.PUT("/:id", middleware.RequireScope(auth.ScopeSCMManage), providerHandler.UpdateProvider)
			providersGroup.DELETE("/:id", middleware.RequireScope(auth.ScopeSCMManage), providerHandler.DeleteProvider)
		}

		// Per-user credentials and repository browsing
		scmGroup := authenticated.Group("/scm/providers/:id")
		{
			scmGroup.GET("/oauth/authorize", middleware.RequireScope(auth.ScopeSCMManage), oauthHandler.InitiateOAuth)
			scmGroup.POST("/token", middleware.RequireScope(auth.ScopeSCMManage), oauthHandler.SavePATToken)
			scmGroup.GET("/token", middleware.RequireScope(auth.ScopeSCMRead), oauthHandler.GetTokenStatus)
			scmGroup.POST("/token/refresh", middleware.RequireScope(auth.ScopeSCMManage), oauthHandler.RefreshToken)
			scmGroup.DELETE("/token", middleware.RequireScope(auth.ScopeSCMManage), oauthHandler.RevokeToken)
			scmGroup.GET("/repositories", middleware.RequireScope(auth.ScopeSCMRead), oauthHandler.ListRepositories)
			scmGroup.GET("/repositories/:owner/:repo/tags", middleware.RequireScope(auth.ScopeSCMRead), oauthHandler.ListRepositoryTags)
			scmGroup.GET("/repositories/:owner/:repo/branches", middleware.RequireScope(auth.ScopeSCMRead), oauthHandler.ListRepositoryBranches)
		}
	}

	return router, bg, nil
}

// auditShipperFromConfig builds the audit trail destinations, or returns nil
// when no destination is enabled.
func auditShipperFromConfig(cfg *config.Config) (*audit.MultiShipper, error) {
	if !cfg.Audit.File.Enabled && !cfg.Audit.Webhook.Enabled {
		return nil, nil
	}

	configs := []audit.ShipperConfig{
		{
			Enabled: cfg.Audit.File.Enabled,
			Type:    "file",
			File: &audit.FileConfig{
				Path:       cfg.Audit.File.Path,
				MaxSizeMB:  cfg.Audit.File.MaxSizeMB,
				MaxBackups: cfg.Audit.File.MaxBackups,
			},
		},
		{
			Enabled: cfg.Audit.Webhook.Enabled,
			Type:    "webhook",
			Webhook: &audit.WebhookConfig{
				URL:           cfg.Audit.Webhook.URL,
				Timeout:       cfg.Audit.Webhook.Timeout,
				BatchSize:     cfg.Audit.Webhook.BatchSize,
				FlushInterval: cfg.Audit.Webhook.FlushInterval,
			},
		},
	}
	if cfg.Audit.Webhook.AuthHeader != "" {
		configs[1].Webhook.Headers = map[string]string{"Authorization": cfg.Audit.Webhook.AuthHeader}
	}
	return audit.NewMultiShipper(configs)
}

// apiRateLimitConfig maps the configured limits onto the limiter, falling
// back to the defaults for unset values.
func apiRateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	limits := middleware.DefaultRateLimitConfig()
	if cfg.Security.RateLimiting.RequestsPerMinute > 0 {
		limits.RequestsPerMinute = cfg.Security.RateLimiting.RequestsPerMinute
	}
	if cfg.Security.RateLimiting.Burst > 0 {
		limits.BurstSize = cfg.Security.RateLimiting.Burst
	}
	return limits
}

// healthCheckHandler reports liveness, including database connectivity
func healthCheckHandler(db *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// readinessHandler reports whether the service can take traffic. Unlike the
// liveness probe it also checks manifest storage, so a readiness gate fails
// when publishes would error.
func readinessHandler(db *sqlx.DB, manifests storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		checks := gin.H{}

		if err := db.PingContext(c.Request.Context()); err != nil {
			checks["database"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "checks": checks})
			return
		}
		checks["database"] = "healthy"

		// Probe with a known-absent sentinel path; Exists exercises the
		// backend without creating state.
		if _, err := manifests.Exists(c.Request.Context(), ".readiness-probe"); err != nil {
			checks["storage"] = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "checks": checks})
			return
		}
		checks["storage"] = "healthy"

		c.JSON(http.StatusOK, gin.H{
			"ready":  true,
			"checks": checks,
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}
