// Package telemetry provides observability for the SCM sync engine.
//
// All metrics are registered against the default Prometheus registry and
// exposed on the router's /metrics endpoint in the text exposition format.
//
// HTTP metrics are labelled by the Gin route template (c.FullPath(), e.g.
// /webhooks/scm/:link_id), never the raw URL, so user-supplied path
// segments cannot blow up label cardinality.
package telemetry

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template, and status code.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Webhook ingestion metrics.
//
// WebhookEventsTotal counts received deliveries by provider kind and final
// outcome. Outcomes: accepted, ignored, invalid_signature, unknown_link,
// malformed. An alert on invalid_signature rate catches secret drift.
//
// WebhookProcessingDuration covers the async pipeline from pending pickup
// to terminal state, by provider kind.
var (
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scm_webhook_events_total",
			Help: "Total number of webhook deliveries received, by provider kind and outcome.",
		},
		[]string{"provider", "outcome"},
	)

	WebhookProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scm_webhook_processing_duration_seconds",
			Help:    "Duration of async webhook event processing, by provider kind.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)
)

// Publish pipeline metrics.
//
// PublishesTotal counts publish attempts by result: published,
// already_published, violation, filtered, failed.
//
// PublishRetriesTotal counts individual backoff retries against
// rate-limited or timed-out platforms.
//
// ViolationsDetectedTotal counts immutability violations filed, whether
// from webhook processing, manual sync, or the tag verifier job.
var (
	PublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scm_publishes_total",
			Help: "Total number of version publish attempts, by result.",
		},
		[]string{"result"},
	)

	PublishRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scm_publish_retries_total",
			Help: "Total number of publish retries caused by transient upstream failures.",
		},
	)

	ViolationsDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scm_immutability_violations_total",
			Help: "Total number of immutability violations detected.",
		},
	)
)

// Token store metrics. A rising refresh failure rate usually means a
// provider's OAuth app credentials were rotated without updating the
// provider config.
var (
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scm_token_refreshes_total",
			Help: "Total number of OAuth token refresh attempts, by provider kind and result.",
		},
		[]string{"provider", "result"},
	)
)

// OrphanedWebhooksPending gauges the reconciler queue depth, sampled on
// each reconciler run.
var OrphanedWebhooksPending = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "scm_orphaned_webhooks_pending",
		Help: "Current number of orphaned webhook deregistrations awaiting retry.",
	},
)

// DBOpenConnections tracks the sql.DB pool, sampled every 30 seconds by
// StartDBStatsCollector rather than per request.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples connection pool statistics every 30
// seconds. The goroutine exits when the database becomes unreachable,
// which happens at shutdown once db.Close() runs.
func StartDBStatsCollector(db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Ping(); err != nil {
				slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
				return
			}
			DBOpenConnections.Set(float64(db.Stats().OpenConnections))
		}
	}()
}
