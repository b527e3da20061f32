// webhook_reconciler.go retries provider webhook deregistrations that failed
// at unlink time, draining the orphan queue with exponential backoff.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/terraform-registry/scm-sync/internal/db/repositories"
	"github.com/terraform-registry/scm-sync/internal/scm"
	"github.com/terraform-registry/scm-sync/internal/services"
	"github.com/terraform-registry/scm-sync/internal/telemetry"
)

const (
	orphanBatchSize = 50

	// maxOrphanAttempts bounds retries; beyond it the orphan is dropped
	// and the leftover webhook must be removed by hand on the provider.
	maxOrphanAttempts = 10
)

// WebhookReconciler periodically retries removing webhooks whose
// deregistration failed when their link was deleted.
type WebhookReconciler struct {
	scmRepo    *repositories.SCMRepository
	tokens     *services.TokenStore
	connectors *services.ConnectorFactory
	interval   time.Duration
	stopChan   chan struct{}
}

// NewWebhookReconciler creates the orphaned-webhook retry job
func NewWebhookReconciler(scmRepo *repositories.SCMRepository, tokens *services.TokenStore, connectors *services.ConnectorFactory, interval time.Duration) *WebhookReconciler {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &WebhookReconciler{
		scmRepo:    scmRepo,
		tokens:     tokens,
		connectors: connectors,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}
}

// Start runs the reconcile loop until Stop or context cancellation.
func (r *WebhookReconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	slog.Info("webhook reconciler started", "interval", r.interval)
	r.runPass(ctx)

	for {
		select {
		case <-ticker.C:
			r.runPass(ctx)
		case <-r.stopChan:
			slog.Info("webhook reconciler stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the reconcile loop
func (r *WebhookReconciler) Stop() {
	close(r.stopChan)
}

func (r *WebhookReconciler) runPass(ctx context.Context) {
	if r.scmRepo == nil {
		slog.Warn("webhook reconciler: repository not configured, skipping")
		return
	}

	orphans, err := r.scmRepo.ListDueOrphans(ctx, orphanBatchSize)
	if err != nil {
		slog.Error("webhook reconciler: failed to list orphans", "error", err)
		return
	}

	for _, orphan := range orphans {
		r.reconcile(ctx, orphan)
	}

	if count, err := r.scmRepo.CountOrphans(ctx); err == nil {
		telemetry.OrphanedWebhooksPending.Set(float64(count))
	}
}

func (r *WebhookReconciler) reconcile(ctx context.Context, orphan *scm.WebhookOrphan) {
	if orphan.Attempts >= maxOrphanAttempts {
		slog.Error("webhook reconciler: giving up on orphan",
			"orphan_id", orphan.ID,
			"repository", orphan.RepositoryOwner+"/"+orphan.RepositoryName,
			"webhook_id", orphan.WebhookID,
			"attempts", orphan.Attempts)
		if err := r.scmRepo.DeleteOrphan(ctx, orphan.ID); err != nil {
			slog.Error("webhook reconciler: failed to drop orphan", "orphan_id", orphan.ID, "error", err)
		}
		return
	}

	if err := r.removeWebhook(ctx, orphan); err != nil {
		next := time.Now().Add(orphanBackoff(orphan.Attempts))
		if rErr := r.scmRepo.RescheduleOrphan(ctx, orphan.ID, err.Error(), next); rErr != nil {
			slog.Error("webhook reconciler: failed to reschedule orphan", "orphan_id", orphan.ID, "error", rErr)
		}
		return
	}

	if err := r.scmRepo.DeleteOrphan(ctx, orphan.ID); err != nil {
		slog.Error("webhook reconciler: failed to remove completed orphan", "orphan_id", orphan.ID, "error", err)
		return
	}
	slog.Info("orphaned webhook removed",
		"repository", orphan.RepositoryOwner+"/"+orphan.RepositoryName,
		"webhook_id", orphan.WebhookID)
}

func (r *WebhookReconciler) removeWebhook(ctx context.Context, orphan *scm.WebhookOrphan) error {
	provider, err := r.scmRepo.GetProvider(ctx, orphan.ProviderID)
	if err != nil {
		return err
	}
	if provider == nil {
		// Provider config deleted; the webhook cannot be reached anymore.
		return nil
	}
	connector, err := r.connectors.ForProvider(provider)
	if err != nil {
		return err
	}
	token, err := r.tokens.Get(ctx, provider, orphan.TokenUserID)
	if err != nil {
		return err
	}

	err = connector.RemoveWebhook(ctx, token, orphan.RepositoryOwner, orphan.RepositoryName, orphan.WebhookID)
	if errors.Is(err, scm.ErrWebhookNotFound) {
		return nil
	}
	return err
}

// orphanBackoff doubles the retry delay per attempt, from 5 minutes up to
// a 6 hour cap.
func orphanBackoff(attempts int) time.Duration {
	delay := 5 * time.Minute
	for i := 0; i < attempts && delay < 6*time.Hour; i++ {
		delay *= 2
	}
	if delay > 6*time.Hour {
		delay = 6 * time.Hour
	}
	return delay
}
