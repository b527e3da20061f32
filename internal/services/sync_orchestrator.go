// sync_orchestrator.go drives publishing: webhook-triggered event
// processing and manually triggered syncs both funnel through the same
// resolve → guard → publish pipeline, serialized per module.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/terraform-registry/scm-sync/internal/db/models"
	"github.com/terraform-registry/scm-sync/internal/db/repositories"
	"github.com/terraform-registry/scm-sync/internal/scm"
	"github.com/terraform-registry/scm-sync/internal/storage"
	"github.com/terraform-registry/scm-sync/internal/telemetry"
	"github.com/terraform-registry/scm-sync/internal/validation"
)

// OrchestratorConfig bounds the orchestrator's interaction with providers.
type OrchestratorConfig struct {
	// PublishTimeout caps one end-to-end publish attempt.
	PublishTimeout time.Duration
	// PublishRetries is how many attempts a retryable failure gets.
	PublishRetries int
	// RetryBaseDelay seeds the exponential backoff between attempts.
	RetryBaseDelay time.Duration
	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration
}

func (c *OrchestratorConfig) withDefaults() OrchestratorConfig {
	out := *c
	if out.PublishTimeout <= 0 {
		out.PublishTimeout = 2 * time.Minute
	}
	if out.PublishRetries < 1 {
		out.PublishRetries = 3
	}
	if out.RetryBaseDelay <= 0 {
		out.RetryBaseDelay = time.Second
	}
	if out.RetryMaxDelay <= 0 {
		out.RetryMaxDelay = 30 * time.Second
	}
	return out
}

// SyncOrchestrator processes persisted webhook events and manual sync
// requests into published module versions.
type SyncOrchestrator struct {
	scmRepo    *repositories.SCMRepository
	moduleRepo *repositories.ModuleRepository
	tokens     *TokenStore
	connectors ConnectorSource
	guard      *ImmutabilityGuard
	manifests  storage.Storage
	cfg        OrchestratorConfig

	// moduleLocks serializes publishes per module. Webhook bursts for the
	// same repository and concurrent manual syncs otherwise race on the
	// same version rows.
	moduleLocks *keyedMutex
}

// NewSyncOrchestrator creates a sync orchestrator
func NewSyncOrchestrator(
	scmRepo *repositories.SCMRepository,
	moduleRepo *repositories.ModuleRepository,
	tokens *TokenStore,
	connectors ConnectorSource,
	guard *ImmutabilityGuard,
	manifests storage.Storage,
	cfg OrchestratorConfig,
) *SyncOrchestrator {
	return &SyncOrchestrator{
		scmRepo:     scmRepo,
		moduleRepo:  moduleRepo,
		tokens:      tokens,
		connectors:  connectors,
		guard:       guard,
		manifests:   manifests,
		cfg:         cfg.withDefaults(),
		moduleLocks: newKeyedMutex(),
	}
}

// ProcessEvent drives one persisted webhook event through the publish
// pipeline. The event must be in the pending state; it ends in succeeded or
// failed. Events that do not produce a version (non-matching tags, branch
// pushes, deletions) still succeed — they were handled, just not published.
func (o *SyncOrchestrator) ProcessEvent(ctx context.Context, eventID uuid.UUID) {
	start := time.Now()

	event, err := o.scmRepo.GetWebhookEvent(ctx, eventID)
	if err != nil || event == nil {
		slog.Error("webhook event lookup failed", "event_id", eventID, "error", err)
		return
	}
	link, err := o.scmRepo.GetLink(ctx, event.LinkID)
	if err != nil || link == nil {
		o.failEvent(ctx, event, scm.EventPending, fmt.Sprintf("link %s not found", event.LinkID))
		return
	}
	provider, err := o.scmRepo.GetProvider(ctx, link.ProviderID)
	if err != nil || provider == nil {
		o.failEvent(ctx, event, scm.EventPending, fmt.Sprintf("provider %s not found", link.ProviderID))
		return
	}

	// Claim the event. Losing this compare-and-swap means another worker
	// (or a previous delivery of the same event) owns it.
	if err := o.scmRepo.UpdateEventState(ctx, event.ID, scm.EventPending, scm.EventProcessing, nil); err != nil {
		slog.Warn("webhook event already claimed", "event_id", event.ID, "error", err)
		return
	}

	defer func() {
		telemetry.WebhookProcessingDuration.WithLabelValues(string(provider.Kind)).Observe(time.Since(start).Seconds())
	}()

	o.moduleLocks.Lock(link.ModuleID.String())
	defer o.moduleLocks.Unlock(link.ModuleID.String())

	result, err := o.processTagEvent(ctx, provider, link, event)
	if err != nil {
		msg := err.Error()
		if stateErr := o.scmRepo.UpdateEventState(ctx, event.ID, scm.EventProcessing, scm.EventFailed, &msg); stateErr != nil {
			slog.Error("failed to mark event failed", "event_id", event.ID, "error", stateErr)
		}
		telemetry.PublishesTotal.WithLabelValues("failed").Inc()
		slog.Error("webhook event failed", "event_id", event.ID, "error", err)
		return
	}

	if stateErr := o.scmRepo.UpdateEventState(ctx, event.ID, scm.EventProcessing, scm.EventSucceeded, nil); stateErr != nil {
		slog.Error("failed to mark event succeeded", "event_id", event.ID, "error", stateErr)
		return
	}
	telemetry.PublishesTotal.WithLabelValues(result).Inc()
	slog.Info("webhook event processed", "event_id", event.ID, "result", result)
}

// processTagEvent decides what a tag event means and publishes when
// appropriate. The returned string is the metrics result label.
func (o *SyncOrchestrator) processTagEvent(ctx context.Context, provider *scm.ProviderConfig, link *scm.ModuleLink, event *scm.WebhookEvent) (string, error) {
	if event.EventType != string(scm.EventTagPush) {
		return "filtered", nil
	}
	// Auto-publish off means the event is only recorded; syncing stays a
	// manual action for this module. A disabled provider pauses it too.
	if !link.AutoPublish || !provider.IsActive {
		return "filtered", nil
	}
	if event.RefName == nil {
		return "", fmt.Errorf("tag push event without ref name")
	}
	tagName := *event.RefName

	// Deleted tags carry no commit; there is nothing to publish and
	// published versions stay published.
	if event.CommitSHA == nil || *event.CommitSHA == "" {
		return "filtered", nil
	}

	version := extractVersionFromTag(tagName, link.TagPattern)
	if version == "" {
		return "filtered", nil
	}

	userID := linkUserID(link)
	token, err := o.tokens.Get(ctx, provider, userID)
	if err != nil {
		return "", fmt.Errorf("credential lookup failed: %w", err)
	}
	connector, err := o.connectors.ForProvider(provider)
	if err != nil {
		return "", err
	}

	// Re-resolve the tag instead of trusting the payload commit: the
	// delivery may be stale or forged-adjacent, and annotated tags need
	// dereferencing anyway.
	tag, err := o.resolveTagWithRetry(ctx, connector, token, link, tagName)
	if err != nil {
		return "", fmt.Errorf("tag resolution failed: %w", err)
	}

	return o.publish(ctx, connector, token, provider, link, tag, version)
}

// publish runs the guard and inserts the version, writing the provenance
// manifest on success.
func (o *SyncOrchestrator) publish(ctx context.Context, connector scm.Connector, token *scm.OAuthToken, provider *scm.ProviderConfig, link *scm.ModuleLink, tag *scm.Tag, version string) (string, error) {
	outcome, err := o.guard.Check(ctx, link.ModuleID, &link.ID, version, tag.Name, tag.TargetCommit)
	if err != nil {
		return "", fmt.Errorf("immutability check failed: %w", err)
	}
	switch outcome {
	case AlreadyPublished:
		return "already_published", nil
	case Violation:
		return "violation", nil
	}

	release, err := connector.FetchReleaseMetadata(ctx, token, link.RepositoryOwner, link.RepositoryName, tag.Name)
	if err != nil {
		// Release metadata is decoration; publish proceeds without it.
		slog.Warn("release metadata fetch failed", "tag", tag.Name, "error", err)
		release = nil
	}

	mv := &models.ModuleVersion{
		ModuleID:    link.ModuleID,
		Version:     version,
		TagName:     &tag.Name,
		CommitSHA:   &tag.TargetCommit,
		LinkID:      &link.ID,
		PublishedBy: link.CreatedBy,
	}
	inserted, err := o.moduleRepo.CreateVersionIfAbsent(ctx, mv)
	if err != nil {
		return "", fmt.Errorf("version insert failed: %w", err)
	}
	if !inserted {
		// Lost a race after the guard; the winner published the same
		// tag/commit, so this is the idempotent no-op case.
		return "already_published", nil
	}

	o.writeManifest(ctx, provider, link, mv, release)
	if err := o.scmRepo.TouchLastSync(ctx, link.ID); err != nil {
		slog.Warn("failed to stamp last sync time", "link_id", link.ID, "error", err)
	}
	slog.Info("version published",
		"module_id", link.ModuleID, "version", version,
		"tag", tag.Name, "commit", tag.TargetCommit)
	return "published", nil
}

// resolveTagWithRetry resolves a tag with bounded exponential backoff on
// retryable upstream failures (rate limits, timeouts).
func (o *SyncOrchestrator) resolveTagWithRetry(ctx context.Context, connector scm.Connector, token *scm.OAuthToken, link *scm.ModuleLink, tagName string) (*scm.Tag, error) {
	var lastErr error
	delay := o.cfg.RetryBaseDelay

	for attempt := 1; attempt <= o.cfg.PublishRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.PublishTimeout)
		tag, err := connector.ResolveTag(attemptCtx, token, link.RepositoryOwner, link.RepositoryName, tagName)
		cancel()
		if err == nil {
			return tag, nil
		}
		lastErr = err
		if !scm.IsRetryable(err) || attempt == o.cfg.PublishRetries {
			break
		}

		telemetry.PublishRetriesTotal.Inc()
		slog.Warn("retrying tag resolution",
			"tag", tagName, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > o.cfg.RetryMaxDelay {
			delay = o.cfg.RetryMaxDelay
		}
	}
	return nil, fmt.Errorf("%w: %v", scm.ErrPublishFailed, lastErr)
}

// SyncTarget pins a manual sync to one tag instead of the latest match.
// CommitSHA, when set, must match what the tag currently resolves to; the
// sync fails on a mismatch rather than trusting the caller's SHA.
type SyncTarget struct {
	TagName   string
	CommitSHA string
}

// ManualSync publishes the requested tag, or, with a nil target, the latest
// tag that matches the link's pattern. Returns the published version, ""
// when the latest tag was already published or left a recorded violation,
// and scm.ErrTagNotFound when no tag matches at all.
func (o *SyncOrchestrator) ManualSync(ctx context.Context, moduleID uuid.UUID, userID string, target *SyncTarget) (string, error) {
	link, err := o.scmRepo.GetLinkByModule(ctx, moduleID)
	if err != nil {
		return "", err
	}
	if link == nil {
		return "", scm.ErrNotLinked
	}
	provider, err := o.scmRepo.GetProvider(ctx, link.ProviderID)
	if err != nil {
		return "", err
	}
	if provider == nil {
		return "", fmt.Errorf("provider %s not found", link.ProviderID)
	}
	if !provider.IsActive {
		return "", fmt.Errorf("provider %s is disabled", provider.DisplayName)
	}

	token, err := o.tokens.Get(ctx, provider, userID)
	if err != nil {
		return "", fmt.Errorf("credential lookup failed: %w", err)
	}
	connector, err := o.connectors.ForProvider(provider)
	if err != nil {
		return "", err
	}

	o.moduleLocks.Lock(moduleID.String())
	defer o.moduleLocks.Unlock(moduleID.String())

	if target != nil && target.TagName != "" {
		return o.syncExplicitTag(ctx, connector, token, provider, link, target)
	}

	// Collect every matching tag across all pages, then pick the highest
	// version rather than the most recently created tag.
	matching := map[string]scm.Tag{} // version -> tag
	page := scm.Pagination{Page: 1, PerPage: 100}
	for {
		tags, hasMore, err := connector.ListTags(ctx, token, link.RepositoryOwner, link.RepositoryName, page)
		if err != nil {
			return "", fmt.Errorf("tag listing failed: %w", err)
		}
		for _, t := range tags {
			if v := extractVersionFromTag(t.Name, link.TagPattern); v != "" {
				matching[v] = t
			}
		}
		if !hasMore {
			break
		}
		page.Page++
	}
	if len(matching) == 0 {
		return "", scm.ErrTagNotFound
	}

	versions := make([]string, 0, len(matching))
	for v := range matching {
		versions = append(versions, v)
	}

	// Only the latest matching tag is a candidate. When it is already
	// published (or moved, which the guard has recorded) the sync is done;
	// a repeat "sync now" must not start backfilling older tags.
	latest := validation.LatestSemver(versions)
	if latest == "" {
		return "", nil
	}

	resolved, err := o.resolveTagWithRetry(ctx, connector, token, link, matching[latest].Name)
	if err != nil {
		return "", err
	}
	result, err := o.publish(ctx, connector, token, provider, link, resolved, latest)
	if err != nil {
		return "", err
	}
	telemetry.PublishesTotal.WithLabelValues(result).Inc()
	if result == "published" {
		return latest, nil
	}
	return "", nil
}

// syncExplicitTag publishes one named tag. The caller holds the module lock.
func (o *SyncOrchestrator) syncExplicitTag(ctx context.Context, connector scm.Connector, token *scm.OAuthToken, provider *scm.ProviderConfig, link *scm.ModuleLink, target *SyncTarget) (string, error) {
	version := extractVersionFromTag(target.TagName, link.TagPattern)
	if version == "" {
		return "", fmt.Errorf("tag %q does not match pattern %q", target.TagName, link.TagPattern)
	}

	resolved, err := o.resolveTagWithRetry(ctx, connector, token, link, target.TagName)
	if err != nil {
		return "", err
	}
	if target.CommitSHA != "" && resolved.TargetCommit != target.CommitSHA {
		return "", fmt.Errorf("tag %s resolves to %s, not the requested %s",
			target.TagName, resolved.TargetCommit, target.CommitSHA)
	}

	result, err := o.publish(ctx, connector, token, provider, link, resolved, version)
	if err != nil {
		return "", err
	}
	telemetry.PublishesTotal.WithLabelValues(result).Inc()
	if result == "published" {
		return version, nil
	}
	return "", nil
}

// failEvent marks an event failed from its current expected state.
func (o *SyncOrchestrator) failEvent(ctx context.Context, event *scm.WebhookEvent, from scm.EventState, msg string) {
	if err := o.scmRepo.UpdateEventState(ctx, event.ID, from, scm.EventProcessing, nil); err != nil {
		return
	}
	if err := o.scmRepo.UpdateEventState(ctx, event.ID, scm.EventProcessing, scm.EventFailed, &msg); err != nil {
		slog.Error("failed to mark event failed", "event_id", event.ID, "error", err)
	}
	telemetry.PublishesTotal.WithLabelValues("failed").Inc()
}

// writeManifest records publish provenance as a small JSON document in
// storage. Best effort: the version row is the source of truth.
func (o *SyncOrchestrator) writeManifest(ctx context.Context, provider *scm.ProviderConfig, link *scm.ModuleLink, mv *models.ModuleVersion, release *scm.ReleaseMetadata) {
	manifest := map[string]any{
		"module_id":    mv.ModuleID,
		"version":      mv.Version,
		"tag":          mv.TagName,
		"commit":       mv.CommitSHA,
		"provider":     provider.Kind,
		"repository":   link.RepositoryOwner + "/" + link.RepositoryName,
		"published_at": mv.CreatedAt.UTC().Format(time.RFC3339),
	}
	if release != nil {
		manifest["release_name"] = release.Name
		manifest["release_url"] = release.URL
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return
	}
	path := fmt.Sprintf("manifests/%s/%s.json", mv.ModuleID, mv.Version)
	if _, err := o.manifests.Upload(ctx, path, bytes.NewReader(data), int64(len(data))); err != nil {
		slog.Warn("failed to write provenance manifest", "path", path, "error", err)
	}
}

// extractVersionFromTag matches a tag name against the link's glob pattern
// and extracts a normalized semantic version. A pattern like "v*" turns
// into ^v(.*)$; the wildcard capture must parse as semver.
func extractVersionFromTag(tag, glob string) string {
	if glob == "" {
		glob = "v*"
	}
	pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(glob), `\*`, "(.*)") + "$"
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ""
	}

	matches := re.FindStringSubmatch(tag)
	candidate := tag
	if len(matches) >= 2 {
		candidate = matches[1]
	}

	version := validation.NormalizeVersion(candidate)
	if validation.ValidateSemver(version) != nil {
		return ""
	}
	return version
}

// linkUserID returns the credential owner for a link's provider calls.
func linkUserID(link *scm.ModuleLink) string {
	if link.CreatedBy != nil {
		return *link.CreatedBy
	}
	return ""
}
