// scm_repository.go implements SCMRepository, providing database queries for
// provider configuration, OAuth token persistence, module-repository links,
// webhook event records, immutability violations, and orphaned webhooks.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/terraform-registry/scm-sync/internal/scm"
)

// SCMRepository handles database operations for source-control integration
type SCMRepository struct {
	db *sqlx.DB
}

// NewSCMRepository creates a new SCM repository
func NewSCMRepository(db *sqlx.DB) *SCMRepository {
	return &SCMRepository{db: db}
}

// Provider configuration

// CreateProvider creates a new provider configuration
func (r *SCMRepository) CreateProvider(ctx context.Context, p *scm.ProviderConfig) error {
	query := `
		INSERT INTO scm_providers (kind, display_name, base_url, client_id, client_secret_encrypted, tenant_id, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	return r.db.QueryRowContext(ctx, query,
		p.Kind, p.DisplayName, p.BaseURL, p.ClientID, p.ClientSecretEncrypted, p.TenantID, p.IsActive,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

// GetProvider retrieves a provider by ID
func (r *SCMRepository) GetProvider(ctx context.Context, id uuid.UUID) (*scm.ProviderConfig, error) {
	var p scm.ProviderConfig
	err := r.db.GetContext(ctx, &p, `SELECT * FROM scm_providers WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProviders lists all configured providers
func (r *SCMRepository) ListProviders(ctx context.Context) ([]*scm.ProviderConfig, error) {
	var providers []*scm.ProviderConfig
	err := r.db.SelectContext(ctx, &providers, `SELECT * FROM scm_providers ORDER BY created_at DESC`)
	return providers, err
}

// UpdateProvider updates a provider configuration
func (r *SCMRepository) UpdateProvider(ctx context.Context, p *scm.ProviderConfig) error {
	query := `
		UPDATE scm_providers SET
			display_name = $2, base_url = $3, client_id = $4,
			client_secret_encrypted = $5, tenant_id = $6, is_active = $7, updated_at = $8
		WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.DisplayName, p.BaseURL, p.ClientID, p.ClientSecretEncrypted, p.TenantID, p.IsActive, time.Now(),
	)
	return err
}

// DeleteProvider deletes a provider configuration
func (r *SCMRepository) DeleteProvider(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM scm_providers WHERE id = $1`, id)
	return err
}

// User tokens

// SaveUserToken saves or replaces a user's credential for a provider
func (r *SCMRepository) SaveUserToken(ctx context.Context, t *scm.UserToken) error {
	query := `
		INSERT INTO scm_oauth_tokens (
			user_id, scm_provider_id, access_token_encrypted, refresh_token_encrypted,
			token_type, expires_at, scopes
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, scm_provider_id) DO UPDATE SET
			access_token_encrypted = $3, refresh_token_encrypted = $4,
			token_type = $5, expires_at = $6, scopes = $7, updated_at = NOW()
		RETURNING id, created_at, updated_at`

	return r.db.QueryRowContext(ctx, query,
		t.UserID, t.ProviderID, t.AccessTokenEncrypted, t.RefreshTokenEncrypted,
		t.TokenType, t.ExpiresAt, t.Scopes,
	).Scan(&t.ID, &t.CreatedAt, &t.UpdatedAt)
}

// GetUserToken retrieves a user's credential for a provider
func (r *SCMRepository) GetUserToken(ctx context.Context, userID string, providerID uuid.UUID) (*scm.UserToken, error) {
	var t scm.UserToken
	query := `SELECT * FROM scm_oauth_tokens WHERE user_id = $1 AND scm_provider_id = $2`
	err := r.db.GetContext(ctx, &t, query, userID, providerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteUserToken deletes a user's credential for a provider
func (r *SCMRepository) DeleteUserToken(ctx context.Context, userID string, providerID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM scm_oauth_tokens WHERE user_id = $1 AND scm_provider_id = $2`, userID, providerID)
	return err
}

// Module links

// CreateLink links a module to a repository. The unique constraint on
// module_id turns a duplicate link into scm.ErrAlreadyLinked.
func (r *SCMRepository) CreateLink(ctx context.Context, l *scm.ModuleLink) error {
	query := `
		INSERT INTO module_scm_links (
			module_id, scm_provider_id, repository_owner, repository_name,
			default_branch, module_path, tag_pattern, auto_publish,
			webhook_id, webhook_secret, created_by
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		l.ModuleID, l.ProviderID, l.RepositoryOwner, l.RepositoryName,
		l.DefaultBranch, l.ModulePath, l.TagPattern, l.AutoPublish,
		l.WebhookID, l.WebhookSecret, l.CreatedBy,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if isUniqueViolation(err) {
		return scm.ErrAlreadyLinked
	}
	return err
}

// GetLink retrieves a link by its ID
func (r *SCMRepository) GetLink(ctx context.Context, id uuid.UUID) (*scm.ModuleLink, error) {
	var l scm.ModuleLink
	err := r.db.GetContext(ctx, &l, `SELECT * FROM module_scm_links WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetLinkByModule retrieves the link for a module, if any
func (r *SCMRepository) GetLinkByModule(ctx context.Context, moduleID uuid.UUID) (*scm.ModuleLink, error) {
	var l scm.ModuleLink
	err := r.db.GetContext(ctx, &l, `SELECT * FROM module_scm_links WHERE module_id = $1`, moduleID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListLinks lists all module-repository links
func (r *SCMRepository) ListLinks(ctx context.Context) ([]*scm.ModuleLink, error) {
	var links []*scm.ModuleLink
	err := r.db.SelectContext(ctx, &links, `SELECT * FROM module_scm_links ORDER BY created_at DESC`)
	return links, err
}

// SetLinkWebhook records the provider-side webhook ID after registration
func (r *SCMRepository) SetLinkWebhook(ctx context.Context, linkID uuid.UUID, webhookID *string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE module_scm_links SET webhook_id = $2, updated_at = NOW() WHERE id = $1`, linkID, webhookID)
	return err
}

// UpdateLinkSettings updates the mutable sync settings of a link. The
// repository identity and webhook secret are fixed at link time.
func (r *SCMRepository) UpdateLinkSettings(ctx context.Context, l *scm.ModuleLink) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE module_scm_links
		SET default_branch = $2, module_path = $3, tag_pattern = $4, auto_publish = $5, updated_at = NOW()
		WHERE id = $1`,
		l.ID, l.DefaultBranch, l.ModulePath, l.TagPattern, l.AutoPublish)
	return err
}

// TouchLastSync stamps a link after a publish attempt completed
func (r *SCMRepository) TouchLastSync(ctx context.Context, linkID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE module_scm_links SET last_sync_at = NOW(), updated_at = NOW() WHERE id = $1`, linkID)
	return err
}

// DeleteLink removes a module-repository link
func (r *SCMRepository) DeleteLink(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM module_scm_links WHERE id = $1`, id)
	return err
}

// Webhook events

// CreateWebhookEvent persists a received delivery in the pending state
func (r *SCMRepository) CreateWebhookEvent(ctx context.Context, e *scm.WebhookEvent) error {
	query := `
		INSERT INTO scm_webhook_events (link_id, delivery_id, event_type, ref_name, commit_sha, state, payload, headers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, received_at, updated_at`

	return r.db.QueryRowContext(ctx, query,
		e.LinkID, e.DeliveryID, e.EventType, e.RefName, e.CommitSHA, e.State, e.Payload, e.Headers,
	).Scan(&e.ID, &e.ReceivedAt, &e.UpdatedAt)
}

// GetWebhookEvent retrieves a webhook event by ID
func (r *SCMRepository) GetWebhookEvent(ctx context.Context, id uuid.UUID) (*scm.WebhookEvent, error) {
	var e scm.WebhookEvent
	err := r.db.GetContext(ctx, &e, `SELECT * FROM scm_webhook_events WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListWebhookEvents lists recent events for a link, newest first
func (r *SCMRepository) ListWebhookEvents(ctx context.Context, linkID uuid.UUID, limit int) ([]*scm.WebhookEvent, error) {
	var events []*scm.WebhookEvent
	query := `SELECT * FROM scm_webhook_events WHERE link_id = $1 ORDER BY received_at DESC LIMIT $2`
	err := r.db.SelectContext(ctx, &events, query, linkID, limit)
	return events, err
}

// UpdateEventState advances an event's state. The WHERE clause carries the
// expected current state so the update is a compare-and-swap: a transition
// from any other state matches zero rows and returns an error instead of
// moving the event backwards.
func (r *SCMRepository) UpdateEventState(ctx context.Context, id uuid.UUID, from, to scm.EventState, errMsg *string) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("invalid event state transition %s -> %s", from, to)
	}

	query := `
		UPDATE scm_webhook_events SET state = $3, error = $4, updated_at = NOW()
		WHERE id = $1 AND state = $2`

	res, err := r.db.ExecContext(ctx, query, id, from, to, errMsg)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %s is not in state %s", id, from)
	}
	return nil
}

// Immutability violations

// CreateViolation records a tag that no longer points at the commit a
// version was published from
func (r *SCMRepository) CreateViolation(ctx context.Context, v *scm.ImmutabilityViolation) error {
	query := `
		INSERT INTO immutability_violations (module_id, link_id, version, tag_name, expected_commit, actual_commit)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, detected_at`

	return r.db.QueryRowContext(ctx, query,
		v.ModuleID, v.LinkID, v.Version, v.TagName, v.ExpectedCommit, v.ActualCommit,
	).Scan(&v.ID, &v.DetectedAt)
}

// ListViolations lists violations for a module; unacknowledgedOnly narrows
// to the ones nobody has reviewed yet
func (r *SCMRepository) ListViolations(ctx context.Context, moduleID uuid.UUID, unacknowledgedOnly bool) ([]*scm.ImmutabilityViolation, error) {
	var violations []*scm.ImmutabilityViolation
	query := `SELECT * FROM immutability_violations WHERE module_id = $1 ORDER BY detected_at DESC`
	if unacknowledgedOnly {
		query = `SELECT * FROM immutability_violations WHERE module_id = $1 AND acknowledged = false ORDER BY detected_at DESC`
	}
	err := r.db.SelectContext(ctx, &violations, query, moduleID)
	return violations, err
}

// HasOpenViolation reports whether a module/version pair already has an
// unacknowledged violation, so repeated deliveries of a moved tag do not
// file duplicates
func (r *SCMRepository) HasOpenViolation(ctx context.Context, moduleID uuid.UUID, version string) (bool, error) {
	var count int
	query := `SELECT COUNT(*) FROM immutability_violations WHERE module_id = $1 AND version = $2 AND acknowledged = false`
	if err := r.db.GetContext(ctx, &count, query, moduleID, version); err != nil {
		return false, err
	}
	return count > 0, nil
}

// AcknowledgeViolation marks a violation as reviewed
func (r *SCMRepository) AcknowledgeViolation(ctx context.Context, id uuid.UUID, userID string) error {
	query := `
		UPDATE immutability_violations SET acknowledged = true, acknowledged_by = $2, acknowledged_at = NOW()
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, userID)
	return err
}

// Orphaned webhooks

// CreateOrphan queues a provider webhook whose removal failed for retry
func (r *SCMRepository) CreateOrphan(ctx context.Context, o *scm.WebhookOrphan) error {
	query := `
		INSERT INTO webhook_orphans (scm_provider_id, repository_owner, repository_name, webhook_id, token_user_id, last_error)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`

	return r.db.QueryRowContext(ctx, query,
		o.ProviderID, o.RepositoryOwner, o.RepositoryName, o.WebhookID, o.TokenUserID, o.LastError,
	).Scan(&o.ID, &o.CreatedAt)
}

// ListDueOrphans lists orphans whose next removal attempt is due
func (r *SCMRepository) ListDueOrphans(ctx context.Context, limit int) ([]*scm.WebhookOrphan, error) {
	var orphans []*scm.WebhookOrphan
	query := `SELECT * FROM webhook_orphans WHERE next_attempt_at <= NOW() ORDER BY next_attempt_at LIMIT $1`
	err := r.db.SelectContext(ctx, &orphans, query, limit)
	return orphans, err
}

// CountOrphans returns the number of orphans still awaiting removal
func (r *SCMRepository) CountOrphans(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM webhook_orphans`)
	return count, err
}

// RescheduleOrphan records a failed removal attempt and pushes the next one out
func (r *SCMRepository) RescheduleOrphan(ctx context.Context, id uuid.UUID, lastError string, nextAttempt time.Time) error {
	query := `
		UPDATE webhook_orphans SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, lastError, nextAttempt)
	return err
}

// DeleteOrphan removes an orphan after its webhook was successfully deleted
func (r *SCMRepository) DeleteOrphan(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM webhook_orphans WHERE id = $1`, id)
	return err
}

// isUniqueViolation reports whether err is a PostgreSQL unique_violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
