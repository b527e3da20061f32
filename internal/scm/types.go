// types.go defines the provider kinds, database records, and wire-level value
// types shared by every SCM connector and the sync services built on them.
package scm

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ProviderKind identifies a supported SCM platform.
type ProviderKind string

const (
	KindGitHub      ProviderKind = "github"
	KindGitLab      ProviderKind = "gitlab"
	KindAzureDevOps ProviderKind = "azuredevops"
	KindBitbucketDC ProviderKind = "bitbucket_dc"
)

// Valid reports whether the kind is one of the supported platforms.
func (k ProviderKind) Valid() bool {
	switch k {
	case KindGitHub, KindGitLab, KindAzureDevOps, KindBitbucketDC:
		return true
	}
	return false
}

// IsPATBased reports whether the platform authenticates with personal access
// tokens instead of an OAuth application. Bitbucket Data Center has no OAuth
// app model we support, so its provider config carries no client credentials.
func (k ProviderKind) IsPATBased() bool {
	return k == KindBitbucketDC
}

// EventState is the lifecycle state of an ingested webhook event.
type EventState string

const (
	EventPending    EventState = "pending"
	EventProcessing EventState = "processing"
	EventSucceeded  EventState = "succeeded"
	EventFailed     EventState = "failed"
)

// CanTransitionTo reports whether moving from s to next respects the
// monotonic pending -> processing -> succeeded|failed lifecycle.
func (s EventState) CanTransitionTo(next EventState) bool {
	switch s {
	case EventPending:
		return next == EventProcessing
	case EventProcessing:
		return next == EventSucceeded || next == EventFailed
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s EventState) Terminal() bool {
	return s == EventSucceeded || s == EventFailed
}

// ProviderConfig is a configured SCM provider instance (one row per
// platform installation, e.g. github.com or a self-hosted GitLab).
type ProviderConfig struct {
	ID                    uuid.UUID    `db:"id" json:"id"`
	Kind                  ProviderKind `db:"kind" json:"kind"`
	DisplayName           string       `db:"display_name" json:"display_name"`
	BaseURL               *string      `db:"base_url" json:"base_url,omitempty"`
	ClientID              string       `db:"client_id" json:"client_id"`
	ClientSecretEncrypted string       `db:"client_secret_encrypted" json:"-"`
	TenantID              *string      `db:"tenant_id" json:"tenant_id,omitempty"`
	IsActive              bool         `db:"is_active" json:"is_active"`
	CreatedAt             time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time    `db:"updated_at" json:"updated_at"`
}

// UserToken is a stored credential for one user on one provider. Token
// material is encrypted at rest and never serialized outward.
type UserToken struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	UserID                string     `db:"user_id" json:"user_id"`
	ProviderID            uuid.UUID  `db:"scm_provider_id" json:"scm_provider_id"`
	AccessTokenEncrypted  string     `db:"access_token_encrypted" json:"-"`
	RefreshTokenEncrypted *string    `db:"refresh_token_encrypted" json:"-"`
	TokenType             string     `db:"token_type" json:"token_type"`
	ExpiresAt             *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	Scopes                *string    `db:"scopes" json:"scopes,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

// IsExpired reports whether the stored token is past its expiry. Tokens
// without an expiry (PATs, non-expiring OAuth grants) never expire here.
func (t *UserToken) IsExpired() bool {
	return t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt)
}

// ExpiresWithin reports whether the token expires inside the given window.
func (t *UserToken) ExpiresWithin(d time.Duration) bool {
	return t.ExpiresAt != nil && time.Now().Add(d).After(*t.ExpiresAt)
}

// ModuleLink binds a registry module to exactly one repository on one
// provider. The unique module_id constraint enforces one link per module.
type ModuleLink struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	ModuleID        uuid.UUID  `db:"module_id" json:"module_id"`
	ProviderID      uuid.UUID  `db:"scm_provider_id" json:"scm_provider_id"`
	RepositoryOwner string     `db:"repository_owner" json:"repository_owner"`
	RepositoryName  string     `db:"repository_name" json:"repository_name"`
	DefaultBranch   string     `db:"default_branch" json:"default_branch"`
	ModulePath      string     `db:"module_path" json:"module_path"`
	TagPattern      string     `db:"tag_pattern" json:"tag_pattern"`
	AutoPublish     bool       `db:"auto_publish" json:"auto_publish_enabled"`
	WebhookID       *string    `db:"webhook_id" json:"webhook_id,omitempty"`
	WebhookSecret   string     `db:"webhook_secret" json:"-"`
	LastSyncAt      *time.Time `db:"last_sync_at" json:"last_sync_at,omitempty"`
	CreatedBy       *string    `db:"created_by" json:"created_by,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

// WebhookEvent is the audit record for one received delivery. Payload and
// headers are kept verbatim for replay and debugging.
type WebhookEvent struct {
	ID         uuid.UUID       `db:"id" json:"id"`
	LinkID     uuid.UUID       `db:"link_id" json:"link_id"`
	DeliveryID *string         `db:"delivery_id" json:"delivery_id,omitempty"`
	EventType  string          `db:"event_type" json:"event_type"`
	RefName    *string         `db:"ref_name" json:"ref_name,omitempty"`
	CommitSHA  *string         `db:"commit_sha" json:"commit_sha,omitempty"`
	State      EventState      `db:"state" json:"state"`
	Error      *string         `db:"error" json:"error,omitempty"`
	Payload    json.RawMessage `db:"payload" json:"-"`
	Headers    json.RawMessage `db:"headers" json:"-"`
	ReceivedAt time.Time       `db:"received_at" json:"received_at"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// ImmutabilityViolation records a tag that moved after its version was
// published. The published version itself is never touched.
type ImmutabilityViolation struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	ModuleID       uuid.UUID  `db:"module_id" json:"module_id"`
	LinkID         *uuid.UUID `db:"link_id" json:"link_id,omitempty"`
	Version        string     `db:"version" json:"version"`
	TagName        string     `db:"tag_name" json:"tag_name"`
	ExpectedCommit string     `db:"expected_commit" json:"expected_commit"`
	ActualCommit   string     `db:"actual_commit" json:"actual_commit"`
	DetectedAt     time.Time  `db:"detected_at" json:"detected_at"`
	Acknowledged   bool       `db:"acknowledged" json:"acknowledged"`
	AcknowledgedBy *string    `db:"acknowledged_by" json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledged_at,omitempty"`
}

// WebhookOrphan queues a webhook whose deregistration failed at unlink time
// so the reconciler job can retry it later.
type WebhookOrphan struct {
	ID              uuid.UUID `db:"id" json:"id"`
	ProviderID      uuid.UUID `db:"scm_provider_id" json:"scm_provider_id"`
	RepositoryOwner string    `db:"repository_owner" json:"repository_owner"`
	RepositoryName  string    `db:"repository_name" json:"repository_name"`
	WebhookID       string    `db:"webhook_id" json:"webhook_id"`
	TokenUserID     string    `db:"token_user_id" json:"token_user_id"`
	Attempts        int       `db:"attempts" json:"attempts"`
	LastError       *string   `db:"last_error" json:"last_error,omitempty"`
	NextAttemptAt   time.Time `db:"next_attempt_at" json:"next_attempt_at"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// OAuthToken is the plaintext credential handed to connectors. It only
// lives in memory; storage goes through the token cipher.
type OAuthToken struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
	Scopes       string
}

// IsExpired reports whether the token is past its expiry.
func (t *OAuthToken) IsExpired() bool {
	return t.ExpiresAt != nil && time.Now().After(*t.ExpiresAt)
}

// Repository is a repository as reported by the platform API.
type Repository struct {
	ID            string `json:"id"`
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Description   string `json:"description,omitempty"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	CloneURL      string `json:"clone_url"`
	WebURL        string `json:"web_url"`
}

// Tag is a git tag with the commit it currently points at.
type Tag struct {
	Name         string     `json:"name"`
	TargetCommit string     `json:"target_commit"`
	Message      string     `json:"message,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
}

// Branch is a git branch head.
type Branch struct {
	Name         string `json:"name"`
	TargetCommit string `json:"target_commit"`
	Default      bool   `json:"default"`
}

// ReleaseMetadata is the optional release information attached to a tag
// (release notes, display name). Platforms without a release for the tag
// return nil.
type ReleaseMetadata struct {
	TagName     string     `json:"tag_name"`
	Name        string     `json:"name,omitempty"`
	Body        string     `json:"body,omitempty"`
	URL         string     `json:"url,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// WebhookSetup describes the webhook a connector should register.
type WebhookSetup struct {
	CallbackURL string
	Secret      string
	Events      []string
}

// EventType classifies a parsed delivery.
type EventType string

const (
	EventTagPush    EventType = "tag_push"
	EventBranchPush EventType = "branch_push"
	EventPing       EventType = "ping"
	EventIgnored    EventType = "ignored"
)

// Event is a provider-neutral view of one webhook delivery.
type Event struct {
	Type         EventType
	DeliveryID   string
	RefName      string
	CommitSHA    string
	Deleted      bool
	RepoFullName string
}

// Pagination selects a page of a listing call.
type Pagination struct {
	Page    int
	PerPage int
}

// Normalize applies the defaults used by every connector.
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PerPage < 1 || p.PerPage > 100 {
		p.PerPage = 50
	}
	return p
}
