// connector.go defines the Connector interface every SCM platform package
// implements, plus the settings used to build one.
package scm

import (
	"context"
	"errors"
	"net/http"
)

// Connector is the provider-neutral client for one SCM platform instance.
// All calls take the caller's credential explicitly; connectors hold only
// application-level settings (base URL, OAuth client credentials).
type Connector interface {
	// Kind returns the platform this connector speaks to.
	Kind() ProviderKind

	// AuthorizationURL builds the OAuth authorization redirect for the
	// given CSRF state and callback. PAT-based platforms return
	// ErrUnsupportedProvider.
	AuthorizationURL(state, redirectURI string) (string, error)

	// ExchangeCode trades an authorization code for a token.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*OAuthToken, error)

	// RefreshToken renews an OAuth token using its refresh token.
	RefreshToken(ctx context.Context, refreshToken string) (*OAuthToken, error)

	// ListRepositories pages through the repositories visible to the
	// credential. The second result reports whether more pages remain.
	ListRepositories(ctx context.Context, token *OAuthToken, page Pagination) ([]Repository, bool, error)

	// ListTags pages through the repository's tags, newest first where
	// the platform supports ordering.
	ListTags(ctx context.Context, token *OAuthToken, owner, repo string, page Pagination) ([]Tag, bool, error)

	// ListBranches pages through the repository's branches.
	ListBranches(ctx context.Context, token *OAuthToken, owner, repo string, page Pagination) ([]Branch, bool, error)

	// ResolveTag fetches one tag and the commit it points at, following
	// annotated tags to the underlying commit. Returns ErrTagNotFound
	// when the tag does not exist.
	ResolveTag(ctx context.Context, token *OAuthToken, owner, repo, tag string) (*Tag, error)

	// FetchReleaseMetadata returns the release attached to a tag, or
	// (nil, nil) when the tag has no release.
	FetchReleaseMetadata(ctx context.Context, token *OAuthToken, owner, repo, tag string) (*ReleaseMetadata, error)

	// RegisterWebhook creates a push webhook on the repository and
	// returns the platform's webhook ID.
	RegisterWebhook(ctx context.Context, token *OAuthToken, owner, repo string, setup WebhookSetup) (string, error)

	// RemoveWebhook deletes a webhook by ID. Returns ErrWebhookNotFound
	// when it is already gone.
	RemoveWebhook(ctx context.Context, token *OAuthToken, owner, repo, webhookID string) error

	// ParseEvent converts a raw delivery into the neutral Event form.
	// Deliveries the engine does not act on come back with Type
	// EventIgnored rather than an error.
	ParseEvent(headers http.Header, body []byte) (*Event, error)

	// Verifier returns the signature scheme used by this platform's
	// deliveries.
	Verifier() SignatureVerifier
}

// Settings carries everything needed to construct a connector for one
// provider instance.
type Settings struct {
	Kind         ProviderKind
	BaseURL      string // empty means the platform's public cloud endpoint
	ClientID     string
	ClientSecret string
	TenantID     string // Azure DevOps organization routing
	HTTPClient   *http.Client
}

// Validate checks the settings for the platform's auth model. PAT-based
// platforms need no OAuth client credentials.
func (s *Settings) Validate() error {
	if !s.Kind.Valid() {
		return ErrUnsupportedProvider
	}
	if s.Kind.IsPATBased() {
		if s.BaseURL == "" {
			return errors.New("base URL is required for PAT-based providers")
		}
		return nil
	}
	if s.ClientID == "" {
		return errors.New("client ID is required")
	}
	if s.ClientSecret == "" {
		return errors.New("client secret is required")
	}
	return nil
}
