// token_store.go manages stored user credentials: encryption at rest,
// decryption on use, and OAuth refresh ahead of expiry.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/terraform-registry/scm-sync/internal/crypto"
	"github.com/terraform-registry/scm-sync/internal/db/repositories"
	"github.com/terraform-registry/scm-sync/internal/scm"
	"github.com/terraform-registry/scm-sync/internal/telemetry"
)

// TokenStore loads and refreshes user credentials for provider API calls.
// Tokens are stored encrypted; plaintext exists only in memory for the
// duration of a call.
type TokenStore struct {
	scmRepo    *repositories.SCMRepository
	cipher     *crypto.TokenCipher
	connectors *ConnectorFactory

	// refreshWindow refreshes tokens that expire within this window so an
	// upstream call does not fail mid-flight with a just-expired token.
	refreshWindow time.Duration
}

// NewTokenStore creates a token store
func NewTokenStore(scmRepo *repositories.SCMRepository, cipher *crypto.TokenCipher, connectors *ConnectorFactory, refreshWindow time.Duration) *TokenStore {
	if refreshWindow <= 0 {
		refreshWindow = 5 * time.Minute
	}
	return &TokenStore{
		scmRepo:       scmRepo,
		cipher:        cipher,
		connectors:    connectors,
		refreshWindow: refreshWindow,
	}
}

// Save encrypts and stores a credential for a user and provider, replacing
// any previous one
func (s *TokenStore) Save(ctx context.Context, userID string, providerID uuid.UUID, token *scm.OAuthToken) error {
	accessEnc, err := s.cipher.Seal(token.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	record := &scm.UserToken{
		UserID:               userID,
		ProviderID:           providerID,
		AccessTokenEncrypted: accessEnc,
		TokenType:            token.TokenType,
		ExpiresAt:            token.ExpiresAt,
	}
	if token.RefreshToken != "" {
		refreshEnc, err := s.cipher.Seal(token.RefreshToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		record.RefreshTokenEncrypted = &refreshEnc
	}
	if token.Scopes != "" {
		record.Scopes = &token.Scopes
	}

	return s.scmRepo.SaveUserToken(ctx, record)
}

// Get returns a usable decrypted credential for the user and provider,
// refreshing it first when it is expired or about to expire. PAT-based
// providers have no expiry and are returned as-is.
func (s *TokenStore) Get(ctx context.Context, provider *scm.ProviderConfig, userID string) (*scm.OAuthToken, error) {
	record, err := s.scmRepo.GetUserToken(ctx, userID, provider.ID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, scm.ErrTokenNotFound
	}

	access, err := s.cipher.Open(record.AccessTokenEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}

	token := &scm.OAuthToken{
		AccessToken: access,
		TokenType:   record.TokenType,
		ExpiresAt:   record.ExpiresAt,
	}

	if provider.Kind.IsPATBased() || record.ExpiresAt == nil {
		return token, nil
	}

	if record.IsExpired() || record.ExpiresWithin(s.refreshWindow) {
		refreshed, err := s.refresh(ctx, provider, userID, record)
		if err != nil {
			if record.IsExpired() {
				// Expired and unrefreshable: the caller cannot proceed.
				return nil, err
			}
			// Still valid for a little while; use it and let the next
			// call retry the refresh.
			slog.Warn("token refresh failed, using unexpired token",
				"provider", provider.Kind, "user", userID, "error", err)
			return token, nil
		}
		return refreshed, nil
	}

	return token, nil
}

// refresh exchanges the stored refresh token for a new access token and
// persists the result
func (s *TokenStore) refresh(ctx context.Context, provider *scm.ProviderConfig, userID string, record *scm.UserToken) (*scm.OAuthToken, error) {
	if record.RefreshTokenEncrypted == nil {
		telemetry.TokenRefreshesTotal.WithLabelValues(string(provider.Kind), "failure").Inc()
		return nil, scm.ErrTokenExpired
	}

	refreshToken, err := s.cipher.Open(*record.RefreshTokenEncrypted)
	if err != nil {
		telemetry.TokenRefreshesTotal.WithLabelValues(string(provider.Kind), "failure").Inc()
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}

	connector, err := s.connectors.ForProvider(provider)
	if err != nil {
		telemetry.TokenRefreshesTotal.WithLabelValues(string(provider.Kind), "failure").Inc()
		return nil, err
	}

	fresh, err := connector.RefreshToken(ctx, refreshToken)
	if err != nil {
		telemetry.TokenRefreshesTotal.WithLabelValues(string(provider.Kind), "failure").Inc()
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	// Some providers rotate the refresh token on every use; keep the old
	// one when the response omits it.
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = refreshToken
	}

	if err := s.Save(ctx, userID, provider.ID, fresh); err != nil {
		telemetry.TokenRefreshesTotal.WithLabelValues(string(provider.Kind), "failure").Inc()
		return nil, fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	telemetry.TokenRefreshesTotal.WithLabelValues(string(provider.Kind), "success").Inc()
	return fresh, nil
}

// Refresh forces an immediate refresh of the stored OAuth token regardless
// of its expiry, persisting the result. Used by the explicit refresh endpoint
// so operators can recover from a provider-side token revocation without
// waiting for expiry.
func (s *TokenStore) Refresh(ctx context.Context, provider *scm.ProviderConfig, userID string) (*scm.OAuthToken, error) {
	if provider.Kind.IsPATBased() {
		return nil, fmt.Errorf("provider kind %s does not support token refresh", provider.Kind)
	}

	record, err := s.scmRepo.GetUserToken(ctx, userID, provider.ID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, scm.ErrTokenNotFound
	}
	return s.refresh(ctx, provider, userID, record)
}

// Delete removes a user's stored credential for a provider
func (s *TokenStore) Delete(ctx context.Context, userID string, providerID uuid.UUID) error {
	return s.scmRepo.DeleteUserToken(ctx, userID, providerID)
}
