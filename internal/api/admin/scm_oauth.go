// scm_oauth.go implements the credential endpoints: the OAuth authorize and
// callback flow, PAT storage for platforms without an OAuth app model, token
// status and revocation, and the repository browsing calls used while
// linking a module.
package admin

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terraform-registry/scm-sync/internal/db/repositories"
	"github.com/terraform-registry/scm-sync/internal/middleware"
	"github.com/terraform-registry/scm-sync/internal/scm"
	"github.com/terraform-registry/scm-sync/internal/services"
	"github.com/terraform-registry/scm-sync/internal/validation"
)

// stateTTL bounds how long an issued OAuth state stays redeemable.
const stateTTL = 10 * time.Minute

// SCMOAuthHandler runs the per-user credential flows against configured
// providers. Token material passes through the TokenStore, which owns
// encryption and refresh; nothing here sees or returns plaintext secrets.
type SCMOAuthHandler struct {
	scmRepo     *repositories.SCMRepository
	tokens      *services.TokenStore
	connectors  *services.ConnectorFactory
	stateSecret string
	publicURL   string
}

// NewSCMOAuthHandler creates the credential flow handler
func NewSCMOAuthHandler(scmRepo *repositories.SCMRepository, tokens *services.TokenStore, connectors *services.ConnectorFactory, stateSecret, publicURL string) *SCMOAuthHandler {
	return &SCMOAuthHandler{
		scmRepo:     scmRepo,
		tokens:      tokens,
		connectors:  connectors,
		stateSecret: stateSecret,
		publicURL:   strings.TrimRight(publicURL, "/"),
	}
}

func (h *SCMOAuthHandler) callbackURL() string {
	return h.publicURL + "/api/v1/scm/oauth/callback"
}

// signState binds the user and provider into an HMAC-signed, expiring state
// parameter so the callback can trust them without server-side session
// storage. The user ID is a JWT subject and never contains '|'.
func (h *SCMOAuthHandler) signState(userID string, providerID uuid.UUID, expires time.Time) string {
	payload := userID + "|" + providerID.String() + "|" + strconv.FormatInt(expires.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(h.stateSecret))
	mac.Write([]byte(payload))
	sig := hex.EncodeToString(mac.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(payload + "|" + sig))
}

func (h *SCMOAuthHandler) verifyState(state string) (userID string, providerID uuid.UUID, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(state)
	if err != nil {
		return "", uuid.Nil, errors.New("malformed state")
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 4 {
		return "", uuid.Nil, errors.New("malformed state")
	}
	payload := strings.Join(parts[:3], "|")
	mac := hmac.New(sha256.New, []byte(h.stateSecret))
	mac.Write([]byte(payload))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(parts[3])) {
		return "", uuid.Nil, errors.New("state signature mismatch")
	}

	expires, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || time.Now().Unix() > expires {
		return "", uuid.Nil, errors.New("state expired")
	}
	providerID, err = uuid.Parse(parts[1])
	if err != nil {
		return "", uuid.Nil, errors.New("malformed state")
	}
	return parts[0], providerID, nil
}

// InitiateOAuth returns the provider's authorization URL for the
// authenticated user. PAT-based providers have no OAuth flow.
// GET /api/v1/scm/providers/:id/oauth/authorize
func (h *SCMOAuthHandler) InitiateOAuth(c *gin.Context) {
	provider, ok := h.loadProvider(c)
	if !ok {
		return
	}
	if provider.Kind.IsPATBased() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("%s uses personal access tokens; save one instead", provider.Kind),
		})
		return
	}
	if !provider.IsActive {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider is disabled"})
		return
	}

	connector, err := h.connectors.ForProvider(provider)
	if err != nil {
		slog.Error("failed to build connector", "provider_id", provider.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start authorization"})
		return
	}

	state := h.signState(middleware.ContextUserID(c), provider.ID, time.Now().Add(stateTTL))
	authURL, err := connector.AuthorizationURL(state, h.callbackURL())
	if err != nil {
		slog.Error("failed to build authorization URL", "provider_id", provider.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start authorization"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"authorization_url": authURL, "state": state})
}

// HandleOAuthCallback redeems the provider's authorization code and stores
// the resulting token for the user carried in the signed state.
// GET /api/v1/scm/oauth/callback
func (h *SCMOAuthHandler) HandleOAuthCallback(c *gin.Context) {
	if errParam := c.Query("error"); errParam != "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "authorization denied: " + errParam,
		})
		return
	}
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing authorization code"})
		return
	}

	userID, providerID, err := h.verifyState(c.Query("state"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state: " + err.Error()})
		return
	}

	provider, err := h.scmRepo.GetProvider(c.Request.Context(), providerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get provider"})
		return
	}
	if provider == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return
	}

	connector, err := h.connectors.ForProvider(provider)
	if err != nil {
		slog.Error("failed to build connector", "provider_id", providerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authorization failed"})
		return
	}

	token, err := connector.ExchangeCode(c.Request.Context(), code, h.callbackURL())
	if err != nil {
		slog.Error("code exchange failed", "provider_id", providerID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "authorization failed"})
		return
	}

	if err := h.tokens.Save(c.Request.Context(), userID, providerID, token); err != nil {
		slog.Error("failed to store token", "provider_id", providerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "authorization failed"})
		return
	}

	slog.Info("authorization complete", "provider", provider.Kind, "user", userID)
	c.JSON(http.StatusOK, gin.H{
		"message":  "authorization complete",
		"provider": provider.DisplayName,
	})
}

type savePATRequest struct {
	AccessToken string `json:"access_token" binding:"required"`
	Scopes      string `json:"scopes"`
}

// SavePATToken stores a personal access token for a PAT-based provider.
// POST /api/v1/scm/providers/:id/token
func (h *SCMOAuthHandler) SavePATToken(c *gin.Context) {
	provider, ok := h.loadProvider(c)
	if !ok {
		return
	}
	if !provider.Kind.IsPATBased() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("%s uses OAuth; start the authorization flow instead", provider.Kind),
		})
		return
	}

	var req savePATRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token := &scm.OAuthToken{
		AccessToken: req.AccessToken,
		TokenType:   "pat",
		Scopes:      req.Scopes,
	}
	if err := h.tokens.Save(c.Request.Context(), middleware.ContextUserID(c), provider.ID, token); err != nil {
		slog.Error("failed to store token", "provider_id", provider.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save token"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "token saved"})
}

// GetTokenStatus reports whether the user has a credential for the provider
// without ever returning the credential itself.
// GET /api/v1/scm/providers/:id/token
func (h *SCMOAuthHandler) GetTokenStatus(c *gin.Context) {
	provider, ok := h.loadProvider(c)
	if !ok {
		return
	}

	record, err := h.scmRepo.GetUserToken(c.Request.Context(), middleware.ContextUserID(c), provider.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get token status"})
		return
	}
	if record == nil {
		c.JSON(http.StatusOK, gin.H{"connected": false})
		return
	}

	status := gin.H{
		"connected":    true,
		"connected_at": record.CreatedAt,
		"token_type":   record.TokenType,
		"expired":      record.IsExpired(),
	}
	if record.ExpiresAt != nil {
		status["expires_at"] = record.ExpiresAt
	}
	if record.Scopes != nil {
		status["scopes"] = *record.Scopes
	}
	c.JSON(http.StatusOK, status)
}

// RefreshToken forces an immediate refresh of the user's OAuth token, used
// to recover from provider-side revocation without waiting for expiry.
// POST /api/v1/scm/providers/:id/token/refresh
func (h *SCMOAuthHandler) RefreshToken(c *gin.Context) {
	provider, ok := h.loadProvider(c)
	if !ok {
		return
	}
	if provider.Kind.IsPATBased() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("%s tokens do not expire; save a new one to rotate it", provider.Kind),
		})
		return
	}

	token, err := h.tokens.Refresh(c.Request.Context(), provider, middleware.ContextUserID(c))
	if err != nil {
		switch {
		case errors.Is(err, scm.ErrTokenNotFound):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no credential stored for this provider"})
		case errors.Is(err, scm.ErrTokenExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token cannot be refreshed; re-authorize the provider"})
		default:
			slog.Error("token refresh failed", "provider_id", provider.ID, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "token refresh failed"})
		}
		return
	}

	status := gin.H{"message": "token refreshed"}
	if token.ExpiresAt != nil {
		status["expires_at"] = token.ExpiresAt
	}
	c.JSON(http.StatusOK, status)
}

// RevokeToken deletes the user's stored credential for the provider.
// DELETE /api/v1/scm/providers/:id/token
func (h *SCMOAuthHandler) RevokeToken(c *gin.Context) {
	provider, ok := h.loadProvider(c)
	if !ok {
		return
	}

	if err := h.tokens.Delete(c.Request.Context(), middleware.ContextUserID(c), provider.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "token revoked"})
}

// ListRepositories lists repositories visible to the user's credential.
// Only repositories following the terraform-<system>-<name> naming
// convention are returned unless ?all=true is set; ?search narrows by
// name substring.
// GET /api/v1/scm/providers/:id/repositories
func (h *SCMOAuthHandler) ListRepositories(c *gin.Context) {
	provider, connector, token, ok := h.connectorWithToken(c)
	if !ok {
		return
	}

	repos, hasMore, err := connector.ListRepositories(c.Request.Context(), token, parsePagination(c))
	if err != nil {
		h.upstreamError(c, provider, "failed to list repositories", err)
		return
	}

	search := strings.ToLower(c.Query("search"))
	conventionOnly := c.Query("all") != "true"
	if search != "" || conventionOnly {
		filtered := repos[:0]
		for _, repo := range repos {
			if conventionOnly && !validation.IsModuleRepoName(repo.Name) {
				continue
			}
			if search != "" && !strings.Contains(strings.ToLower(repo.Name), search) {
				continue
			}
			filtered = append(filtered, repo)
		}
		repos = filtered
	}

	c.JSON(http.StatusOK, gin.H{"repositories": repos, "has_more": hasMore})
}

// ListRepositoryTags lists a repository's tags.
// GET /api/v1/scm/providers/:id/repositories/:owner/:repo/tags
func (h *SCMOAuthHandler) ListRepositoryTags(c *gin.Context) {
	provider, connector, token, ok := h.connectorWithToken(c)
	if !ok {
		return
	}

	tags, hasMore, err := connector.ListTags(c.Request.Context(), token,
		c.Param("owner"), c.Param("repo"), parsePagination(c))
	if err != nil {
		h.upstreamError(c, provider, "failed to list tags", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tags": tags, "has_more": hasMore})
}

// ListRepositoryBranches lists a repository's branches.
// GET /api/v1/scm/providers/:id/repositories/:owner/:repo/branches
func (h *SCMOAuthHandler) ListRepositoryBranches(c *gin.Context) {
	provider, connector, token, ok := h.connectorWithToken(c)
	if !ok {
		return
	}

	branches, hasMore, err := connector.ListBranches(c.Request.Context(), token,
		c.Param("owner"), c.Param("repo"), parsePagination(c))
	if err != nil {
		h.upstreamError(c, provider, "failed to list branches", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"branches": branches, "has_more": hasMore})
}

// ---- helpers ----

// loadProvider resolves the :id path parameter, writing the error response
// itself when the provider cannot be loaded.
func (h *SCMOAuthHandler) loadProvider(c *gin.Context) (*scm.ProviderConfig, bool) {
	providerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid provider ID"})
		return nil, false
	}

	provider, err := h.scmRepo.GetProvider(c.Request.Context(), providerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get provider"})
		return nil, false
	}
	if provider == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "provider not found"})
		return nil, false
	}
	return provider, true
}

// connectorWithToken loads the provider, builds its connector, and fetches
// the caller's decrypted credential in one step.
func (h *SCMOAuthHandler) connectorWithToken(c *gin.Context) (*scm.ProviderConfig, scm.Connector, *scm.OAuthToken, bool) {
	provider, ok := h.loadProvider(c)
	if !ok {
		return nil, nil, nil, false
	}

	connector, err := h.connectors.ForProvider(provider)
	if err != nil {
		slog.Error("failed to build connector", "provider_id", provider.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "provider is misconfigured"})
		return nil, nil, nil, false
	}

	token, err := h.tokens.Get(c.Request.Context(), provider, middleware.ContextUserID(c))
	if err != nil {
		switch {
		case errors.Is(err, scm.ErrTokenNotFound):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no credential stored for this provider"})
		case errors.Is(err, scm.ErrTokenExpired):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "credential expired; re-authorize the provider"})
		default:
			slog.Error("failed to load token", "provider_id", provider.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load credential"})
		}
		return nil, nil, nil, false
	}
	return provider, connector, token, true
}

// upstreamError maps provider API failures onto response codes.
func (h *SCMOAuthHandler) upstreamError(c *gin.Context, provider *scm.ProviderConfig, msg string, err error) {
	switch {
	case errors.Is(err, scm.ErrUnauthorized):
		// The platform rejected the stored credential, typically because it
		// was revoked upstream. The stored copy is useless now.
		c.JSON(http.StatusUnauthorized, gin.H{"error": "credential rejected by the provider; re-authorize the provider"})
	case errors.Is(err, scm.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "provider rate limit exceeded, retry later"})
	case errors.Is(err, scm.ErrUpstreamTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "provider did not respond in time"})
	default:
		slog.Error(msg, "provider", provider.Kind, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": msg})
	}
}

func parsePagination(c *gin.Context) scm.Pagination {
	page, _ := strconv.Atoi(c.Query("page"))
	perPage, _ := strconv.Atoi(c.Query("per_page"))
	return scm.Pagination{Page: page, PerPage: perPage}.Normalize()
}
