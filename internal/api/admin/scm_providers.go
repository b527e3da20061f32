// Package admin exposes the operator-facing API surface: provider
// configuration and the per-user OAuth and PAT credential endpoints used to
// authorize repository access.
package admin

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terraform-registry/scm-sync/internal/crypto"
	"github.com/terraform-registry/scm-sync/internal/db/repositories"
	"github.com/terraform-registry/scm-sync/internal/scm"
)

// SCMProviderHandler manages provider configurations. The OAuth client
// secret is sealed before it touches the database and is never returned.
type SCMProviderHandler struct {
	scmRepo *repositories.SCMRepository
	cipher  *crypto.TokenCipher
}

// NewSCMProviderHandler creates a provider configuration handler
func NewSCMProviderHandler(scmRepo *repositories.SCMRepository, cipher *crypto.TokenCipher) *SCMProviderHandler {
	return &SCMProviderHandler{scmRepo: scmRepo, cipher: cipher}
}

type createProviderRequest struct {
	Kind         string `json:"kind" binding:"required"`
	DisplayName  string `json:"display_name" binding:"required"`
	BaseURL      string `json:"base_url"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	TenantID     string `json:"tenant_id"`
}

// CreateProvider registers a provider instance. OAuth platforms need client
// credentials; PAT platforms need a base URL and carry none.
// POST /api/v1/admin/scm/providers
func (h *SCMProviderHandler) CreateProvider(c *gin.Context) {
	var req createProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	kind := scm.ProviderKind(req.Kind)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported provider kind: " + req.Kind})
		return
	}
	if kind.IsPATBased() {
		if req.BaseURL == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "base_url is required for " + req.Kind})
			return
		}
	} else if req.ClientID == "" || req.ClientSecret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id and client_secret are required for " + req.Kind})
		return
	}

	sealed, err := h.cipher.Seal(req.ClientSecret)
	if err != nil {
		slog.Error("failed to seal client secret", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create provider"})
		return
	}

	provider := &scm.ProviderConfig{
		Kind:                  kind,
		DisplayName:           req.DisplayName,
		ClientID:              req.ClientID,
		ClientSecretEncrypted: sealed,
		IsActive:              true,
	}
	if req.BaseURL != "" {
		provider.BaseURL = &req.BaseURL
	}
	if req.TenantID != "" {
		provider.TenantID = &req.TenantID
	}

	if err := h.scmRepo.CreateProvider(c.Request.Context(), provider); err != nil {
		slog.Error("failed to create provider", "kind", kind, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create provider"})
		return
	}
	c.JSON(http.StatusCreated, provider)
}

// ListProviders lists configured providers.
// GET /api/v1/admin/scm/providers
func (h *SCMProviderHandler) ListProviders(c *gin.Context) {
	providers, err := h.scmRepo.ListProviders(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list providers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

// GetProvider returns one provider configuration.
// GET /api/v1/admin/scm/providers/:id
func (h *SCMProviderHandler) GetProvider(c *gin.Context) {
	providerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid provider ID"})
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
	c.JSON(http.StatusOK, provider)
}

type updateProviderRequest struct {
	DisplayName  *string `json:"display_name"`
	BaseURL      *string `json:"base_url"`
	ClientID     *string `json:"client_id"`
	ClientSecret *string `json:"client_secret"`
	TenantID     *string `json:"tenant_id"`
	IsActive     *bool   `json:"is_active"`
}

// UpdateProvider merges the provided fields into an existing provider. The
// kind is fixed at creation; a platform change means a new provider.
// PUT /api/v1/admin/scm/providers/:id
func (h *SCMProviderHandler) UpdateProvider(c *gin.Context) {
	providerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid provider ID"})
		return
	}

	var req updateProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
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

	if req.DisplayName != nil {
		provider.DisplayName = *req.DisplayName
	}
	if req.BaseURL != nil {
		if *req.BaseURL == "" {
			provider.BaseURL = nil
		} else {
			provider.BaseURL = req.BaseURL
		}
	}
	if req.ClientID != nil {
		provider.ClientID = *req.ClientID
	}
	if req.ClientSecret != nil {
		sealed, err := h.cipher.Seal(*req.ClientSecret)
		if err != nil {
			slog.Error("failed to seal client secret", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update provider"})
			return
		}
		provider.ClientSecretEncrypted = sealed
	}
	if req.TenantID != nil {
		if *req.TenantID == "" {
			provider.TenantID = nil
		} else {
			provider.TenantID = req.TenantID
		}
	}
	if req.IsActive != nil {
		provider.IsActive = *req.IsActive
	}

	if err := h.scmRepo.UpdateProvider(c.Request.Context(), provider); err != nil {
		slog.Error("failed to update provider", "provider_id", providerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update provider"})
		return
	}
	c.JSON(http.StatusOK, provider)
}

// DeleteProvider removes a provider configuration. Links and tokens that
// reference it are removed by the database's cascade rules.
// DELETE /api/v1/admin/scm/providers/:id
func (h *SCMProviderHandler) DeleteProvider(c *gin.Context) {
	providerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid provider ID"})
		return
	}

	if err := h.scmRepo.DeleteProvider(c.Request.Context(), providerID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete provider"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "provider deleted"})
}
