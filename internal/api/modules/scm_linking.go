// scm_linking.go handles the link lifecycle between a module and its source
// repository: linking, unlinking, manual sync, and the webhook event and
// violation history kept for each link.
package modules

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terraform-registry/scm-sync/internal/db/repositories"
	"github.com/terraform-registry/scm-sync/internal/middleware"
	"github.com/terraform-registry/scm-sync/internal/safego"
	"github.com/terraform-registry/scm-sync/internal/scm"
	"github.com/terraform-registry/scm-sync/internal/services"
)

const eventHistoryLimit = 50

// SCMLinkingHandler exposes link management for a module.
type SCMLinkingHandler struct {
	scmRepo      *repositories.SCMRepository
	links        *services.LinkService
	orchestrator *services.SyncOrchestrator
}

// NewSCMLinkingHandler creates the linking handler
func NewSCMLinkingHandler(scmRepo *repositories.SCMRepository, links *services.LinkService, orchestrator *services.SyncOrchestrator) *SCMLinkingHandler {
	return &SCMLinkingHandler{
		scmRepo:      scmRepo,
		links:        links,
		orchestrator: orchestrator,
	}
}

type linkRequest struct {
	ProviderID      string `json:"provider_id" binding:"required"`
	RepositoryOwner string `json:"repository_owner" binding:"required"`
	RepositoryName  string `json:"repository_name" binding:"required"`
	DefaultBranch   string `json:"default_branch"`
	ModulePath      string `json:"module_path"`
	TagPattern      string `json:"tag_pattern"`
	// Auto-publish defaults on; a link without it only syncs manually.
	AutoPublish *bool `json:"auto_publish_enabled"`
}

// LinkModule links a module to a repository and registers its webhook.
// POST /api/v1/modules/:id/scm
func (h *SCMLinkingHandler) LinkModule(c *gin.Context) {
	moduleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid module ID"})
		return
	}

	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid provider ID"})
		return
	}

	link, err := h.links.Link(c.Request.Context(), &services.LinkRequest{
		ModuleID:        moduleID,
		ProviderID:      providerID,
		RepositoryOwner: req.RepositoryOwner,
		RepositoryName:  req.RepositoryName,
		DefaultBranch:   req.DefaultBranch,
		ModulePath:      req.ModulePath,
		TagPattern:      req.TagPattern,
		AutoPublish:     req.AutoPublish == nil || *req.AutoPublish,
		UserID:          middleware.ContextUserID(c),
	})
	if err != nil {
		if errors.Is(err, scm.ErrAlreadyLinked) {
			c.JSON(http.StatusConflict, gin.H{"error": "module is already linked to a repository"})
			return
		}
		slog.Error("module link failed", "module_id", moduleID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to link module"})
		return
	}

	c.JSON(http.StatusCreated, link)
}

// GetLink returns the module's link, if any.
// GET /api/v1/modules/:id/scm
func (h *SCMLinkingHandler) GetLink(c *gin.Context) {
	moduleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid module ID"})
		return
	}

	link, err := h.scmRepo.GetLinkByModule(c.Request.Context(), moduleID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get link"})
		return
	}
	if link == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "module is not linked to a repository"})
		return
	}
	c.JSON(http.StatusOK, link)
}

type linkUpdateRequest struct {
	DefaultBranch *string `json:"default_branch"`
	ModulePath    *string `json:"module_path"`
	TagPattern    *string `json:"tag_pattern"`
	AutoPublish   *bool   `json:"auto_publish_enabled"`
}

// UpdateLink changes the link's sync settings. The linked repository cannot
// change; unlink and relink to point at a different one.
// PUT /api/v1/modules/:id/scm
func (h *SCMLinkingHandler) UpdateLink(c *gin.Context) {
	moduleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid module ID"})
		return
	}

	var req linkUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	link, err := h.links.UpdateSettings(c.Request.Context(), moduleID, &services.LinkUpdate{
		DefaultBranch: req.DefaultBranch,
		ModulePath:    req.ModulePath,
		TagPattern:    req.TagPattern,
		AutoPublish:   req.AutoPublish,
	})
	if err != nil {
		if errors.Is(err, scm.ErrNotLinked) {
			c.JSON(http.StatusNotFound, gin.H{"error": "module is not linked to a repository"})
			return
		}
		slog.Error("link update failed", "module_id", moduleID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update link"})
		return
	}
	c.JSON(http.StatusOK, link)
}

// UnlinkModule removes the module's link. The provider webhook is
// deregistered best-effort; failures are queued for the reconciler.
// DELETE /api/v1/modules/:id/scm
func (h *SCMLinkingHandler) UnlinkModule(c *gin.Context) {
	moduleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid module ID"})
		return
	}

	if err := h.links.Unlink(c.Request.Context(), moduleID, middleware.ContextUserID(c)); err != nil {
		if errors.Is(err, scm.ErrNotLinked) {
			c.JSON(http.StatusNotFound, gin.H{"error": "module is not linked to a repository"})
			return
		}
		slog.Error("module unlink failed", "module_id", moduleID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unlink module"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "module unlinked"})
}

type syncRequest struct {
	TagName   string `json:"tag_name"`
	CommitSHA string `json:"commit_sha"`
}

// TriggerSync starts an asynchronous manual sync. Without a body it
// publishes the latest repository tag matching the link's pattern; an
// explicit tag_name pins the sync to that tag. The response is 202;
// progress is observable through the module's version list.
// POST /api/v1/modules/:id/scm/sync
func (h *SCMLinkingHandler) TriggerSync(c *gin.Context) {
	moduleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid module ID"})
		return
	}

	var req syncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.CommitSHA != "" && req.TagName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "commit_sha requires tag_name"})
		return
	}
	var target *services.SyncTarget
	if req.TagName != "" {
		target = &services.SyncTarget{TagName: req.TagName, CommitSHA: req.CommitSHA}
	}

	link, err := h.scmRepo.GetLinkByModule(c.Request.Context(), moduleID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get link"})
		return
	}
	if link == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "module is not linked to a repository"})
		return
	}

	// The request context dies with the response; the sync gets its own.
	userID := middleware.ContextUserID(c)
	safego.GoNamed("manual-sync", func() {
		version, err := h.orchestrator.ManualSync(context.Background(), moduleID, userID, target)
		switch {
		case err != nil:
			slog.Error("manual sync failed", "module_id", moduleID, "error", err)
		case version == "":
			slog.Info("manual sync found nothing new", "module_id", moduleID)
		default:
			slog.Info("manual sync published version", "module_id", moduleID, "version", version)
		}
	})

	c.JSON(http.StatusAccepted, gin.H{"message": "sync triggered"})
}

// ListEvents returns the recent webhook deliveries for the module's link.
// GET /api/v1/modules/:id/scm/events
func (h *SCMLinkingHandler) ListEvents(c *gin.Context) {
	moduleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid module ID"})
		return
	}

	link, err := h.scmRepo.GetLinkByModule(c.Request.Context(), moduleID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get link"})
		return
	}
	if link == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "module is not linked to a repository"})
		return
	}

	events, err := h.scmRepo.ListWebhookEvents(c.Request.Context(), link.ID, eventHistoryLimit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ListViolations returns immutability violations recorded for the module.
// Pass ?all=true to include acknowledged ones.
// GET /api/v1/modules/:id/scm/violations
func (h *SCMLinkingHandler) ListViolations(c *gin.Context) {
	moduleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid module ID"})
		return
	}

	unackedOnly := c.Query("all") != "true"
	violations, err := h.scmRepo.ListViolations(c.Request.Context(), moduleID, unackedOnly)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list violations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"violations": violations})
}

// AcknowledgeViolation marks a violation as reviewed. The version record
// itself stays frozen; acknowledging only silences the open incident.
// POST /api/v1/modules/:id/scm/violations/:violation_id/ack
func (h *SCMLinkingHandler) AcknowledgeViolation(c *gin.Context) {
	if _, err := uuid.Parse(c.Param("id")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid module ID"})
		return
	}
	violationID, err := uuid.Parse(c.Param("violation_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid violation ID"})
		return
	}

	if err := h.scmRepo.AcknowledgeViolation(c.Request.Context(), violationID, middleware.ContextUserID(c)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acknowledge violation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "violation acknowledged"})
}
