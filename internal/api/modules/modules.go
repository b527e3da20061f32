// Package modules exposes the registry module catalog and the SCM linking
// operations that keep it in sync with source repositories.
package modules

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terraform-registry/scm-sync/internal/db/models"
	"github.com/terraform-registry/scm-sync/internal/db/repositories"
	"github.com/terraform-registry/scm-sync/internal/middleware"
	"github.com/terraform-registry/scm-sync/internal/validation"
)

// ModuleHandler serves the module catalog.
type ModuleHandler struct {
	moduleRepo *repositories.ModuleRepository
}

// NewModuleHandler creates a module catalog handler
func NewModuleHandler(moduleRepo *repositories.ModuleRepository) *ModuleHandler {
	return &ModuleHandler{moduleRepo: moduleRepo}
}

type createModuleRequest struct {
	Namespace   string `json:"namespace" binding:"required"`
	Name        string `json:"name" binding:"required"`
	System      string `json:"system" binding:"required"`
	Description string `json:"description"`
}

// CreateModule registers a new module address.
// POST /api/v1/modules
func (h *ModuleHandler) CreateModule(c *gin.Context) {
	var req createModuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidateModuleName(req.Name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	module := &models.Module{
		Namespace: req.Namespace,
		Name:      req.Name,
		System:    req.System,
	}
	if req.Description != "" {
		module.Description = &req.Description
	}
	if userID := middleware.ContextUserID(c); userID != "" {
		module.CreatedBy = &userID
	}

	if err := h.moduleRepo.CreateModule(c.Request.Context(), module); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create module"})
		return
	}
	c.JSON(http.StatusCreated, module)
}

// ListModules lists registered modules.
// GET /api/v1/modules
func (h *ModuleHandler) ListModules(c *gin.Context) {
	mods, err := h.moduleRepo.ListModules(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list modules"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"modules": mods})
}

// GetModule returns one module by ID.
// GET /api/v1/modules/:id
func (h *ModuleHandler) GetModule(c *gin.Context) {
	moduleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid module ID"})
		return
	}

	module, err := h.moduleRepo.GetModuleByID(c.Request.Context(), moduleID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get module"})
		return
	}
	if module == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "module not found"})
		return
	}
	c.JSON(http.StatusOK, module)
}

// ListVersions lists a module's published versions, newest first.
// GET /api/v1/modules/:id/versions
func (h *ModuleHandler) ListVersions(c *gin.Context) {
	moduleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid module ID"})
		return
	}

	module, err := h.moduleRepo.GetModuleByID(c.Request.Context(), moduleID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get module"})
		return
	}
	if module == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "module not found"})
		return
	}

	versions, err := h.moduleRepo.ListVersions(c.Request.Context(), moduleID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list versions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}
