// module_repository.go implements ModuleRepository, providing database
// queries for modules and their published versions.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/terraform-registry/scm-sync/internal/db/models"
)

// ModuleRepository handles database operations for modules and versions
type ModuleRepository struct {
	db *sqlx.DB
}

// NewModuleRepository creates a new module repository
func NewModuleRepository(db *sqlx.DB) *ModuleRepository {
	return &ModuleRepository{db: db}
}

// CreateModule inserts a new module record
func (r *ModuleRepository) CreateModule(ctx context.Context, module *models.Module) error {
	query := `
		INSERT INTO modules (namespace, name, system, description, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		module.Namespace, module.Name, module.System, module.Description, module.CreatedBy,
	).Scan(&module.ID, &module.CreatedAt, &module.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create module: %w", err)
	}
	return nil
}

// GetModuleByID retrieves a module by its UUID
func (r *ModuleRepository) GetModuleByID(ctx context.Context, id uuid.UUID) (*models.Module, error) {
	var module models.Module
	err := r.db.GetContext(ctx, &module, `SELECT * FROM modules WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module: %w", err)
	}
	return &module, nil
}

// GetModule retrieves a module by namespace, name, and system
func (r *ModuleRepository) GetModule(ctx context.Context, namespace, name, system string) (*models.Module, error) {
	var module models.Module
	query := `SELECT * FROM modules WHERE namespace = $1 AND name = $2 AND system = $3`
	err := r.db.GetContext(ctx, &module, query, namespace, name, system)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get module: %w", err)
	}
	return &module, nil
}

// ListModules lists all modules ordered by namespace/name/system
func (r *ModuleRepository) ListModules(ctx context.Context) ([]*models.Module, error) {
	var modules []*models.Module
	err := r.db.SelectContext(ctx, &modules, `SELECT * FROM modules ORDER BY namespace, name, system`)
	return modules, err
}

// GetVersion retrieves a single published version of a module
func (r *ModuleRepository) GetVersion(ctx context.Context, moduleID uuid.UUID, version string) (*models.ModuleVersion, error) {
	var mv models.ModuleVersion
	query := `SELECT * FROM module_versions WHERE module_id = $1 AND version = $2`
	err := r.db.GetContext(ctx, &mv, query, moduleID, version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version: %w", err)
	}
	return &mv, nil
}

// ListVersions lists published versions for a module, newest first
func (r *ModuleRepository) ListVersions(ctx context.Context, moduleID uuid.UUID) ([]*models.ModuleVersion, error) {
	var versions []*models.ModuleVersion
	query := `SELECT * FROM module_versions WHERE module_id = $1 ORDER BY created_at DESC`
	err := r.db.SelectContext(ctx, &versions, query, moduleID)
	return versions, err
}

// CreateVersionIfAbsent inserts a version unless it already exists. Returns
// true when the row was inserted, false when the (module_id, version) pair
// was already present. Existing rows are never modified, which is what
// makes concurrent publishes of the same tag safe.
func (r *ModuleRepository) CreateVersionIfAbsent(ctx context.Context, mv *models.ModuleVersion) (bool, error) {
	query := `
		INSERT INTO module_versions (module_id, version, tag_name, commit_sha, link_id, published_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (module_id, version) DO NOTHING
		RETURNING id, created_at`

	err := r.db.QueryRowContext(ctx, query,
		mv.ModuleID, mv.Version, mv.TagName, mv.CommitSHA, mv.LinkID, mv.PublishedBy,
	).Scan(&mv.ID, &mv.CreatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert version: %w", err)
	}
	return true, nil
}
