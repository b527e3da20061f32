// Package models - module.go defines the Module and ModuleVersion models
// representing registry modules and the versions published into them.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Module identifies a registry module by namespace/name/system.
type Module struct {
	ID          uuid.UUID `db:"id" json:"id"`
	Namespace   string    `db:"namespace" json:"namespace"`
	Name        string    `db:"name" json:"name"`
	System      string    `db:"system" json:"system"`
	Description *string   `db:"description" json:"description,omitempty"`
	CreatedBy   *string   `db:"created_by" json:"created_by,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// ModuleVersion is a published version of a module. Versions published from
// a linked repository carry provenance: the tag, the commit it pointed at,
// and the link that produced them. Published versions are never updated or
// replaced; the (module_id, version) pair is unique.
type ModuleVersion struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	ModuleID    uuid.UUID  `db:"module_id" json:"module_id"`
	Version     string     `db:"version" json:"version"`
	TagName     *string    `db:"tag_name" json:"tag_name,omitempty"`
	CommitSHA   *string    `db:"commit_sha" json:"commit_sha,omitempty"`
	LinkID      *uuid.UUID `db:"link_id" json:"link_id,omitempty"`
	PublishedBy *string    `db:"published_by" json:"published_by,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}
