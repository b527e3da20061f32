// immutability.go enforces the rule that a published version is permanent:
// a tag that moves to a different commit must never silently republish.
package services

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/terraform-registry/scm-sync/internal/db/repositories"
	"github.com/terraform-registry/scm-sync/internal/scm"
	"github.com/terraform-registry/scm-sync/internal/telemetry"
)

// GuardOutcome is the verdict of an immutability check.
type GuardOutcome int

const (
	// Proceed means the version has never been published and may be.
	Proceed GuardOutcome = iota
	// AlreadyPublished means the version exists and points at the same
	// commit; the publish is a harmless no-op.
	AlreadyPublished
	// Violation means the version exists but the tag now points at a
	// different commit. The publish must be refused.
	Violation
)

func (o GuardOutcome) String() string {
	switch o {
	case Proceed:
		return "proceed"
	case AlreadyPublished:
		return "already_published"
	case Violation:
		return "violation"
	default:
		return "unknown"
	}
}

// ImmutabilityGuard decides whether a resolved tag may be published as a
// version, and files a violation record when a tag has been rewritten.
type ImmutabilityGuard struct {
	moduleRepo *repositories.ModuleRepository
	scmRepo    *repositories.SCMRepository
}

// NewImmutabilityGuard creates an immutability guard
func NewImmutabilityGuard(moduleRepo *repositories.ModuleRepository, scmRepo *repositories.SCMRepository) *ImmutabilityGuard {
	return &ImmutabilityGuard{moduleRepo: moduleRepo, scmRepo: scmRepo}
}

// Check compares the resolved commit for a tag against the stored version.
// A version published without commit provenance (e.g. created before
// linking) cannot be compared and is treated as AlreadyPublished.
func (g *ImmutabilityGuard) Check(ctx context.Context, moduleID uuid.UUID, linkID *uuid.UUID, version, tagName, resolvedCommit string) (GuardOutcome, error) {
	existing, err := g.moduleRepo.GetVersion(ctx, moduleID, version)
	if err != nil {
		return Proceed, err
	}
	if existing == nil {
		return Proceed, nil
	}
	if existing.CommitSHA == nil || *existing.CommitSHA == resolvedCommit {
		return AlreadyPublished, nil
	}

	// The tag was rewritten. File one violation per open incident so
	// repeated deliveries do not pile up duplicates.
	open, err := g.scmRepo.HasOpenViolation(ctx, moduleID, version)
	if err != nil {
		return Violation, err
	}
	if !open {
		violation := &scm.ImmutabilityViolation{
			ModuleID:       moduleID,
			LinkID:         linkID,
			Version:        version,
			TagName:        tagName,
			ExpectedCommit: *existing.CommitSHA,
			ActualCommit:   resolvedCommit,
		}
		if err := g.scmRepo.CreateViolation(ctx, violation); err != nil {
			return Violation, err
		}
		telemetry.ViolationsDetectedTotal.Inc()
		slog.Warn("tag immutability violation detected",
			"module_id", moduleID,
			"version", version,
			"tag", tagName,
			"expected_commit", *existing.CommitSHA,
			"actual_commit", resolvedCommit,
		)
	}
	return Violation, nil
}
