// Package jobs runs the background maintenance loops: periodic tag
// verification against linked repositories and retrying orphaned webhook
// deregistrations. Each job owns a ticker and stops on Stop() or context
// cancellation.
package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/terraform-registry/scm-sync/internal/db/repositories"
	"github.com/terraform-registry/scm-sync/internal/scm"
	"github.com/terraform-registry/scm-sync/internal/services"
)

// TagVerifier periodically re-resolves the tags behind published versions
// and files an immutability violation when a tag no longer points at the
// commit it was published from. Webhooks catch rewrites that are pushed;
// this catches rewrites whose delivery was lost.
type TagVerifier struct {
	scmRepo    *repositories.SCMRepository
	moduleRepo *repositories.ModuleRepository
	tokens     *services.TokenStore
	connectors *services.ConnectorFactory
	guard      *services.ImmutabilityGuard
	interval   time.Duration
	stopChan   chan struct{}
}

// NewTagVerifier creates the tag verification job
func NewTagVerifier(scmRepo *repositories.SCMRepository, moduleRepo *repositories.ModuleRepository, tokens *services.TokenStore, connectors *services.ConnectorFactory, guard *services.ImmutabilityGuard, interval time.Duration) *TagVerifier {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &TagVerifier{
		scmRepo:    scmRepo,
		moduleRepo: moduleRepo,
		tokens:     tokens,
		connectors: connectors,
		guard:      guard,
		interval:   interval,
		stopChan:   make(chan struct{}),
	}
}

// Start runs the verification loop until Stop or context cancellation. The
// first pass runs immediately.
func (v *TagVerifier) Start(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	slog.Info("tag verifier started", "interval", v.interval)
	v.runVerification(ctx)

	for {
		select {
		case <-ticker.C:
			v.runVerification(ctx)
		case <-v.stopChan:
			slog.Info("tag verifier stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the verification loop
func (v *TagVerifier) Stop() {
	close(v.stopChan)
}

func (v *TagVerifier) runVerification(ctx context.Context) {
	if v.scmRepo == nil || v.moduleRepo == nil {
		slog.Warn("tag verification: repositories not configured, skipping")
		return
	}

	links, err := v.scmRepo.ListLinks(ctx)
	if err != nil {
		slog.Error("tag verification: failed to list links", "error", err)
		return
	}

	checked, violations := 0, 0
	for _, link := range links {
		c, viol := v.verifyLink(ctx, link)
		checked += c
		violations += viol
	}
	slog.Info("tag verification run completed", "links", len(links), "tags_checked", checked, "violations", violations)
}

// verifyLink re-resolves every published tag for one linked module and
// returns how many tags were checked and how many violations were found.
func (v *TagVerifier) verifyLink(ctx context.Context, link *scm.ModuleLink) (int, int) {
	provider, err := v.scmRepo.GetProvider(ctx, link.ProviderID)
	if err != nil || provider == nil {
		return 0, 0
	}
	connector, err := v.connectors.ForProvider(provider)
	if err != nil {
		slog.Warn("tag verification: connector unavailable", "link_id", link.ID, "error", err)
		return 0, 0
	}
	token, err := v.tokens.Get(ctx, provider, linkOwner(link))
	if err != nil {
		// Without a usable credential the repository cannot be read; the
		// next run retries after the user re-authorizes.
		slog.Warn("tag verification: no usable credential", "link_id", link.ID, "error", err)
		return 0, 0
	}

	versions, err := v.moduleRepo.ListVersions(ctx, link.ModuleID)
	if err != nil {
		slog.Error("tag verification: failed to list versions", "module_id", link.ModuleID, "error", err)
		return 0, 0
	}

	checked, violations := 0, 0
	for _, ver := range versions {
		// Only versions published from this link carry tag provenance.
		if ver.TagName == nil || ver.CommitSHA == nil {
			continue
		}

		tag, err := connector.ResolveTag(ctx, token, link.RepositoryOwner, link.RepositoryName, *ver.TagName)
		if err != nil {
			// A deleted tag is not a rewrite; the published version stands.
			if !errors.Is(err, scm.ErrTagNotFound) {
				slog.Warn("tag verification: resolve failed",
					"module_id", link.ModuleID, "tag", *ver.TagName, "error", err)
			}
			continue
		}

		checked++
		outcome, err := v.guard.Check(ctx, link.ModuleID, &link.ID, ver.Version, *ver.TagName, tag.TargetCommit)
		if err != nil {
			slog.Error("tag verification: guard check failed",
				"module_id", link.ModuleID, "version", ver.Version, "error", err)
			continue
		}
		if outcome == services.Violation {
			violations++
		}
	}
	return checked, violations
}

func linkOwner(link *scm.ModuleLink) string {
	if link.CreatedBy != nil {
		return *link.CreatedBy
	}
	return ""
}
