// link_service.go manages the lifecycle of module-repository links,
// including provider webhook registration and cleanup.
package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/terraform-registry/scm-sync/internal/crypto"
	"github.com/terraform-registry/scm-sync/internal/db/repositories"
	"github.com/terraform-registry/scm-sync/internal/scm"
	"github.com/terraform-registry/scm-sync/internal/telemetry"
)

// LinkService creates and removes module-repository links. Creating a link
// registers a push webhook on the provider side; removing it deregisters
// the webhook, falling back to the orphan queue when the provider call
// fails so cleanup is retried later.
type LinkService struct {
	scmRepo    *repositories.SCMRepository
	moduleRepo *repositories.ModuleRepository
	tokens     *TokenStore
	connectors ConnectorSource

	// publicURL is the externally reachable base URL webhooks are
	// delivered to.
	publicURL string
}

// NewLinkService creates a link service
func NewLinkService(scmRepo *repositories.SCMRepository, moduleRepo *repositories.ModuleRepository, tokens *TokenStore, connectors ConnectorSource, publicURL string) *LinkService {
	return &LinkService{
		scmRepo:    scmRepo,
		moduleRepo: moduleRepo,
		tokens:     tokens,
		connectors: connectors,
		publicURL:  publicURL,
	}
}

// LinkRequest carries the parameters for linking a module to a repository.
type LinkRequest struct {
	ModuleID        uuid.UUID
	ProviderID      uuid.UUID
	RepositoryOwner string
	RepositoryName  string
	DefaultBranch   string
	ModulePath      string
	TagPattern      string
	AutoPublish     bool
	UserID          string
}

// Link connects a module to a repository and registers the push webhook.
// Returns scm.ErrAlreadyLinked when the module already has a link.
func (s *LinkService) Link(ctx context.Context, req *LinkRequest) (*scm.ModuleLink, error) {
	module, err := s.moduleRepo.GetModuleByID(ctx, req.ModuleID)
	if err != nil {
		return nil, err
	}
	if module == nil {
		return nil, fmt.Errorf("module %s not found", req.ModuleID)
	}

	// Refuse early when already linked; the DB unique constraint is the
	// real arbiter under races.
	existing, err := s.scmRepo.GetLinkByModule(ctx, req.ModuleID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, scm.ErrAlreadyLinked
	}

	provider, err := s.scmRepo.GetProvider(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, fmt.Errorf("provider %s not found", req.ProviderID)
	}
	if !provider.IsActive {
		return nil, fmt.Errorf("provider %s is disabled", provider.DisplayName)
	}

	rawSecret, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	secret := hex.EncodeToString(rawSecret)

	link := &scm.ModuleLink{
		ModuleID:        req.ModuleID,
		ProviderID:      req.ProviderID,
		RepositoryOwner: req.RepositoryOwner,
		RepositoryName:  req.RepositoryName,
		DefaultBranch:   defaultString(req.DefaultBranch, "main"),
		ModulePath:      req.ModulePath,
		TagPattern:      defaultString(req.TagPattern, "v*"),
		AutoPublish:     req.AutoPublish,
		WebhookSecret:   secret,
		CreatedBy:       &req.UserID,
	}
	if err := s.scmRepo.CreateLink(ctx, link); err != nil {
		return nil, err
	}

	// Register the provider webhook after the row exists so the callback
	// URL can carry the link ID. A registration failure rolls the link
	// back; a half-linked module with no webhook would silently never
	// sync.
	webhookID, err := s.registerWebhook(ctx, provider, link, req.UserID)
	if err != nil {
		if delErr := s.scmRepo.DeleteLink(ctx, link.ID); delErr != nil {
			slog.Error("failed to roll back link after webhook registration failure",
				"link_id", link.ID, "error", delErr)
		}
		return nil, fmt.Errorf("webhook registration failed: %w", err)
	}
	if webhookID != "" {
		if err := s.scmRepo.SetLinkWebhook(ctx, link.ID, &webhookID); err != nil {
			return nil, err
		}
		link.WebhookID = &webhookID
	}

	slog.Info("module linked to repository",
		"module_id", req.ModuleID,
		"repository", req.RepositoryOwner+"/"+req.RepositoryName,
		"webhook_id", webhookID,
	)
	return link, nil
}

func (s *LinkService) registerWebhook(ctx context.Context, provider *scm.ProviderConfig, link *scm.ModuleLink, userID string) (string, error) {
	connector, err := s.connectors.ForProvider(provider)
	if err != nil {
		return "", err
	}
	token, err := s.tokens.Get(ctx, provider, userID)
	if err != nil {
		return "", err
	}

	setup := scm.WebhookSetup{
		CallbackURL: fmt.Sprintf("%s/webhooks/scm/%s", s.publicURL, link.ID),
		Secret:      link.WebhookSecret,
		Events:      []string{"push"},
	}
	return connector.RegisterWebhook(ctx, token, link.RepositoryOwner, link.RepositoryName, setup)
}

// LinkUpdate carries the mutable link settings. Nil fields are unchanged;
// the repository identity cannot change, only relink can do that.
type LinkUpdate struct {
	DefaultBranch *string
	ModulePath    *string
	TagPattern    *string
	AutoPublish   *bool
}

// UpdateSettings changes a link's sync settings in place. The webhook stays
// as registered; only tag filtering and metadata resolution are affected.
func (s *LinkService) UpdateSettings(ctx context.Context, moduleID uuid.UUID, update *LinkUpdate) (*scm.ModuleLink, error) {
	link, err := s.scmRepo.GetLinkByModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, scm.ErrNotLinked
	}

	if update.DefaultBranch != nil && *update.DefaultBranch != "" {
		link.DefaultBranch = *update.DefaultBranch
	}
	if update.ModulePath != nil {
		link.ModulePath = *update.ModulePath
	}
	if update.TagPattern != nil && *update.TagPattern != "" {
		link.TagPattern = *update.TagPattern
	}
	if update.AutoPublish != nil {
		link.AutoPublish = *update.AutoPublish
	}

	if err := s.scmRepo.UpdateLinkSettings(ctx, link); err != nil {
		return nil, err
	}
	slog.Info("link settings updated", "module_id", moduleID, "tag_pattern", link.TagPattern)
	return link, nil
}

// Unlink removes a module's link and deregisters its provider webhook.
// The link row is always removed; a failed webhook deletion is queued as
// an orphan for the reconciler instead of blocking the unlink.
func (s *LinkService) Unlink(ctx context.Context, moduleID uuid.UUID, userID string) error {
	link, err := s.scmRepo.GetLinkByModule(ctx, moduleID)
	if err != nil {
		return err
	}
	if link == nil {
		return scm.ErrNotLinked
	}

	if link.WebhookID != nil {
		if err := s.removeWebhook(ctx, link, userID); err != nil {
			orphan := &scm.WebhookOrphan{
				ProviderID:      link.ProviderID,
				RepositoryOwner: link.RepositoryOwner,
				RepositoryName:  link.RepositoryName,
				WebhookID:       *link.WebhookID,
				TokenUserID:     userID,
			}
			msg := err.Error()
			orphan.LastError = &msg
			if qErr := s.scmRepo.CreateOrphan(ctx, orphan); qErr != nil {
				slog.Error("failed to queue orphaned webhook", "link_id", link.ID, "error", qErr)
			} else {
				slog.Warn("webhook removal failed, queued for retry",
					"link_id", link.ID, "webhook_id", *link.WebhookID, "error", err)
			}
		}
	}

	if err := s.scmRepo.DeleteLink(ctx, link.ID); err != nil {
		return err
	}
	slog.Info("module unlinked", "module_id", moduleID, "link_id", link.ID)
	return nil
}

func (s *LinkService) removeWebhook(ctx context.Context, link *scm.ModuleLink, userID string) error {
	provider, err := s.scmRepo.GetProvider(ctx, link.ProviderID)
	if err != nil {
		return err
	}
	if provider == nil {
		return fmt.Errorf("provider %s not found", link.ProviderID)
	}
	connector, err := s.connectors.ForProvider(provider)
	if err != nil {
		return err
	}
	token, err := s.tokens.Get(ctx, provider, userID)
	if err != nil {
		return err
	}

	err = connector.RemoveWebhook(ctx, token, link.RepositoryOwner, link.RepositoryName, *link.WebhookID)
	if errors.Is(err, scm.ErrWebhookNotFound) {
		// Already gone on the provider side; nothing to clean up.
		return nil
	}
	return err
}

// RefreshOrphanGauge updates the pending-orphans metric; called by the
// reconciler job after each pass.
func (s *LinkService) RefreshOrphanGauge(ctx context.Context) {
	if count, err := s.scmRepo.CountOrphans(ctx); err == nil {
		telemetry.OrphanedWebhooksPending.Set(float64(count))
	}
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
