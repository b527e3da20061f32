// Package webhooks receives push deliveries from SCM platforms. A delivery
// is authenticated by the provider's signature scheme against the link's
// webhook secret, persisted as a pending event, and handed to the sync
// orchestrator asynchronously; the response is always 202 for accepted
// deliveries regardless of what processing later decides.
package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/terraform-registry/scm-sync/internal/db/repositories"
	"github.com/terraform-registry/scm-sync/internal/safego"
	"github.com/terraform-registry/scm-sync/internal/scm"
	"github.com/terraform-registry/scm-sync/internal/services"
	"github.com/terraform-registry/scm-sync/internal/telemetry"
)

// maxPayloadBytes caps webhook bodies; platform push payloads are far
// smaller than this.
const maxPayloadBytes = 1 << 20

// SCMWebhookHandler ingests webhook deliveries addressed to a link.
type SCMWebhookHandler struct {
	scmRepo      *repositories.SCMRepository
	connectors   *services.ConnectorFactory
	orchestrator *services.SyncOrchestrator
}

// NewSCMWebhookHandler creates the webhook ingestion handler
func NewSCMWebhookHandler(scmRepo *repositories.SCMRepository, connectors *services.ConnectorFactory, orchestrator *services.SyncOrchestrator) *SCMWebhookHandler {
	return &SCMWebhookHandler{
		scmRepo:      scmRepo,
		connectors:   connectors,
		orchestrator: orchestrator,
	}
}

// HandleWebhook processes one delivery.
// POST /webhooks/scm/:link_id
//
// This route carries no bearer auth; the signature check against the
// link's stored secret is the authentication.
func (h *SCMWebhookHandler) HandleWebhook(c *gin.Context) {
	linkID, err := uuid.Parse(c.Param("link_id"))
	if err != nil {
		telemetry.WebhookEventsTotal.WithLabelValues("unknown", "unknown_link").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown link"})
		return
	}

	link, err := h.scmRepo.GetLink(c.Request.Context(), linkID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load link"})
		return
	}
	if link == nil {
		// Same response as a bad UUID so probes cannot distinguish
		// deleted links from never-existing ones.
		telemetry.WebhookEventsTotal.WithLabelValues("unknown", "unknown_link").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown link"})
		return
	}

	provider, err := h.scmRepo.GetProvider(c.Request.Context(), link.ProviderID)
	if err != nil || provider == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "provider unavailable"})
		return
	}
	kind := string(provider.Kind)

	connector, err := h.connectors.ForProvider(provider)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "provider unavailable"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes+1))
	if err != nil || len(body) > maxPayloadBytes {
		telemetry.WebhookEventsTotal.WithLabelValues(kind, "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}

	verifier := connector.Verifier()
	if err := verifier.Verify(link.WebhookSecret, body, c.GetHeader(verifier.Header())); err != nil {
		telemetry.WebhookEventsTotal.WithLabelValues(kind, "invalid_signature").Inc()
		slog.Warn("webhook signature verification failed",
			"link_id", linkID, "provider", kind, "error", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	event, err := connector.ParseEvent(c.Request.Header, body)
	if err != nil {
		telemetry.WebhookEventsTotal.WithLabelValues(kind, "malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unparseable payload"})
		return
	}

	if event.Type == scm.EventPing {
		telemetry.WebhookEventsTotal.WithLabelValues(kind, "ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
		return
	}

	record, err := h.persistEvent(c, link, event, body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
		return
	}
	telemetry.WebhookEventsTotal.WithLabelValues(kind, "accepted").Inc()

	// Processing happens off the request; the delivery timeout on the
	// provider side is short and publishing can take much longer.
	eventID := record.ID
	safego.Go(func() {
		h.orchestrator.ProcessEvent(context.Background(), eventID)
	})

	c.JSON(http.StatusAccepted, gin.H{
		"event_id": record.ID,
		"state":    record.State,
	})
}

// persistEvent writes the pending event row with the verbatim payload and
// headers for replay and debugging.
func (h *SCMWebhookHandler) persistEvent(c *gin.Context, link *scm.ModuleLink, event *scm.Event, body []byte) (*scm.WebhookEvent, error) {
	headersJSON, err := json.Marshal(c.Request.Header)
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		// Form-encoded payloads (Bitbucket test deliveries) are stored
		// as a JSON string instead of raw bytes.
		if body, err = json.Marshal(string(body)); err != nil {
			return nil, err
		}
	}

	record := &scm.WebhookEvent{
		LinkID:    link.ID,
		EventType: string(event.Type),
		State:     scm.EventPending,
		Payload:   body,
		Headers:   headersJSON,
	}
	if event.DeliveryID != "" {
		record.DeliveryID = &event.DeliveryID
	}
	if event.RefName != "" {
		record.RefName = &event.RefName
	}
	if event.CommitSHA != "" && !event.Deleted {
		record.CommitSHA = &event.CommitSHA
	}

	if err := h.scmRepo.CreateWebhookEvent(c.Request.Context(), record); err != nil {
		return nil, err
	}
	return record, nil
}
