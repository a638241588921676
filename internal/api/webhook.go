package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bobarin/beatreel/internal/apperr"
	"github.com/bobarin/beatreel/internal/models"
	"github.com/go-chi/chi/v5"
)

// Claimer deduplicates deliveries. ClaimOnce reports whether this caller
// is the first to see key within ttl.
type Claimer interface {
	ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

const webhookClaimTTL = 24 * time.Hour

var errProviderMismatch = errors.New("provider does not own project")

// webhookAck is always sent with 200 so providers never retry into a storm.
type webhookAck struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Applied   bool   `json:"applied,omitempty"`
	Error     string `json:"error,omitempty"`
}

func webhookKey(provider, projectID, status string) string {
	return fmt.Sprintf("webhook:%s:%s:%s", provider, projectID, status)
}

// Webhook handles POST /webhooks/{provider}. The campaign is resolved from
// the project id and must have been handed to the same provider. A (provider, project, status) triple is applied at
// most once: a Redis claim filters redeliveries and the campaign update
// itself is a compare-and-swap on the post-process status.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(chi.URLParam(r, "provider"))
	log := h.log.With("provider", provider)

	var p models.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		log.Warn("invalid webhook body", "error", err)
		respondJSON(w, http.StatusOK, webhookAck{Received: true, Error: "invalid body"})
		return
	}
	if p.ProjectID == "" || p.Status == "" {
		respondJSON(w, http.StatusOK, webhookAck{Received: true, Error: "projectId and status are required"})
		return
	}
	log = log.With("project_id", p.ProjectID, "status", p.Status)

	key := webhookKey(provider, p.ProjectID, p.Status)
	claimed, err := h.queue.ClaimOnce(r.Context(), key, webhookClaimTTL)
	if err != nil {
		// fall through to the status CAS, which still rejects replays
		log.Warn("webhook claim failed", "error", err)
		claimed = true
	}
	if !claimed {
		log.Info("duplicate webhook ignored")
		respondJSON(w, http.StatusOK, webhookAck{Received: true, Duplicate: true})
		return
	}

	applied, err := h.applyWebhook(r.Context(), provider, p)
	if err != nil {
		if errors.Is(err, errProviderMismatch) {
			log.Warn("webhook from a provider that does not own the project")
			respondJSON(w, http.StatusOK, webhookAck{Received: true, Error: "provider mismatch"})
			return
		}
		if apperr.IsNotFound(err) {
			log.Warn("webhook for unknown project")
			respondJSON(w, http.StatusOK, webhookAck{Received: true, Error: "unknown project"})
			return
		}
		// let a redelivery try again
		if rerr := h.queue.Release(r.Context(), key); rerr != nil {
			log.Warn("failed to release webhook claim", "error", rerr)
		}
		log.Error("failed to apply webhook", "error", err)
		respondJSON(w, http.StatusOK, webhookAck{Received: true, Error: "internal error"})
		return
	}

	if applied {
		log.Info("post-process result applied")
	}
	respondJSON(w, http.StatusOK, webhookAck{Received: true, Applied: applied, Duplicate: !applied})
}

func (h *Handler) applyWebhook(ctx context.Context, provider string, p models.WebhookPayload) (bool, error) {
	campaign, err := h.store.GetCampaignByPostProcessProject(ctx, p.ProjectID)
	if err != nil {
		return false, err
	}
	if campaign.PostProcessProvider == nil || !strings.EqualFold(*campaign.PostProcessProvider, provider) {
		return false, errProviderMismatch
	}

	var videoURL *string
	if p.VideoURL != "" {
		u := p.VideoURL
		videoURL = &u
	}
	return h.store.ApplyPostProcessResult(ctx, campaign.ID, strings.ToLower(p.Status), videoURL)
}
