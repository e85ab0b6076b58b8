package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"

	"membersync/internal/engine/normalize"
	"membersync/internal/engine/queue"
	"membersync/internal/engine/signature"
	apierrors "membersync/internal/pkg/errors"
	"membersync/internal/pkg/logger"
	"membersync/internal/platform/metrics"
	"membersync/internal/platform/sites"
)

const maxWebhookBody = 1 << 20 // 1 MiB

// WebhookHandler is the ingestion hot path: verify, normalize, enqueue.
// The only blocking call is the queue write; the Sink is never contacted
// here.
type WebhookHandler struct {
	registry *sites.Registry
	queue    *queue.Queue
	counters *metrics.Registry
}

func NewWebhookHandler(registry *sites.Registry, q *queue.Queue, counters *metrics.Registry) *WebhookHandler {
	return &WebhookHandler{registry: registry, queue: q, counters: counters}
}

func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	siteID := ps.ByName("site_id")
	site, ok := h.registry.Get(siteID)
	if !ok {
		apierrors.WriteError(w, http.StatusNotFound, apierrors.ErrCodeNotFound, "Unknown site", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		apierrors.WriteError(w, http.StatusBadRequest, apierrors.ErrCodeInvalidInput, "Failed to read request body", nil)
		return
	}

	if !signature.Verify(site.WebhookSecret, body, r.Header.Get("X-Ghost-Signature")) {
		log.Warn().Str("site_id", siteID).Msg("webhook signature rejected")
		apierrors.WriteError(w, http.StatusUnauthorized, apierrors.ErrCodeUnauthorized, "Invalid webhook signature", nil)
		return
	}

	event, err := normalize.Event(siteID, r.URL.Query().Get("event"), body)
	if err != nil {
		var verr *normalize.ValidationError
		if errors.As(err, &verr) {
			code := apierrors.ErrCodeInvalidInput
			if verr.Reason == "unknown event type" {
				code = apierrors.ErrCodeUnknownEventType
			}
			apierrors.WriteError(w, http.StatusBadRequest, code, verr.Reason, nil)
			return
		}
		apierrors.WriteError(w, http.StatusInternalServerError, apierrors.ErrCodeInternal, "Failed to normalize event", nil)
		return
	}

	item, enqueued, err := h.queue.Enqueue(r.Context(), event)
	if err != nil {
		log.Error().Err(err).Str("site_id", siteID).Msg("enqueue failed")
		apierrors.WriteError(w, http.StatusInternalServerError, apierrors.ErrCodeInternal, "Failed to queue event", nil)
		return
	}

	resp := struct {
		Status    string `json:"status"`
		EventType string `json:"event_type"`
		EventID   string `json:"event_id,omitempty"`
	}{EventType: event.EventType}

	if enqueued {
		h.counters.Inc(r.Context(), siteID, metrics.Enqueued)
		resp.Status = "accepted"
		resp.EventID = item.Event.EventID
		log.Info().
			Str("site_id", siteID).
			Str("event_type", event.EventType).
			Str("event_id", event.EventID).
			Str("email_hash", logger.HashEmail(event.Email)).
			Msg("webhook accepted")
	} else {
		// Duplicate redelivery of an event already queued or just
		// processed: acknowledged but not queued again.
		resp.Status = "duplicate"
		log.Debug().
			Str("site_id", siteID).
			Str("event_type", event.EventType).
			Msg("duplicate webhook coalesced")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}
