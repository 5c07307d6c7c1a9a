package httpserver

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"notifyd/internal/domain"
	"notifyd/internal/observability"
	"notifyd/internal/providers/sendgrid"
	"notifyd/internal/store"
	"notifyd/internal/util"
)

const (
	signatureHeader = "X-Twilio-Email-Event-Webhook-Signature"
	timestampHeader = "X-Twilio-Email-Event-Webhook-Timestamp"
)

type WebhookStore interface {
	UpdateDeliveryLogByProviderMsgID(ctx context.Context, in store.DeliveryOutcomeUpdate) (bool, error)
}

// Webhook ingests the email provider's delivery-event callbacks and
// reconciles them against delivery log entries.
type Webhook struct {
	Store     WebhookStore
	PublicKey *ecdsa.PublicKey
}

type webhookResponse struct {
	Success   bool `json:"success"`
	Processed int  `json:"processed"`
	Failed    int  `json:"failed"`
}

func (h *Webhook) Register(m *mux.Router) {
	m.HandleFunc("/v1/webhooks/sendgrid/events", h.handleEvents).Methods(http.MethodPost)
}

func (h *Webhook) handleEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	// authenticity gate: nothing in the batch runs without a valid signature
	sig := r.Header.Get(signatureHeader)
	ts := r.Header.Get(timestampHeader)
	if sig == "" || ts == "" || !sendgrid.VerifyEventSignature(h.PublicKey, ts, body, sig) {
		http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		http.Error(w, ErrNotArray, http.StatusBadRequest)
		return
	}

	// from here each event sinks or swims on its own
	processed, failed := 0, 0
	for _, item := range raw {
		if h.processEvent(r.Context(), item) {
			processed++
		} else {
			failed++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(webhookResponse{Success: true, Processed: processed, Failed: failed})
}

func (h *Webhook) processEvent(ctx context.Context, item json.RawMessage) bool {
	var ev sendgrid.Event
	if err := json.Unmarshal(item, &ev); err != nil {
		slog.Warn("webhook event malformed", "err", err)
		return false
	}

	observability.WebhookEvents.WithLabelValues(ev.Event).Inc()

	switch {
	case ev.IsFailure():
		return h.reconcile(ctx, ev, domain.DeliveryFailed, true)
	case ev.IsDeliveryConfirmation():
		return h.reconcile(ctx, ev, domain.DeliveryDelivered, false)
	default:
		// open/click/processed/deferred and any event type the provider
		// grows later: informational, no state change
		return true
	}
}

func (h *Webhook) reconcile(ctx context.Context, ev sendgrid.Event, status domain.DeliveryStatus, failJob bool) bool {
	corrID := ev.CorrelationID()
	if corrID == "" {
		slog.Warn("webhook event missing correlation id", "event", ev.Event, "email", ev.Email)
		return false
	}

	errMsg := ""
	if failJob {
		errMsg = ev.Event
		if ev.Reason != "" {
			errMsg = ev.Event + ": " + ev.Reason
		}
	}

	matched, err := h.Store.UpdateDeliveryLogByProviderMsgID(ctx, store.DeliveryOutcomeUpdate{
		ProviderMsgID: corrID,
		Status:        status,
		ErrorMessage:  errMsg,
		FailJob:       failJob,
		Now:           util.NowUTC(),
	})
	if err != nil {
		slog.Error("webhook reconcile failed", "err", err, "provider_msg_id", corrID, "event", ev.Event)
		return false
	}
	if !matched {
		slog.Warn("webhook event unmatched", "provider_msg_id", corrID, "event", ev.Event)
		return false
	}
	return true
}
