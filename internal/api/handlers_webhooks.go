package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/finvera/webhookd/internal/delivery"
	"github.com/finvera/webhookd/internal/models"
	"github.com/finvera/webhookd/internal/registry"
	"github.com/finvera/webhookd/internal/storage"
)

type WebhookHandler struct {
	registry *registry.Registry
	worker   *delivery.Worker
	store    storage.Storage
}

func NewWebhookHandler(reg *registry.Registry, worker *delivery.Worker, store storage.Storage) *WebhookHandler {
	return &WebhookHandler{registry: reg, worker: worker, store: store}
}

// Create registers a subscription. The response is the only place the
// signing secret appears in full.
func (h *WebhookHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in registry.RegisterInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wh, err := h.registry.Register(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, wh)
}

func (h *WebhookHandler) Get(w http.ResponseWriter, r *http.Request) {
	wh, err := h.registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

func (h *WebhookHandler) List(w http.ResponseWriter, r *http.Request) {
	var filter storage.WebhookFilter
	if v := r.URL.Query().Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active must be a boolean")
			return
		}
		filter.Active = &active
	}
	filter.Event = r.URL.Query().Get("event")

	webhooks, err := h.registry.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if webhooks == nil {
		webhooks = []models.Webhook{}
	}
	writeJSON(w, http.StatusOK, webhooks)
}

func (h *WebhookHandler) Update(w http.ResponseWriter, r *http.Request) {
	var in registry.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wh, err := h.registry.Update(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wh)
}

// Delete soft-deactivates: delivery history keeps referencing the webhook,
// so nothing is ever hard-deleted here.
func (h *WebhookHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *WebhookHandler) RotateSecret(w http.ResponseWriter, r *http.Request) {
	secret, err := h.registry.RotateSecret(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret})
}

type testRequest struct {
	EventType string `json:"event_type"`
}

// Test fires a synthetic delivery through the normal worker path so an
// operator can validate reachability and signature verification.
func (h *WebhookHandler) Test(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		req.EventType = models.EventPaymentSuccess
	}

	ev, err := h.worker.Test(r.Context(), chi.URLParam(r, "id"), req.EventType)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *WebhookHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.registry.Get(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}

	filter, err := eventFilterFromQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	filter.WebhookID = id

	events, err := h.store.ListDeliveryEvents(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if events == nil {
		events = []models.DeliveryEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *WebhookHandler) Stats(w http.ResponseWriter, r *http.Request) {
	webhookID := r.URL.Query().Get("webhook_id")
	if webhookID != "" {
		if _, err := h.registry.Get(r.Context(), webhookID); err != nil {
			writeDomainError(w, err)
			return
		}
	}

	stats, err := h.store.GetStats(r.Context(), webhookID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
