package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/finvera/webhookd/internal/dispatch"
	"github.com/finvera/webhookd/internal/models"
	"github.com/finvera/webhookd/internal/storage"
)

type EventHandler struct {
	store       storage.Storage
	dispatcher  *dispatch.Dispatcher
	maxAttempts int
}

func NewEventHandler(store storage.Storage, d *dispatch.Dispatcher, maxAttempts int) *EventHandler {
	return &EventHandler{store: store, dispatcher: d, maxAttempts: maxAttempts}
}

// eventFilterFromQuery builds the typed filter; these query parameters are
// the full supported set.
func eventFilterFromQuery(r *http.Request) (storage.EventFilter, error) {
	q := r.URL.Query()
	filter := storage.EventFilter{
		Status:    models.DeliveryStatus(q.Get("status")),
		EventType: q.Get("event_type"),
	}

	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, models.NewValidationError("from", "must be RFC 3339")
		}
		filter.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, models.NewValidationError("to", "must be RFC 3339")
		}
		filter.To = t
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	return filter, nil
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilterFromQuery(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	filter.WebhookID = r.URL.Query().Get("webhook_id")

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

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ev, err := h.store.GetDeliveryEvent(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	attempts, err := h.store.ListAttempts(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if attempts == nil {
		attempts = []models.DeliveryAttempt{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event":    ev,
		"attempts": attempts,
	})
}

// Retry re-arms a dead-lettered delivery. Attempt history is preserved; the
// record just gets a fresh automatic budget and goes back to pending.
func (h *EventHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.RearmDelivery(r.Context(), id, h.maxAttempts); err != nil {
		writeDomainError(w, err)
		return
	}

	ev, err := h.store.GetDeliveryEvent(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type ingestRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

const maxIngestPayload = 256 * 1024 // 256KB

// Ingest accepts an already-decided domain event fact from a platform
// service and fans it out. The response never waits on delivery.
func (h *EventHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxIngestPayload)
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_type is required")
		return
	}

	created, err := h.dispatcher.Dispatch(r.Context(), req.EventType, req.Payload)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"event_type": req.EventType,
		"deliveries": created,
	})
}
