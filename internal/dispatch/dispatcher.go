package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/finvera/webhookd/internal/metrics"
	"github.com/finvera/webhookd/internal/models"
	"github.com/finvera/webhookd/internal/storage"
)

// Dispatcher turns an already-decided domain event fact into one pending
// delivery record per matching active webhook. It never blocks on delivery:
// records are persisted and the pool is nudged, nothing more.
type Dispatcher struct {
	store       storage.Storage
	maxAttempts int
	metrics     *metrics.Metrics
	log         zerolog.Logger
	wake        chan struct{}
}

func New(store storage.Storage, maxAttempts int, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		maxAttempts: maxAttempts,
		metrics:     m,
		log:         log,
		wake:        make(chan struct{}, 1),
	}
}

// Wake is consumed by the delivery pool to pick up fresh dispatches without
// waiting for the next poll tick.
func (d *Dispatcher) Wake() <-chan struct{} {
	return d.wake
}

// Dispatch fans the event out to every active webhook subscribed to its
// type and returns how many delivery records were created. Zero matches is
// a no-op, not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload json.RawMessage) (int, error) {
	if !models.ValidEventType(eventType) {
		return 0, models.NewValidationError("event_type", "not in the event catalog")
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	active := true
	webhooks, err := d.store.ListWebhooks(ctx, storage.WebhookFilter{Active: &active, Event: eventType})
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	created := 0
	for _, wh := range webhooks {
		ev := &models.DeliveryEvent{
			ID:          models.NewID("evt"),
			WebhookID:   wh.ID,
			EventType:   eventType,
			Payload:     payload,
			Status:      models.StatusPending,
			MaxAttempts: d.maxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := d.store.CreateDeliveryEvent(ctx, ev); err != nil {
			return created, err
		}
		created++
	}

	if d.metrics != nil {
		d.metrics.DispatchedEvents.WithLabelValues(eventType).Inc()
	}

	d.log.Debug().
		Str("event_type", eventType).
		Int("deliveries", created).
		Msg("event dispatched")

	if created > 0 {
		select {
		case d.wake <- struct{}{}:
		default: // pool already signaled
		}
	}

	return created, nil
}
