package delivery

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/finvera/webhookd/internal/metrics"
	"github.com/finvera/webhookd/internal/models"
	"github.com/finvera/webhookd/internal/storage"
)

// StreamChannel is the pub-sub channel delivery outcomes are broadcast on.
const StreamChannel = "deliveries"

// Publisher pushes delivery outcomes to live admin subscribers. A nil
// publisher disables streaming.
type Publisher interface {
	Publish(channel string, v interface{})
}

// OutcomeEvent is what lands on the stream after every attempt.
type OutcomeEvent struct {
	EventID    string                `json:"event_id"`
	WebhookID  string                `json:"webhook_id"`
	EventType  string                `json:"event_type"`
	Status     models.DeliveryStatus `json:"status"`
	Attempt    int                   `json:"attempt"`
	StatusCode int                   `json:"status_code,omitempty"`
	Error      string                `json:"error,omitempty"`
	LatencyMs  int64                 `json:"latency_ms"`
}

type Worker struct {
	store    storage.Storage
	sender   *Sender
	backoff  *Backoff
	limiters *limiterRegistry
	metrics  *metrics.Metrics
	pub      Publisher
	log      zerolog.Logger
}

func NewWorker(store storage.Storage, sender *Sender, backoff *Backoff, m *metrics.Metrics, pub Publisher, log zerolog.Logger) *Worker {
	return &Worker{
		store:    store,
		sender:   sender,
		backoff:  backoff,
		limiters: newLimiterRegistry(),
		metrics:  m,
		pub:      pub,
		log:      log,
	}
}

// Process performs exactly one delivery attempt for a claimed event and
// records the outcome. Retrying is never done in-call; failures are handed
// back to the scheduler via retry_scheduled.
func (w *Worker) Process(ctx context.Context, ev models.DeliveryEvent) {
	wh, err := w.store.GetWebhook(ctx, ev.WebhookID)
	if err != nil {
		w.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to load webhook for delivery")
		if relErr := w.store.ReleaseDelivery(ctx, ev.ID); relErr != nil {
			w.log.Error().Err(relErr).Str("event_id", ev.ID).Msg("failed to release claim")
		}
		return
	}

	// Deactivation after claim: hand the claim back untouched.
	if !wh.Active {
		w.log.Info().Str("event_id", ev.ID).Str("webhook_id", wh.ID).Msg("webhook deactivated, releasing claim")
		if err := w.store.ReleaseDelivery(ctx, ev.ID); err != nil {
			w.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to release claim")
		}
		return
	}

	// A missing secret is fatal for the webhook, not retryable: straight to
	// dead_letter without consuming an attempt.
	if wh.Secret == "" {
		w.log.Error().Str("event_id", ev.ID).Str("webhook_id", wh.ID).Msg("signing secret missing, dead-lettering")
		if err := w.store.MarkDeadLetter(ctx, ev.ID, ev.AttemptCount, nil, models.ErrSigning.Error()); err != nil {
			w.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to dead-letter delivery")
		}
		w.countAttempt("signing_error")
		w.countTerminal(models.StatusDeadLetter)
		w.publish(OutcomeEvent{
			EventID:   ev.ID,
			WebhookID: wh.ID,
			EventType: ev.EventType,
			Status:    models.StatusDeadLetter,
			Attempt:   ev.AttemptCount,
			Error:     models.ErrSigning.Error(),
		})
		return
	}

	if err := w.limiters.Wait(ctx, wh.ID, wh.RateLimit); err != nil {
		// Shutdown mid-wait: release so the next cycle picks it up.
		if relErr := w.store.ReleaseDelivery(ctx, ev.ID); relErr != nil {
			w.log.Error().Err(relErr).Str("event_id", ev.ID).Msg("failed to release claim")
		}
		return
	}

	now := time.Now().UTC()
	env := Envelope{
		EventType: ev.EventType,
		EventID:   ev.ID,
		Timestamp: now.Unix(),
		Data:      ev.Payload,
	}

	result := w.sender.Send(ctx, wh.URL, wh.Secret, env)
	attempt := ev.AttemptCount + 1

	w.recordAttempt(ctx, ev.ID, attempt, result)

	outcome := OutcomeEvent{
		EventID:    ev.ID,
		WebhookID:  wh.ID,
		EventType:  ev.EventType,
		Attempt:    attempt,
		StatusCode: result.StatusCode,
		Error:      result.Error,
		LatencyMs:  result.LatencyMs,
	}

	switch {
	case result.Success():
		if err := w.store.MarkDelivered(ctx, ev.ID, now, result.StatusCode); err != nil {
			w.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to mark delivered")
		}
		w.countAttempt("delivered")
		w.countTerminal(models.StatusDelivered)
		outcome.Status = models.StatusDelivered
		w.log.Info().
			Str("event_id", ev.ID).
			Str("webhook_id", wh.ID).
			Int("status_code", result.StatusCode).
			Int64("latency_ms", result.LatencyMs).
			Msg("delivery succeeded")

	case attempt >= ev.MaxAttempts:
		if err := w.store.MarkDeadLetter(ctx, ev.ID, attempt, statusCodePtr(result), errorText(result)); err != nil {
			w.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to dead-letter delivery")
		}
		w.countAttempt("failed")
		w.countTerminal(models.StatusDeadLetter)
		outcome.Status = models.StatusDeadLetter
		w.log.Warn().
			Str("event_id", ev.ID).
			Str("webhook_id", wh.ID).
			Int("attempts", attempt).
			Str("error", errorText(result)).
			Msg("delivery exhausted, dead-lettered")

	default:
		nextAt := w.backoff.NextAttemptAt(now, attempt)
		if err := w.store.ScheduleRetry(ctx, ev.ID, attempt, statusCodePtr(result), errorText(result), nextAt); err != nil {
			w.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to schedule retry")
		}
		w.countAttempt("failed")
		outcome.Status = models.StatusRetryScheduled
		w.log.Info().
			Str("event_id", ev.ID).
			Str("webhook_id", wh.ID).
			Int("attempt", attempt).
			Time("next_attempt", nextAt).
			Msg("delivery scheduled for retry")
	}

	if err := w.store.RecordWebhookOutcome(ctx, wh.ID, result.Success(), now); err != nil {
		w.log.Error().Err(err).Str("webhook_id", wh.ID).Msg("failed to update webhook counters")
	}

	if w.metrics != nil {
		w.metrics.Latency.WithLabelValues(ev.EventType).Observe(float64(result.LatencyMs))
	}
	w.publish(outcome)
}

// Test synthesizes a delivery event with a fixed sample payload and drives
// it through the normal attempt path synchronously, bypassing dispatch
// matching. It lets operators validate reachability and signature
// verification without a real domain event.
func (w *Worker) Test(ctx context.Context, webhookID, eventType string) (*models.DeliveryEvent, error) {
	if !models.ValidEventType(eventType) {
		return nil, models.NewValidationError("event_type", "not in the event catalog")
	}
	if _, err := w.store.GetWebhook(ctx, webhookID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ev := &models.DeliveryEvent{
		ID:           models.NewID("evt"),
		WebhookID:    webhookID,
		EventType:    eventType,
		Payload:      models.SamplePayload(eventType),
		Status:       models.StatusDelivering, // claimed at birth
		AttemptCount: 0,
		MaxAttempts:  1, // a test gets one shot, no automatic retries
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := w.store.CreateDeliveryEvent(ctx, ev); err != nil {
		return nil, err
	}

	w.Process(ctx, *ev)

	return w.store.GetDeliveryEvent(ctx, ev.ID)
}

func (w *Worker) recordAttempt(ctx context.Context, eventID string, attempt int, result *SendResult) {
	a := &models.DeliveryAttempt{
		ID:            models.NewID("att"),
		EventID:       eventID,
		AttemptNumber: attempt,
		StatusCode:    result.StatusCode,
		ResponseBody:  result.ResponseBody,
		LatencyMs:     result.LatencyMs,
		Error:         result.Error,
		CreatedAt:     time.Now().UTC(),
	}
	if err := w.store.CreateAttempt(ctx, a); err != nil {
		w.log.Error().Err(err).Str("event_id", eventID).Msg("failed to record attempt")
	}
}

func (w *Worker) countAttempt(outcome string) {
	if w.metrics != nil {
		w.metrics.Attempts.WithLabelValues(outcome).Inc()
	}
}

func (w *Worker) countTerminal(status models.DeliveryStatus) {
	if w.metrics != nil {
		w.metrics.Deliveries.WithLabelValues(string(status)).Inc()
	}
}

func (w *Worker) publish(o OutcomeEvent) {
	if w.pub != nil {
		w.pub.Publish(StreamChannel, o)
	}
}

func statusCodePtr(r *SendResult) *int {
	if r.StatusCode == 0 {
		return nil
	}
	c := r.StatusCode
	return &c
}

func errorText(r *SendResult) string {
	if r.Error != "" {
		return r.Error
	}
	return (&models.DeliveryError{StatusCode: r.StatusCode}).Error()
}
