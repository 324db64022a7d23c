package storage

import (
	"context"
	"time"

	"github.com/finvera/webhookd/internal/models"
)

// WebhookFilter narrows webhook listings. Nil/zero fields match everything.
type WebhookFilter struct {
	Active *bool
	Event  string
}

// EventFilter narrows delivery history queries. The fields here are the
// complete set of supported filters; there is no open-ended filter payload.
type EventFilter struct {
	WebhookID string
	Status    models.DeliveryStatus
	EventType string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

type Stats struct {
	Total        int64   `json:"total"`
	Delivered    int64   `json:"delivered"`
	Failed       int64   `json:"failed"`
	DeadLetter   int64   `json:"dead_letter"`
	Pending      int64   `json:"pending"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

type Storage interface {
	// Webhooks
	CreateWebhook(ctx context.Context, wh *models.Webhook) error
	GetWebhook(ctx context.Context, id string) (*models.Webhook, error)
	ListWebhooks(ctx context.Context, filter WebhookFilter) ([]models.Webhook, error)
	UpdateWebhook(ctx context.Context, wh *models.Webhook) error
	DeactivateWebhook(ctx context.Context, id string) error
	UpdateWebhookSecret(ctx context.Context, id, secret string) error
	RecordWebhookOutcome(ctx context.Context, id string, success bool, at time.Time) error

	// Delivery events
	CreateDeliveryEvent(ctx context.Context, ev *models.DeliveryEvent) error
	GetDeliveryEvent(ctx context.Context, id string) (*models.DeliveryEvent, error)
	ListDeliveryEvents(ctx context.Context, filter EventFilter) ([]models.DeliveryEvent, error)

	// ClaimDueDeliveries atomically transitions up to limit due deliveries
	// (pending or retry_scheduled with next_attempt_at <= now, belonging to
	// active webhooks) to delivering and returns them. A claimed delivery
	// is owned by exactly one worker.
	ClaimDueDeliveries(ctx context.Context, limit int, now time.Time) ([]models.DeliveryEvent, error)
	// ReleaseDelivery hands a claimed delivery back without consuming an
	// attempt, e.g. when the webhook was deactivated after claiming.
	ReleaseDelivery(ctx context.Context, id string) error
	MarkDelivered(ctx context.Context, id string, at time.Time, statusCode int) error
	ScheduleRetry(ctx context.Context, id string, attemptCount int, statusCode *int, lastError string, nextAt time.Time) error
	MarkDeadLetter(ctx context.Context, id string, attemptCount int, statusCode *int, lastError string) error
	// RearmDelivery moves a dead_letter delivery back to pending, keeping
	// attempt_count and raising max_attempts by extraAttempts.
	RearmDelivery(ctx context.Context, id string, extraAttempts int) error

	// Attempt audit trail
	CreateAttempt(ctx context.Context, a *models.DeliveryAttempt) error
	ListAttempts(ctx context.Context, eventID string) ([]models.DeliveryAttempt, error)

	// Stats and maintenance
	GetStats(ctx context.Context, webhookID string) (*Stats, error)
	CountDue(ctx context.Context, now time.Time) (int64, error)
	PurgeTerminalEvents(ctx context.Context, olderThan time.Time) (int64, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
