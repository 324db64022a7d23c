package models

import "time"

// Event catalog. The dispatcher rejects anything outside this set.
const (
	EventPaymentSuccess       = "payment.success"
	EventPaymentFailed        = "payment.failed"
	EventUserCreated          = "user.created"
	EventTransactionCompleted = "transaction.completed"
)

var EventCatalog = []string{
	EventPaymentSuccess,
	EventPaymentFailed,
	EventUserCreated,
	EventTransactionCompleted,
}

func ValidEventType(eventType string) bool {
	for _, e := range EventCatalog {
		if e == eventType {
			return true
		}
	}
	return false
}

// Webhook is a subscriber-registered endpoint plus the event types it
// wants to receive. Secret is only serialized on create and rotate
// responses; everywhere else it is blanked before writing.
type Webhook struct {
	ID            string     `json:"id"`
	URL           string     `json:"url"`
	Events        []string   `json:"events"`
	Secret        string     `json:"secret,omitempty"`
	Description   string     `json:"description,omitempty"`
	RateLimit     int        `json:"rate_limit,omitempty"`
	Active        bool       `json:"is_active"`
	SuccessCount  int64      `json:"success_count"`
	FailureCount  int64      `json:"failure_count"`
	LastTriggered *time.Time `json:"last_triggered,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (w *Webhook) SubscribedTo(eventType string) bool {
	for _, e := range w.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Redact strips the signing secret before the webhook leaves the admin API.
func (w *Webhook) Redact() {
	w.Secret = ""
}
