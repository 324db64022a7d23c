package models

import (
	"encoding/json"
	"time"
)

type DeliveryStatus string

const (
	StatusPending        DeliveryStatus = "pending"
	StatusDelivering     DeliveryStatus = "delivering"
	StatusDelivered      DeliveryStatus = "delivered"
	StatusRetryScheduled DeliveryStatus = "retry_scheduled"
	StatusDeadLetter     DeliveryStatus = "dead_letter"
)

// Terminal reports whether a status can never transition again on its own.
// Dead-lettered deliveries can still be re-armed by an explicit admin retry.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusDeadLetter
}

// DeliveryEvent is one attempt-tracked obligation to deliver a domain event
// to a single webhook. Payload is immutable after creation. MaxAttempts is
// per-record so a manual re-arm can grant a fresh automatic budget without
// erasing attempt history.
type DeliveryEvent struct {
	ID             string          `json:"id"`
	WebhookID      string          `json:"webhook_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts"`
	LastStatusCode *int            `json:"last_status_code,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	DeliveredAt    *time.Time      `json:"delivered_at,omitempty"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// DeliveryAttempt is the audit record for a single outbound HTTP call.
type DeliveryAttempt struct {
	ID            string    `json:"id"`
	EventID       string    `json:"event_id"`
	AttemptNumber int       `json:"attempt_number"`
	StatusCode    int       `json:"status_code"`
	ResponseBody  string    `json:"response_body,omitempty"`
	LatencyMs     int64     `json:"latency_ms"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SamplePayload returns the fixed payload used by synthetic test deliveries.
func SamplePayload(eventType string) json.RawMessage {
	switch eventType {
	case EventPaymentSuccess:
		return json.RawMessage(`{"payment_id":"pay_sample","amount":1250,"currency":"USD","status":"succeeded"}`)
	case EventPaymentFailed:
		return json.RawMessage(`{"payment_id":"pay_sample","amount":1250,"currency":"USD","status":"failed","failure_reason":"card_declined"}`)
	case EventUserCreated:
		return json.RawMessage(`{"user_id":"usr_sample","email":"sample@example.com"}`)
	case EventTransactionCompleted:
		return json.RawMessage(`{"transaction_id":"txn_sample","amount":1250,"currency":"USD"}`)
	default:
		return json.RawMessage(`{"sample":true}`)
	}
}
