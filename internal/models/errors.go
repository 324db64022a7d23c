package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound wraps lookups for unknown webhook or delivery IDs.
	ErrNotFound = errors.New("not found")

	// ErrExhausted marks a delivery that ran out of automatic attempts.
	ErrExhausted = errors.New("delivery attempts exhausted")

	// ErrSigning marks a webhook whose secret is missing or unusable.
	// Deliveries hitting it dead-letter immediately without consuming
	// retry attempts.
	ErrSigning = errors.New("signing secret unavailable")
)

// ValidationError rejects bad registration or update input synchronously;
// nothing carrying one is ever enqueued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// DeliveryError describes a failed outbound attempt: a non-2xx response,
// a timeout, or a connection error. It is recovered via scheduled retries
// and never surfaced to the caller of dispatch.
type DeliveryError struct {
	StatusCode int
	Message    string
}

func (e *DeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("delivery failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("delivery failed: %s", e.Message)
}
