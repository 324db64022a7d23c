package registry

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/finvera/webhookd/internal/models"
	"github.com/finvera/webhookd/internal/storage"
)

// Registry owns subscriber configurations: validation, secret issuance and
// rotation, soft deactivation. Webhooks are never hard-deleted; delivery
// history keeps referencing them.
type Registry struct {
	store         storage.Storage
	allowInsecure bool
	log           zerolog.Logger
}

func New(store storage.Storage, allowInsecure bool, log zerolog.Logger) *Registry {
	return &Registry{store: store, allowInsecure: allowInsecure, log: log}
}

type RegisterInput struct {
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Description string   `json:"description"`
	RateLimit   int      `json:"rate_limit"`
}

type UpdateInput struct {
	URL         *string  `json:"url,omitempty"`
	Events      []string `json:"events,omitempty"`
	Description *string  `json:"description,omitempty"`
	RateLimit   *int     `json:"rate_limit,omitempty"`
	Active      *bool    `json:"is_active,omitempty"`
}

// Register validates the subscription and persists it with a freshly
// generated secret. The secret is present on the returned webhook exactly
// once; it is stored but never listed again in full.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*models.Webhook, error) {
	if err := r.validateURL(in.URL); err != nil {
		return nil, err
	}
	if err := validateEvents(in.Events); err != nil {
		return nil, err
	}
	if in.RateLimit < 0 {
		return nil, models.NewValidationError("rate_limit", "must not be negative")
	}

	now := time.Now().UTC()
	wh := &models.Webhook{
		ID:          models.NewID("wh"),
		URL:         in.URL,
		Events:      in.Events,
		Secret:      models.NewSecret(),
		Description: in.Description,
		RateLimit:   in.RateLimit,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.store.CreateWebhook(ctx, wh); err != nil {
		return nil, err
	}

	r.log.Info().Str("webhook_id", wh.ID).Str("url", wh.URL).Strs("events", wh.Events).Msg("webhook registered")
	return wh, nil
}

// Update applies a partial update, re-validating any changed field.
func (r *Registry) Update(ctx context.Context, id string, in UpdateInput) (*models.Webhook, error) {
	wh, err := r.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.URL != nil {
		if err := r.validateURL(*in.URL); err != nil {
			return nil, err
		}
		wh.URL = *in.URL
	}
	if in.Events != nil {
		if err := validateEvents(in.Events); err != nil {
			return nil, err
		}
		wh.Events = in.Events
	}
	if in.Description != nil {
		wh.Description = *in.Description
	}
	if in.RateLimit != nil {
		if *in.RateLimit < 0 {
			return nil, models.NewValidationError("rate_limit", "must not be negative")
		}
		wh.RateLimit = *in.RateLimit
	}
	if in.Active != nil {
		wh.Active = *in.Active
	}

	if err := r.store.UpdateWebhook(ctx, wh); err != nil {
		return nil, err
	}

	wh.Redact()
	return wh, nil
}

// Deactivate is idempotent. In-flight claimed deliveries finish; nothing
// new is enqueued or retried for the webhook afterwards.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	if err := r.store.DeactivateWebhook(ctx, id); err != nil {
		return err
	}
	r.log.Info().Str("webhook_id", id).Msg("webhook deactivated")
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Webhook, error) {
	wh, err := r.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	wh.Redact()
	return wh, nil
}

func (r *Registry) List(ctx context.Context, filter storage.WebhookFilter) ([]models.Webhook, error) {
	webhooks, err := r.store.ListWebhooks(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range webhooks {
		webhooks[i].Redact()
	}
	return webhooks, nil
}

// RotateSecret swaps the signing secret immediately and returns the new one
// in plaintext, once. Deliveries already signed with the old secret are
// unaffected; future attempts sign with the new one.
func (r *Registry) RotateSecret(ctx context.Context, id string) (string, error) {
	if _, err := r.store.GetWebhook(ctx, id); err != nil {
		return "", err
	}

	secret := models.NewSecret()
	if err := r.store.UpdateWebhookSecret(ctx, id, secret); err != nil {
		return "", err
	}

	r.log.Info().Str("webhook_id", id).Msg("webhook secret rotated")
	return secret, nil
}

func (r *Registry) validateURL(raw string) error {
	if raw == "" {
		return models.NewValidationError("url", "is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return models.NewValidationError("url", "must be an absolute URL")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !r.allowInsecure {
			return models.NewValidationError("url", "must use https")
		}
	default:
		return models.NewValidationError("url", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	return nil
}

func validateEvents(events []string) error {
	if len(events) == 0 {
		return models.NewValidationError("events", "must not be empty")
	}
	for _, e := range events {
		if !models.ValidEventType(e) {
			return models.NewValidationError("events", fmt.Sprintf("unknown event type %q", e))
		}
	}
	return nil
}
