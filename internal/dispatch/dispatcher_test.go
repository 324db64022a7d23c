package dispatch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvera/webhookd/internal/metrics"
	"github.com/finvera/webhookd/internal/models"
	"github.com/finvera/webhookd/internal/storage"
)

func newTestStore(t *testing.T) storage.Storage {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func seedWebhook(t *testing.T, store storage.Storage, events []string, active bool) *models.Webhook {
	t.Helper()
	now := time.Now().UTC()
	wh := &models.Webhook{
		ID:        models.NewID("wh"),
		URL:       "https://example.com/hooks",
		Events:    events,
		Secret:    models.NewSecret(),
		Active:    active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.CreateWebhook(context.Background(), wh))
	return wh
}

func TestDispatchCreatesOneDeliveryPerMatchingWebhook(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	matching := seedWebhook(t, store, []string{models.EventPaymentSuccess, models.EventUserCreated}, true)
	alsoMatching := seedWebhook(t, store, []string{models.EventPaymentSuccess}, true)
	otherEvent := seedWebhook(t, store, []string{models.EventPaymentFailed}, true)
	inactive := seedWebhook(t, store, []string{models.EventPaymentSuccess}, false)
	require.NoError(t, store.DeactivateWebhook(ctx, inactive.ID))

	d := New(store, 5, metrics.New(), zerolog.Nop())

	payload := json.RawMessage(`{"payment_id":"pay_42","amount":1999}`)
	created, err := d.Dispatch(ctx, models.EventPaymentSuccess, payload)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	for _, wh := range []*models.Webhook{matching, alsoMatching} {
		events, err := store.ListDeliveryEvents(ctx, storage.EventFilter{WebhookID: wh.ID})
		require.NoError(t, err)
		require.Len(t, events, 1)
		ev := events[0]
		assert.Equal(t, models.StatusPending, ev.Status)
		assert.Equal(t, models.EventPaymentSuccess, ev.EventType)
		assert.Equal(t, 5, ev.MaxAttempts)
		assert.Equal(t, 0, ev.AttemptCount)
		assert.JSONEq(t, string(payload), string(ev.Payload))
	}

	for _, wh := range []*models.Webhook{otherEvent, inactive} {
		events, err := store.ListDeliveryEvents(ctx, storage.EventFilter{WebhookID: wh.ID})
		require.NoError(t, err)
		assert.Empty(t, events)
	}
}

func TestDispatchNoMatchesIsNoOp(t *testing.T) {
	store := newTestStore(t)
	seedWebhook(t, store, []string{models.EventPaymentFailed}, true)

	d := New(store, 5, metrics.New(), zerolog.Nop())

	created, err := d.Dispatch(context.Background(), models.EventUserCreated, nil)
	require.NoError(t, err)
	assert.Zero(t, created)

	events, err := store.ListDeliveryEvents(context.Background(), storage.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDispatchRejectsUnknownEventType(t *testing.T) {
	store := newTestStore(t)
	d := New(store, 5, metrics.New(), zerolog.Nop())

	_, err := d.Dispatch(context.Background(), "invoice.created", nil)
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "event_type", verr.Field)
}

func TestDispatchDefaultsEmptyPayload(t *testing.T) {
	store := newTestStore(t)
	wh := seedWebhook(t, store, []string{models.EventTransactionCompleted}, true)

	d := New(store, 3, metrics.New(), zerolog.Nop())
	created, err := d.Dispatch(context.Background(), models.EventTransactionCompleted, nil)
	require.NoError(t, err)
	require.Equal(t, 1, created)

	events, err := store.ListDeliveryEvents(context.Background(), storage.EventFilter{WebhookID: wh.ID})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.JSONEq(t, `{}`, string(events[0].Payload))
}

func TestDispatchSignalsWake(t *testing.T) {
	store := newTestStore(t)
	seedWebhook(t, store, []string{models.EventPaymentSuccess}, true)

	d := New(store, 5, metrics.New(), zerolog.Nop())
	_, err := d.Dispatch(context.Background(), models.EventPaymentSuccess, nil)
	require.NoError(t, err)

	select {
	case <-d.Wake():
	default:
		t.Fatal("expected wake signal after dispatch")
	}

	// A second dispatch must not block on the already-signaled channel.
	_, err = d.Dispatch(context.Background(), models.EventPaymentSuccess, nil)
	require.NoError(t, err)
	_, err = d.Dispatch(context.Background(), models.EventPaymentSuccess, nil)
	require.NoError(t, err)
}
