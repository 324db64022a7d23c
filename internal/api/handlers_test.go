package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finvera/webhookd/internal/config"
	"github.com/finvera/webhookd/internal/delivery"
	"github.com/finvera/webhookd/internal/dispatch"
	"github.com/finvera/webhookd/internal/metrics"
	"github.com/finvera/webhookd/internal/models"
	"github.com/finvera/webhookd/internal/registry"
	"github.com/finvera/webhookd/internal/storage"
	"github.com/finvera/webhookd/internal/stream"
)

const (
	testAdminToken   = "admin-token"
	testServiceToken = "service-token"
)

type testServer struct {
	srv   *httptest.Server
	store storage.Storage
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	log := zerolog.Nop()
	m := metrics.New()
	reg := registry.New(store, true, log)
	disp := dispatch.New(store, 5, m, log)
	sender := delivery.NewSender(5*time.Second, "test")
	backoff := delivery.NewBackoffWithSeed(30*time.Second, time.Hour, 1)
	worker := delivery.NewWorker(store, sender, backoff, m, nil, log)
	hub := stream.NewHub(log)

	server := NewServer(
		config.ServerConfig{},
		config.AdminConfig{Token: testAdminToken, ServiceToken: testServiceToken},
		Deps{
			Store:       store,
			Registry:    reg,
			Dispatcher:  disp,
			Worker:      worker,
			Hub:         hub,
			Metrics:     m,
			MaxAttempts: 5,
		},
		log,
	)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, store: store}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}) *http.Response {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, buf)
	require.NoError(t, err)
	if token != "" {
		header := "X-Admin-Token"
		if token == testServiceToken {
			header = "X-Service-Token"
		}
		req.Header.Set(header, token)
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (ts *testServer) createWebhook(t *testing.T, url string, events []string) models.Webhook {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/admin/webhooks/", testAdminToken, registry.RegisterInput{
		URL:    url,
		Events: events,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var wh models.Webhook
	decode(t, resp, &wh)
	return wh
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/admin/webhooks/", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/admin/webhooks/", "wrong-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/admin/webhooks/", testAdminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateWebhookReturnsSecretOnce(t *testing.T) {
	ts := newTestServer(t)

	wh := ts.createWebhook(t, "https://merchant.example.com/hooks", []string{models.EventPaymentSuccess})
	assert.NotEmpty(t, wh.Secret)

	resp := ts.do(t, http.MethodGet, "/admin/webhooks/"+wh.ID+"/", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Webhook
	decode(t, resp, &got)
	assert.Equal(t, wh.ID, got.ID)
	assert.Empty(t, got.Secret)

	resp = ts.do(t, http.MethodGet, "/admin/webhooks/", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.Webhook
	decode(t, resp, &list)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Secret)
}

func TestCreateWebhookValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/admin/webhooks/", testAdminToken, registry.RegisterInput{
		URL:    "https://merchant.example.com/hooks",
		Events: []string{"invoice.created"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.Contains(t, body["error"], "events")
}

func TestGetUnknownWebhook(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/admin/webhooks/wh_missing/", testAdminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateAndDeleteWebhook(t *testing.T) {
	ts := newTestServer(t)
	wh := ts.createWebhook(t, "https://merchant.example.com/hooks", []string{models.EventPaymentSuccess})

	resp := ts.do(t, http.MethodPatch, "/admin/webhooks/"+wh.ID+"/", testAdminToken, map[string]interface{}{
		"description": "checkout",
		"events":      []string{models.EventPaymentSuccess, models.EventPaymentFailed},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated models.Webhook
	decode(t, resp, &updated)
	assert.Equal(t, "checkout", updated.Description)
	assert.Len(t, updated.Events, 2)

	resp = ts.do(t, http.MethodDelete, "/admin/webhooks/"+wh.ID+"/", testAdminToken, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/admin/webhooks/"+wh.ID+"/", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Webhook
	decode(t, resp, &got)
	assert.False(t, got.Active)
}

func TestRotateSecretEndpoint(t *testing.T) {
	ts := newTestServer(t)
	wh := ts.createWebhook(t, "https://merchant.example.com/hooks", []string{models.EventPaymentSuccess})

	resp := ts.do(t, http.MethodPost, "/admin/webhooks/"+wh.ID+"/rotate-secret/", testAdminToken, map[string]string{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decode(t, resp, &body)
	assert.NotEmpty(t, body["secret"])
	assert.NotEqual(t, wh.Secret, body["secret"])
}

func TestTestEndpointDeliversSyntheticEvent(t *testing.T) {
	received := make(chan []byte, 1)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		received <- data
		w.WriteHeader(http.StatusOK)
	}))
	defer target.Close()

	ts := newTestServer(t)
	wh := ts.createWebhook(t, target.URL, []string{models.EventPaymentSuccess})

	resp := ts.do(t, http.MethodPost, "/admin/webhooks/"+wh.ID+"/test/", testAdminToken, map[string]string{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ev models.DeliveryEvent
	decode(t, resp, &ev)
	assert.Equal(t, models.StatusDelivered, ev.Status)
	assert.Equal(t, models.EventPaymentSuccess, ev.EventType)

	select {
	case data := <-received:
		var envelope map[string]interface{}
		require.NoError(t, json.Unmarshal(data, &envelope))
		assert.Equal(t, models.EventPaymentSuccess, envelope["event_type"])
	default:
		t.Fatal("target never received the test delivery")
	}
}

func TestIngestFansOutAndRecordsHistory(t *testing.T) {
	ts := newTestServer(t)
	wh := ts.createWebhook(t, "https://merchant.example.com/hooks", []string{models.EventPaymentSuccess})

	resp := ts.do(t, http.MethodPost, "/internal/events/", testServiceToken, map[string]interface{}{
		"event_type": models.EventPaymentSuccess,
		"payload":    map[string]interface{}{"payment_id": "pay_9"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.EqualValues(t, 1, body["deliveries"])

	resp = ts.do(t, http.MethodGet, "/admin/webhook-events/?webhook_id="+wh.ID, testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []models.DeliveryEvent
	decode(t, resp, &events)
	require.Len(t, events, 1)
	assert.Equal(t, models.StatusPending, events[0].Status)

	resp = ts.do(t, http.MethodGet, fmt.Sprintf("/admin/webhook-events/%s/", events[0].ID), testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestIngestRejectsUnknownEventType(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/internal/events/", testServiceToken, map[string]interface{}{
		"event_type": "invoice.created",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIngestRequiresServiceToken(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/internal/events/", "", map[string]interface{}{
		"event_type": models.EventPaymentSuccess,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// The admin token does not grant service access.
	req, err := http.NewRequest(http.MethodPost, ts.srv.URL+"/internal/events/",
		bytes.NewReader([]byte(`{"event_type":"payment.success"}`)))
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", testAdminToken)
	resp2, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestRetryEndpointRearmsDeadLetter(t *testing.T) {
	ts := newTestServer(t)
	wh := ts.createWebhook(t, "https://merchant.example.com/hooks", []string{models.EventPaymentSuccess})

	now := time.Now().UTC()
	ev := &models.DeliveryEvent{
		ID:           models.NewID("evt"),
		WebhookID:    wh.ID,
		EventType:    models.EventPaymentSuccess,
		Payload:      []byte(`{}`),
		Status:       models.StatusDeadLetter,
		AttemptCount: 5,
		MaxAttempts:  5,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	require.NoError(t, ts.store.CreateDeliveryEvent(context.Background(), ev))

	resp := ts.do(t, http.MethodPost, "/admin/webhook-events/"+ev.ID+"/retry/", testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got models.DeliveryEvent
	decode(t, resp, &got)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 5, got.AttemptCount)
	assert.Equal(t, 10, got.MaxAttempts)

	// Re-arming anything not dead-lettered is rejected.
	resp = ts.do(t, http.MethodPost, "/admin/webhook-events/"+ev.ID+"/retry/", testAdminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	wh := ts.createWebhook(t, "https://merchant.example.com/hooks", []string{models.EventPaymentSuccess})

	now := time.Now().UTC()
	for _, status := range []models.DeliveryStatus{models.StatusDelivered, models.StatusDeadLetter, models.StatusPending} {
		ev := &models.DeliveryEvent{
			ID:          models.NewID("evt"),
			WebhookID:   wh.ID,
			EventType:   models.EventPaymentSuccess,
			Payload:     []byte(`{}`),
			Status:      status,
			MaxAttempts: 5,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		require.NoError(t, ts.store.CreateDeliveryEvent(context.Background(), ev))
	}

	resp := ts.do(t, http.MethodGet, "/admin/webhooks/stats/?webhook_id="+wh.ID, testAdminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats storage.Stats
	decode(t, resp, &stats)
	assert.EqualValues(t, 3, stats.Total)
	assert.EqualValues(t, 1, stats.Delivered)
	assert.EqualValues(t, 1, stats.DeadLetter)
	assert.EqualValues(t, 1, stats.Pending)

	resp = ts.do(t, http.MethodGet, "/admin/webhooks/stats/?webhook_id=wh_missing", testAdminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventListFilterValidation(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/admin/webhook-events/?from=yesterday", testAdminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
