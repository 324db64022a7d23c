package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/finvera/webhookd/internal/signing"
)

// Envelope is the wire format posted to subscribers. Field order is fixed;
// the body is marshaled once and signed as raw bytes.
type Envelope struct {
	EventType string          `json:"event_type"`
	EventID   string          `json:"event_id"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

type SendResult struct {
	StatusCode   int
	ResponseBody string
	LatencyMs    int64
	Error        string
}

func (r *SendResult) Success() bool {
	return r.Error == "" && r.StatusCode >= 200 && r.StatusCode < 300
}

type Sender struct {
	client    *http.Client
	userAgent string
}

func NewSender(timeout time.Duration, version string) *Sender {
	return &Sender{
		client:    &http.Client{Timeout: timeout},
		userAgent: fmt.Sprintf("webhookd/%s", version),
	}
}

const maxResponseBody = 1024

// Send posts a signed envelope to the subscriber URL. Every outcome is
// captured in the result; network errors never escape as Go errors.
func (s *Sender) Send(ctx context.Context, url, secret string, env Envelope) *SendResult {
	start := time.Now()

	body, err := json.Marshal(env)
	if err != nil {
		return &SendResult{
			Error:     fmt.Sprintf("failed to marshal envelope: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &SendResult{
			Error:     fmt.Sprintf("failed to create request: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("X-Webhook-Signature", signing.Sign(secret, body))
	req.Header.Set("X-Webhook-Timestamp", fmt.Sprintf("%d", env.Timestamp))
	req.Header.Set("X-Webhook-Event-Id", env.EventID)
	req.Header.Set("X-Webhook-Event-Type", env.EventType)

	resp, err := s.client.Do(req)
	if err != nil {
		return &SendResult{
			Error:     fmt.Sprintf("request failed: %v", err),
			LatencyMs: time.Since(start).Milliseconds(),
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	return &SendResult{
		StatusCode:   resp.StatusCode,
		ResponseBody: string(respBody),
		LatencyMs:    time.Since(start).Milliseconds(),
	}
}
