package delivery

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// limiterRegistry keeps one token bucket per webhook so a slow subscriber
// is throttled without affecting the rest of the fleet. A rate_limit of 0
// means unlimited.
type limiterRegistry struct {
	mu sync.Mutex
	m  map[string]*webhookLimiter
}

type webhookLimiter struct {
	rps int
	lim *rate.Limiter
}

func newLimiterRegistry() *limiterRegistry {
	return &limiterRegistry{m: make(map[string]*webhookLimiter)}
}

func (r *limiterRegistry) Wait(ctx context.Context, webhookID string, rps int) error {
	if rps <= 0 {
		return nil
	}

	r.mu.Lock()
	wl, ok := r.m[webhookID]
	if !ok || wl.rps != rps {
		wl = &webhookLimiter{rps: rps, lim: rate.NewLimiter(rate.Limit(rps), rps)}
		r.m[webhookID] = wl
	}
	r.mu.Unlock()

	return wl.lim.Wait(ctx)
}
