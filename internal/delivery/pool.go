package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/finvera/webhookd/internal/config"
	"github.com/finvera/webhookd/internal/metrics"
	"github.com/finvera/webhookd/internal/storage"
)

// Pool pulls due deliveries off the store and fans them out to a bounded
// set of worker goroutines. Claiming happens in the store, so a delivery is
// only ever handed to one worker.
type Pool struct {
	store       storage.Storage
	worker      *Worker
	workers     int
	perWebhook  int
	claimBatch  int
	pollRate    time.Duration
	metrics     *metrics.Metrics
	log         zerolog.Logger
	wake        <-chan struct{}
	stop        chan struct{}
	wg          conc.WaitGroup
	webhookGate *gate
}

func NewPool(cfg config.DeliveryConfig, store storage.Storage, worker *Worker, m *metrics.Metrics, wake <-chan struct{}, log zerolog.Logger) *Pool {
	return &Pool{
		store:       store,
		worker:      worker,
		workers:     cfg.Workers,
		perWebhook:  cfg.PerWebhookConcurrency,
		claimBatch:  cfg.ClaimBatch,
		pollRate:    cfg.PollInterval,
		metrics:     m,
		log:         log,
		wake:        wake,
		stop:        make(chan struct{}),
		webhookGate: newGate(cfg.PerWebhookConcurrency),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().
		Int("workers", p.workers).
		Int("per_webhook", p.perWebhook).
		Msg("starting delivery worker pool")

	p.wg.Go(func() {
		p.pollLoop(ctx)
	})
}

func (p *Pool) Stop() {
	p.log.Info().Msg("stopping delivery worker pool")
	close(p.stop)
	p.wg.Wait()
	p.log.Info().Msg("delivery worker pool stopped")
}

func (p *Pool) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollRate)
	defer ticker.Stop()

	sem := make(chan struct{}, p.workers)

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runCycle(ctx, sem)
		case <-p.wake:
			p.runCycle(ctx, sem)
		}
	}
}

func (p *Pool) runCycle(ctx context.Context, sem chan struct{}) {
	now := time.Now().UTC()

	if p.metrics != nil {
		if due, err := p.store.CountDue(ctx, now); err == nil {
			p.metrics.QueueDepth.Set(float64(due))
		}
	}

	claimed, err := p.store.ClaimDueDeliveries(ctx, p.claimBatch, now)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to claim due deliveries")
		return
	}

	for _, ev := range claimed {
		ev := ev
		sem <- struct{}{}
		p.wg.Go(func() {
			defer func() { <-sem }()

			release := p.webhookGate.acquire(ctx, ev.WebhookID)
			if release == nil {
				// Shutdown while queued behind the per-webhook cap.
				if err := p.store.ReleaseDelivery(context.Background(), ev.ID); err != nil {
					p.log.Error().Err(err).Str("event_id", ev.ID).Msg("failed to release claim")
				}
				return
			}
			defer release()

			p.worker.Process(ctx, ev)
		})
	}
}

// gate caps how many deliveries run concurrently against a single webhook,
// so one slow subscriber cannot absorb the whole pool.
type gate struct {
	cap int
	mu  sync.Mutex
	sem map[string]chan struct{}
}

func newGate(cap int) *gate {
	if cap <= 0 {
		cap = 1
	}
	return &gate{cap: cap, sem: make(map[string]chan struct{})}
}

// acquire blocks until a slot for the webhook frees up. It returns the
// release func, or nil if the context was canceled while waiting.
func (g *gate) acquire(ctx context.Context, webhookID string) func() {
	g.mu.Lock()
	ch, ok := g.sem[webhookID]
	if !ok {
		ch = make(chan struct{}, g.cap)
		g.sem[webhookID] = ch
	}
	g.mu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }
	case <-ctx.Done():
		return nil
	}
}
