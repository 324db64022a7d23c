package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/finvera/webhookd/internal/config"
	"github.com/finvera/webhookd/internal/storage"
)

// Purger removes terminal delivery events (and their attempt rows, via
// cascade) once they age past the configured TTL. It is the only thing in
// the system that destroys delivery history.
type Purger struct {
	store    storage.Storage
	schedule string
	ttl      time.Duration
	log      zerolog.Logger
	cron     *cron.Cron
}

func New(cfg config.RetentionConfig, store storage.Storage, log zerolog.Logger) *Purger {
	return &Purger{
		store:    store,
		schedule: cfg.Schedule,
		ttl:      cfg.EventTTL,
		log:      log,
		cron:     cron.New(),
	}
}

func (p *Purger) Start() error {
	if _, err := p.cron.AddFunc(p.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		p.RunOnce(ctx)
	}); err != nil {
		return err
	}
	p.cron.Start()
	p.log.Info().Str("schedule", p.schedule).Dur("ttl", p.ttl).Msg("retention purge scheduled")
	return nil
}

func (p *Purger) Stop() {
	<-p.cron.Stop().Done()
}

// RunOnce purges in-place and logs the result; errors are logged, not
// returned, since the job reschedules itself.
func (p *Purger) RunOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-p.ttl)
	purged, err := p.store.PurgeTerminalEvents(ctx, cutoff)
	if err != nil {
		p.log.Error().Err(err).Msg("retention purge failed")
		return
	}
	if purged > 0 {
		p.log.Info().Int64("purged", purged).Time("cutoff", cutoff).Msg("purged expired delivery events")
	}
}
