package delivery

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes retry delays: min(base * 2^attempt, cap) plus a jitter
// drawn uniformly from [0, delay/4]. Jitter keeps a burst of failures from
// turning into a synchronized retry storm.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func NewBackoff(base, cap time.Duration) *Backoff {
	return &Backoff{
		Base: base,
		Cap:  cap,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewBackoffWithSeed fixes the jitter source, for deterministic tests.
func NewBackoffWithSeed(base, cap time.Duration, seed int64) *Backoff {
	return &Backoff{
		Base: base,
		Cap:  cap,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Delay returns the wait before the next attempt, given the number of
// attempts already made.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := b.Cap
	if attempt < 30 { // 1<<30 would overflow any sane base
		delay = b.Base << uint(attempt)
		if delay > b.Cap || delay <= 0 {
			delay = b.Cap
		}
	}

	b.mu.Lock()
	jitter := time.Duration(b.rng.Int63n(int64(delay)/4 + 1))
	b.mu.Unlock()

	return delay + jitter
}

// NextAttemptAt returns the wall-clock time of the next attempt.
func (b *Backoff) NextAttemptAt(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt))
}
