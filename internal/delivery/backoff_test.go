package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayIncreasesUntilCap(t *testing.T) {
	b := NewBackoffWithSeed(30*time.Second, time.Hour, 42)

	prev := time.Duration(0)
	for attempt := 0; attempt < 7; attempt++ {
		d := b.Delay(attempt)
		base := 30 * time.Second << uint(attempt)
		if base > time.Hour {
			base = time.Hour
		}

		assert.GreaterOrEqual(t, d, base, "attempt %d: delay below base", attempt)
		assert.LessOrEqual(t, d, base+base/4, "attempt %d: jitter above delay/4", attempt)

		// Strictly increasing while the exponent dominates: the base doubles
		// each attempt, so even max jitter on the previous cannot catch up.
		if base < time.Hour {
			assert.Greater(t, d, prev, "attempt %d: delay did not increase", attempt)
		}
		prev = d
	}
}

func TestBackoffCapsAtCeiling(t *testing.T) {
	cap := time.Hour
	b := NewBackoffWithSeed(30*time.Second, cap, 1)

	for _, attempt := range []int{10, 20, 40, 63, 1000} {
		d := b.Delay(attempt)
		assert.GreaterOrEqual(t, d, cap)
		assert.LessOrEqual(t, d, cap+cap/4)
	}
}

func TestBackoffNegativeAttempt(t *testing.T) {
	b := NewBackoffWithSeed(30*time.Second, time.Hour, 1)

	d := b.Delay(-3)
	assert.GreaterOrEqual(t, d, 30*time.Second)
	assert.LessOrEqual(t, d, 30*time.Second+30*time.Second/4)
}

func TestNextAttemptAt(t *testing.T) {
	b := NewBackoffWithSeed(30*time.Second, time.Hour, 7)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	next := b.NextAttemptAt(now, 1)
	assert.True(t, next.After(now.Add(59*time.Second)), "first retry below 2x base")
	assert.True(t, next.Before(now.Add(76*time.Second)), "first retry beyond base+jitter bound")
}
