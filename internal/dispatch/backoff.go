package dispatch

import (
	"math/rand"
	"time"
)

// Backoff computes retry delays: exponential from base with ±25% jitter,
// capped at max.
type Backoff struct {
	base time.Duration
	max  time.Duration
	rand func(n int64) int64
}

// NewBackoff creates a backoff. A zero max caps at 16x base.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Minute
	}
	if max <= 0 {
		max = base * 16
	}
	return &Backoff{base: base, max: max, rand: rand.Int63n}
}

// Delay returns the wait before the retry following attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	backoff := b.base * time.Duration(1<<shift)
	if backoff > b.max || backoff <= 0 {
		backoff = b.max
	}

	if quarter := int64(backoff / 4); quarter > 0 {
		backoff += time.Duration(b.rand(2*quarter+1) - quarter)
	}

	if backoff > b.max {
		backoff = b.max
	}
	return backoff
}
