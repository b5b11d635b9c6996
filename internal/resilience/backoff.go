// Package resilience provides the reconnect back-off primitive used by the
// per-server RPC clients.
//
// [Backoff] implements capped exponential back-off with a hard attempt
// limit: each failure doubles the delay up to a maximum, and once the
// attempt cap is reached the back-off reports itself exhausted and the owner
// must treat the condition as fatal. A single success resets the delay and
// the attempt counter to baseline.
//
// All types are safe for concurrent use.
package resilience

import (
	"sync"
	"time"
)

// BackoffConfig holds tuning knobs for a [Backoff].
type BackoffConfig struct {
	// BaseDelay is the delay before the first retry. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Default: 30s.
	MaxDelay time.Duration

	// MaxAttempts is the number of consecutive failures allowed before the
	// back-off is exhausted. Default: 5.
	MaxAttempts int
}

// Backoff tracks consecutive failures and yields the delay to wait before
// the next retry. It is safe for concurrent use.
type Backoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int

	mu       sync.Mutex
	attempts int
	delay    time.Duration
}

// NewBackoff creates a Backoff, applying defaults for zero config values.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Backoff{
		base:        cfg.BaseDelay,
		max:         cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
		delay:       cfg.BaseDelay,
	}
}

// Next records one failure and returns the delay to wait before the next
// attempt. The returned delay is monotonically non-decreasing up to the
// configured maximum. The first call returns the base delay.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	d := b.delay
	b.attempts++

	next := b.delay * 2
	if next > b.max {
		next = b.max
	}
	b.delay = next
	return d
}

// Reset restores the baseline delay and clears the attempt counter. Called
// after one successful probe.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.delay = b.base
}

// Attempts returns the number of consecutive failures recorded since the
// last [Backoff.Reset].
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Exhausted reports whether the attempt cap has been reached.
func (b *Backoff) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts >= b.maxAttempts
}
