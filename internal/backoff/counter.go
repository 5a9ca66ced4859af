// Package backoff produces exponentially increasing retry delays.
package backoff

import (
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

const (
	// DefaultMultiplier is applied to the delay after every attempt.
	DefaultMultiplier = 2.0

	// Ceiling is the maximum delay a Counter ever returns.
	Ceiling = 30 * time.Minute
)

// Counter computes base × multiplier^attempts capped at Ceiling.
// It is safe for concurrent use.
type Counter struct {
	mu       sync.Mutex
	base     time.Duration
	attempts int
	policy   *cbackoff.ExponentialBackOff
}

// New creates a Counter doubling from base.
func New(base time.Duration) *Counter {
	return NewWithMultiplier(base, DefaultMultiplier)
}

// NewWithMultiplier creates a Counter with a custom growth factor.
// Non-positive inputs fall back to one second and DefaultMultiplier.
func NewWithMultiplier(base time.Duration, multiplier float64) *Counter {
	if base <= 0 {
		base = time.Second
	}
	if base > Ceiling {
		base = Ceiling
	}
	if multiplier < 1 {
		multiplier = DefaultMultiplier
	}

	policy := &cbackoff.ExponentialBackOff{
		InitialInterval:     base,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         Ceiling,
		MaxElapsedTime:      0, // never gives up, callers decide when to stop
		Stop:                cbackoff.Stop,
		Clock:               cbackoff.SystemClock,
	}
	policy.Reset()

	return &Counter{base: base, policy: policy}
}

// Next returns the delay for the current attempt and advances the counter.
func (c *Counter) Next() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts++
	d := c.policy.NextBackOff()
	if d == cbackoff.Stop || d > Ceiling {
		return Ceiling
	}
	return d
}

// Reset sets the attempt count back to zero.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.attempts = 0
	c.policy.Reset()
}

// Attempts returns how many delays have been handed out since the last Reset.
func (c *Counter) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Base returns the first delay of the sequence.
func (c *Counter) Base() time.Duration {
	return c.base
}
