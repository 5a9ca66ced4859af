// Package synchelper implements fetch sequences that reach a target change
// number despite stale edge caches.
package synchelper

import (
	"context"
	"time"
)

// Default attempt budgets and backoff bases.
const (
	DefaultMaxAttempts    = 10
	DefaultCDNMaxAttempts = 10
	DefaultBackoffBase    = time.Second
	DefaultCDNBackoffBase = 10 * time.Second
)

// NoTarget asks for whatever the server currently has.
const NoTarget int64 = -1

// Options bounds the retry ladders of a helper.
type Options struct {
	MaxAttempts    int
	CDNMaxAttempts int
	BackoffBase    time.Duration
	CDNBackoffBase time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.CDNMaxAttempts < 1 {
		o.CDNMaxAttempts = DefaultCDNMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.CDNBackoffBase <= 0 {
		o.CDNBackoffBase = DefaultCDNBackoffBase
	}
	return o
}

func reached(stored, target int64) bool {
	return target == NoTarget || stored >= target
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
