// Package worker runs sync tasks: one-shot retrying tasks, periodic polling
// and the per-class workers that apply streaming notifications.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/api"
	"github.com/splitio/flagsync/internal/backoff"
	"github.com/splitio/flagsync/internal/events"
	"github.com/splitio/flagsync/internal/synchelper"
)

// Task performs one sync attempt and returns the events its changes warrant.
type Task func(ctx context.Context) ([]events.Kind, error)

// RetryOptions tunes a RetryableWorker.
type RetryOptions struct {
	BackoffBase time.Duration
	// MaxRetries caps the attempts after the first one. Zero retries forever.
	MaxRetries int
}

// RetryableWorker runs a task until it succeeds, fails permanently or is
// stopped. Stop is observed between attempts; an attempt in flight is never
// interrupted by it.
type RetryableWorker struct {
	name       string
	task       Task
	notifier   events.Notifier
	opts       RetryOptions
	onComplete func(success bool)
	logger     *zap.Logger

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewRetryableWorker(name string, task Task, notifier events.Notifier, opts RetryOptions, logger *zap.Logger) *RetryableWorker {
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	return &RetryableWorker{
		name:     name,
		task:     task,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With(zap.String("worker", name)),
		stopCh:   make(chan struct{}),
	}
}

// OnComplete registers fn to receive the final outcome. It must be called
// before Start.
func (w *RetryableWorker) OnComplete(fn func(success bool)) {
	w.onComplete = fn
}

// Start runs the worker on its own goroutine.
func (w *RetryableWorker) Start(ctx context.Context) {
	go w.Run(ctx)
}

// Stop asks the worker to give up after the current attempt.
func (w *RetryableWorker) Stop() {
	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		close(w.stopCh)
	})
}

// Run executes the retry loop on the calling goroutine and reports whether
// the task eventually succeeded.
func (w *RetryableWorker) Run(ctx context.Context) bool {
	bo := backoff.New(w.opts.BackoffBase)
	for attempt := 1; ; attempt++ {
		if w.stopped.Load() || ctx.Err() != nil {
			w.logger.Debug("worker cancelled")
			return w.complete(false)
		}

		kinds, err := w.task(ctx)
		if err == nil {
			for _, k := range kinds {
				w.notifier.Notify(k)
			}
			return w.complete(true)
		}
		if ctx.Err() != nil {
			return w.complete(false)
		}

		if !retryable(err) || (w.opts.MaxRetries > 0 && attempt > w.opts.MaxRetries) {
			w.logger.Error("sync failed", zap.Int("attempts", attempt), zap.Error(err))
			w.notifier.Notify(events.SyncError)
			return w.complete(false)
		}

		delay := bo.Next()
		w.logger.Warn("sync attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-w.stopCh:
			t.Stop()
		case <-ctx.Done():
			t.Stop()
		}
	}
}

func (w *RetryableWorker) complete(success bool) bool {
	if w.onComplete != nil {
		w.onComplete(success)
	}
	return success
}

// retryable reports whether another attempt may help. A target that the
// sync helper could not reach has already been retried by it.
func retryable(err error) bool {
	return api.IsRecoverable(err) && !errors.Is(err, synchelper.ErrTargetNotReached)
}
