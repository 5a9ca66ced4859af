package worker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/events"
	"github.com/splitio/flagsync/internal/timers"
)

// PeriodicWorker runs a task on a fixed interval while polling is active.
// Ticks are no-ops until MarkInitialSyncDone is called, and a failed tick
// simply waits for the next one.
type PeriodicWorker struct {
	name        string
	interval    time.Duration
	task        Task
	scheduler   *timers.Scheduler
	notifier    events.Notifier
	initialDone atomic.Bool
	running     atomic.Bool
	logger      *zap.Logger
}

func NewPeriodicWorker(name string, interval time.Duration, task Task, scheduler *timers.Scheduler, notifier events.Notifier, logger *zap.Logger) *PeriodicWorker {
	return &PeriodicWorker{
		name:      name,
		interval:  interval,
		task:      task,
		scheduler: scheduler,
		notifier:  notifier,
		logger:    logger.With(zap.String("worker", name)),
	}
}

func (w *PeriodicWorker) timerName() string {
	return timers.PeriodicFetch + "/" + w.name
}

// Start schedules the task, the first run being immediate. Starting an
// already started worker keeps the existing schedule.
func (w *PeriodicWorker) Start(ctx context.Context) {
	if w.scheduler.IsScheduled(w.timerName()) {
		return
	}
	w.logger.Info("periodic fetching started", zap.Duration("interval", w.interval))
	w.scheduler.ScheduleRepeatingNow(w.timerName(), w.interval, func() {
		w.tick(ctx)
	})
}

func (w *PeriodicWorker) Stop() {
	if !w.scheduler.IsScheduled(w.timerName()) {
		return
	}
	w.scheduler.Cancel(w.timerName())
	w.logger.Info("periodic fetching stopped")
}

// IsRunning reports whether ticks are scheduled.
func (w *PeriodicWorker) IsRunning() bool {
	return w.scheduler.IsScheduled(w.timerName())
}

func (w *PeriodicWorker) MarkInitialSyncDone() {
	w.initialDone.Store(true)
}

func (w *PeriodicWorker) tick(ctx context.Context) {
	if !w.initialDone.Load() || ctx.Err() != nil {
		return
	}
	// A slow tick is never overlapped by the next one.
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer w.running.Store(false)

	kinds, err := w.task(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("periodic fetch failed", zap.Error(err))
			w.notifier.Notify(events.SyncError)
		}
		return
	}
	for _, k := range kinds {
		w.notifier.Notify(k)
	}
}
