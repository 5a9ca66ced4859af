// Package timers schedules named, cancellable callbacks.
package timers

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Well-known timer names used by the sync engine.
const (
	KeepAlive      = "streaming-keepalive"
	TokenRefresh   = "streaming-token-refresh"
	PeriodicFetch  = "periodic-fetch"
	ConnectionWait = "streaming-connection-delay"
)

// Scheduler owns a set of named timers. Scheduling a name that is already
// active replaces it. Callbacks run on their own goroutine.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*entry
	closed bool
	logger *zap.Logger
}

type entry struct {
	timer     *time.Timer
	cancelled bool
}

// NewScheduler creates an empty Scheduler.
func NewScheduler(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		timers: make(map[string]*entry),
		logger: logger,
	}
}

// Schedule runs fn once after delay.
func (s *Scheduler) Schedule(name string, delay time.Duration, fn func()) {
	s.schedule(name, delay, 0, fn)
}

// ScheduleRepeating runs fn every interval, the first time after one interval.
func (s *Scheduler) ScheduleRepeating(name string, interval time.Duration, fn func()) {
	s.schedule(name, interval, interval, fn)
}

// ScheduleRepeatingNow runs fn immediately and then every interval.
func (s *Scheduler) ScheduleRepeatingNow(name string, interval time.Duration, fn func()) {
	s.schedule(name, 0, interval, fn)
}

func (s *Scheduler) schedule(name string, delay, interval time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if old, ok := s.timers[name]; ok {
		old.cancelled = true
		old.timer.Stop()
	}

	e := &entry{}
	e.timer = time.AfterFunc(delay, func() {
		if !s.fire(name, e, interval) {
			return
		}
		fn()
	})
	s.timers[name] = e

	s.logger.Debug("timer scheduled",
		zap.String("timer", name),
		zap.Duration("delay", delay),
		zap.Duration("interval", interval),
	)
}

// fire decides whether the callback for e should run and re-arms repeating
// timers. It reports false for stale or cancelled entries.
func (s *Scheduler) fire(name string, e *entry, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.cancelled || s.timers[name] != e {
		return false
	}
	if interval > 0 {
		e.timer.Reset(interval)
	} else {
		delete(s.timers, name)
	}
	return true
}

// Cancel stops the named timer. Unknown names are ignored.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.timers[name]; ok {
		e.cancelled = true
		e.timer.Stop()
		delete(s.timers, name)
		s.logger.Debug("timer cancelled", zap.String("timer", name))
	}
}

// IsScheduled reports whether the named timer is active.
func (s *Scheduler) IsScheduled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[name]
	return ok
}

// CancelAll stops every timer but keeps the Scheduler usable.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAllLocked()
}

// Close stops every timer. Later Schedule calls are ignored.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelAllLocked()
	s.closed = true
}

func (s *Scheduler) cancelAllLocked() {
	for name, e := range s.timers {
		e.cancelled = true
		e.timer.Stop()
		delete(s.timers, name)
	}
}
