package timers

import (
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestSchedule_OneShot(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	defer s.Close()

	var calls atomic.Int32
	s.Schedule("once", 10*time.Millisecond, func() { calls.Add(1) })

	waitFor(t, func() bool { return calls.Load() == 1 })
	time.Sleep(30 * time.Millisecond)

	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
	if s.IsScheduled("once") {
		t.Error("one-shot timer should be removed after firing")
	}
}

func TestSchedule_Cancel(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	defer s.Close()

	var calls atomic.Int32
	s.Schedule("cancel-me", 30*time.Millisecond, func() { calls.Add(1) })
	s.Cancel("cancel-me")

	time.Sleep(60 * time.Millisecond)
	if calls.Load() != 0 {
		t.Errorf("cancelled timer fired %d times", calls.Load())
	}
}

func TestSchedule_ReplaceByName(t *testing.T) {
	s := NewScheduler(zap.NewNop())
	defer s.Close()

	var first, second atomic.Int32
	s.Schedule("keepalive", 20*time.Millisecond, func() { first.Add(1) })
	s.Schedule("keepalive", 40*time.Millisecond, func() { second.Add(1) })

	waitFor(t, func() bool { return second.Load() == 1 })
	if first.Load() != 0 {
		t.Error("replaced timer should never fire")
	}
}

func TestScheduleRepeatingNow(t *testing.T) {
	s := NewScheduler(zap.NewNop())

	var calls atomic.Int32
	s.ScheduleRepeatingNow("poll", 15*time.Millisecond, func() { calls.Add(1) })

	waitFor(t, func() bool { return calls.Load() >= 3 })
	s.Close()

	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() > after+1 {
		t.Errorf("timer kept firing after Close: %d -> %d", after, calls.Load())
	}

	s.Schedule("ignored", time.Millisecond, func() { calls.Add(100) })
	time.Sleep(20 * time.Millisecond)
	if calls.Load() >= 100 {
		t.Error("closed scheduler accepted a new timer")
	}
}
