package notification

import (
	"sync"

	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/events"
)

// Control channels whose occupancy decides subsystem health.
const (
	ControlPri = "control_pri"
	ControlSec = "control_sec"
)

// StatusTracker folds occupancy and control notifications into push status
// transitions.
type StatusTracker struct {
	mu            sync.Mutex
	publishers    map[string]int
	lastSeen      map[string]int64
	occupancyDown bool
	paused        bool
	disabled      bool
	status        *events.Broadcaster[events.PushStatusEvent]
	logger        *zap.Logger
}

func NewStatusTracker(status *events.Broadcaster[events.PushStatusEvent], logger *zap.Logger) *StatusTracker {
	t := &StatusTracker{
		status: status,
		logger: logger.With(zap.String("component", "status-tracker")),
	}
	t.Reset()
	return t
}

// Reset forgets everything learned on a previous connection.
func (t *StatusTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publishers = map[string]int{ControlPri: 1, ControlSec: 1}
	t.lastSeen = make(map[string]int64)
	t.occupancyDown = false
	t.paused = false
	t.disabled = false
}

// stale reports whether a notification is not newer than the last one of the
// same kind and channel, recording it otherwise. Callers hold t.mu.
func (t *StatusTracker) stale(kind Type, n Notification) bool {
	key := string(kind) + "/" + n.Channel()
	if last, ok := t.lastSeen[key]; ok && n.Timestamp() <= last {
		return true
	}
	t.lastSeen[key] = n.Timestamp()
	return false
}

func (t *StatusTracker) HandleOccupancy(o *Occupancy) {
	t.mu.Lock()
	if t.disabled || t.stale(TypeOccupancy, o) {
		t.mu.Unlock()
		t.logger.Debug("discarding occupancy", zap.String("channel", o.Channel()), zap.Int64("timestamp", o.Timestamp()))
		return
	}
	t.publishers[o.Channel()] = o.Publishers

	var next *events.PushStatus
	healthy := t.anyPublishers()
	switch {
	case !healthy && !t.occupancyDown:
		t.occupancyDown = true
		if !t.paused {
			next = statusPtr(events.PushSubsystemDown)
		}
	case healthy && t.occupancyDown:
		t.occupancyDown = false
		if !t.paused {
			next = statusPtr(events.PushSubsystemUp)
		}
	}
	t.mu.Unlock()

	t.publish(next)
}

func (t *StatusTracker) HandleControl(c *Control) {
	t.mu.Lock()
	if t.disabled || t.stale(TypeControl, c) {
		t.mu.Unlock()
		t.logger.Debug("discarding control", zap.String("control_type", string(c.ControlType)))
		return
	}

	var next *events.PushStatus
	switch c.ControlType {
	case ControlStreamingPaused:
		if !t.paused {
			t.paused = true
			if !t.occupancyDown {
				next = statusPtr(events.PushSubsystemDown)
			}
		}
	case ControlStreamingResumed:
		if t.paused {
			t.paused = false
			if !t.occupancyDown {
				next = statusPtr(events.PushSubsystemUp)
			}
		}
	case ControlStreamingDisabled:
		t.disabled = true
		next = statusPtr(events.PushSubsystemDisabled)
	case ControlStreamingReset:
		next = statusPtr(events.PushReset)
	default:
		t.logger.Warn("unknown control type", zap.String("control_type", string(c.ControlType)))
	}
	t.mu.Unlock()

	t.publish(next)
}

func (t *StatusTracker) anyPublishers() bool {
	for _, n := range t.publishers {
		if n > 0 {
			return true
		}
	}
	return false
}

func (t *StatusTracker) publish(status *events.PushStatus) {
	if status == nil {
		return
	}
	t.logger.Info("push status change", zap.Stringer("status", *status))
	t.status.Publish(events.PushStatusEvent{Status: *status})
}

func statusPtr(s events.PushStatus) *events.PushStatus {
	return &s
}
