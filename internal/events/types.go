package events

import (
	"fmt"
	"time"
)

// PushStatus is emitted by the streaming subsystem and consumed by the
// synchronizer to pick between streaming and polling.
type PushStatus int

const (
	PushSubsystemUp PushStatus = iota
	PushSubsystemDown
	PushRetryableError
	PushNonRetryableError
	PushSubsystemDisabled
	PushReset
	PushDelayReceived
)

func (s PushStatus) String() string {
	switch s {
	case PushSubsystemUp:
		return "subsystem_up"
	case PushSubsystemDown:
		return "subsystem_down"
	case PushRetryableError:
		return "retryable_error"
	case PushNonRetryableError:
		return "non_retryable_error"
	case PushSubsystemDisabled:
		return "subsystem_disabled"
	case PushReset:
		return "reset"
	case PushDelayReceived:
		return "delay_received"
	default:
		return fmt.Sprintf("push_status(%d)", int(s))
	}
}

// PushStatusEvent is a single push-status transition.
type PushStatusEvent struct {
	Status PushStatus
	// Delay is only set for PushDelayReceived.
	Delay time.Duration
}

// Kind is a client-facing SDK event.
type Kind int

const (
	SDKReady Kind = iota
	SplitsUpdated
	SplitKilled
	RuleBasedSegmentsUpdated
	MembershipsUpdated
	LargeMembershipsUpdated
	SyncError
)

func (k Kind) String() string {
	switch k {
	case SDKReady:
		return "sdk_ready"
	case SplitsUpdated:
		return "splits_updated"
	case SplitKilled:
		return "split_killed"
	case RuleBasedSegmentsUpdated:
		return "rule_based_segments_updated"
	case MembershipsUpdated:
		return "memberships_updated"
	case LargeMembershipsUpdated:
		return "large_memberships_updated"
	case SyncError:
		return "sync_error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Notifier is the client-facing event sink.
type Notifier interface {
	Notify(kind Kind)
}
