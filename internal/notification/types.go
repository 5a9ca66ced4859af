// Package notification turns streaming payloads into typed notifications and
// tracks the push subsystem health they report.
package notification

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/splitio/flagsync/internal/dtos"
)

// Type discriminates notifications.
type Type string

const (
	TypeSplitUpdate            Type = "SPLIT_UPDATE"
	TypeSplitKill              Type = "SPLIT_KILL"
	TypeRuleBasedSegmentUpdate Type = "RB_SEGMENT_UPDATE"
	TypeMembershipsUpdate      Type = "MEMBERSHIPS_MS_UPDATE"
	TypeLargeMembershipsUpdate Type = "MEMBERSHIPS_LS_UPDATE"
	TypeControl                Type = "CONTROL"
	TypeOccupancy              Type = "OCCUPANCY"
	TypeError                  Type = "ERROR"
)

// ControlType values carried by CONTROL notifications.
type ControlType string

const (
	ControlStreamingPaused   ControlType = "STREAMING_PAUSED"
	ControlStreamingResumed  ControlType = "STREAMING_RESUMED"
	ControlStreamingDisabled ControlType = "STREAMING_DISABLED"
	ControlStreamingReset    ControlType = "STREAMING_RESET"
)

// Compression of an embedded payload.
type Compression int

const (
	CompressionNone Compression = 0
	CompressionGzip Compression = 1
	CompressionZlib Compression = 2
)

// UpdateStrategy of a memberships notification.
type UpdateStrategy int

const (
	UnboundedFetchRequest UpdateStrategy = 0
	BoundedFetchRequest   UpdateStrategy = 1
	KeyList               UpdateStrategy = 2
	SegmentRemoval        UpdateStrategy = 3
)

// Notification is implemented by every typed notification.
type Notification interface {
	Type() Type
	Channel() string
	Timestamp() int64
}

type base struct {
	channel   string
	timestamp int64
}

func (b base) Channel() string  { return b.channel }
func (b base) Timestamp() int64 { return b.timestamp }

// SplitUpdate announces a new feature flag change number and optionally
// carries the new definition.
type SplitUpdate struct {
	base
	ChangeNumber         int64
	PreviousChangeNumber *int64
	Compression          Compression
	Definition           string
}

func (*SplitUpdate) Type() Type { return TypeSplitUpdate }

// FeatureFlag decodes the embedded definition. It returns nil, nil when the
// notification carries none.
func (u *SplitUpdate) FeatureFlag() (*dtos.Split, error) {
	if u.Definition == "" {
		return nil, nil
	}
	raw, err := Decode(u.Definition, u.Compression)
	if err != nil {
		return nil, err
	}
	var split dtos.Split
	if err := json.Unmarshal(raw, &split); err != nil {
		return nil, fmt.Errorf("decoding feature flag: %w", err)
	}
	return &split, nil
}

// RuleBasedSegmentUpdate announces a new rule-based segment change number.
type RuleBasedSegmentUpdate struct {
	base
	ChangeNumber         int64
	PreviousChangeNumber *int64
	Compression          Compression
	Definition           string
}

func (*RuleBasedSegmentUpdate) Type() Type { return TypeRuleBasedSegmentUpdate }

// RuleBasedSegment decodes the embedded definition, nil when absent.
func (u *RuleBasedSegmentUpdate) RuleBasedSegment() (*dtos.RuleBasedSegment, error) {
	if u.Definition == "" {
		return nil, nil
	}
	raw, err := Decode(u.Definition, u.Compression)
	if err != nil {
		return nil, err
	}
	var rbs dtos.RuleBasedSegment
	if err := json.Unmarshal(raw, &rbs); err != nil {
		return nil, fmt.Errorf("decoding rule-based segment: %w", err)
	}
	return &rbs, nil
}

// SplitKill kills a flag in place.
type SplitKill struct {
	base
	ChangeNumber     int64
	SplitName        string
	DefaultTreatment string
}

func (*SplitKill) Type() Type { return TypeSplitKill }

// MembershipsUpdate announces changes to memberships or large memberships.
type MembershipsUpdate struct {
	base
	Large        bool
	ChangeNumber *int64
	Names        []string
	Strategy     UpdateStrategy
	Compression  Compression
	Data         string
	// IntervalMs bounds the fetch delay. Nil means the default.
	IntervalMs    *int64
	HashAlgorithm int
	Seed          int64
}

func (u *MembershipsUpdate) Type() Type {
	if u.Large {
		return TypeLargeMembershipsUpdate
	}
	return TypeMembershipsUpdate
}

// Control changes the streaming state.
type Control struct {
	base
	ControlType ControlType
}

func (*Control) Type() Type { return TypeControl }

// Occupancy reports how many publishers back a control channel.
type Occupancy struct {
	base
	Publishers int
}

func (*Occupancy) Type() Type { return TypeOccupancy }

// ServerError is an error frame pushed by the streaming server.
type ServerError struct {
	base
	Message    string `json:"message"`
	Code       int    `json:"code"`
	StatusCode int    `json:"statusCode"`
	Href       string `json:"href"`
}

func (*ServerError) Type() Type { return TypeError }

func (e *ServerError) Error() string {
	return fmt.Sprintf("streaming server error %d (status %d): %s", e.Code, e.StatusCode, e.Message)
}

// Ignorable reports whether the code falls outside the client error range.
func (e *ServerError) Ignorable() bool {
	return e.Code < 40000 || e.Code > 49999
}

// Retryable reports whether reconnecting with a fresh token may help.
func (e *ServerError) Retryable() bool {
	return e.Code >= 40140 && e.Code <= 40149
}
