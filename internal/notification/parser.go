package notification

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

const (
	occupancyName   = "[meta]occupancy"
	errorName       = "error"
	occupancyPrefix = "[?occupancy=metrics.publishers]"
	errorEvent      = "error"
	keepAliveEvent  = "keepalive"
)

// ErrUnknownType is returned for payloads with an unrecognized type.
var ErrUnknownType = errors.New("unknown notification type")

// ErrKeepAlive is returned when asked to parse a keep-alive event.
var ErrKeepAlive = errors.New("keepalive event carries no notification")

type envelope struct {
	ID        string `json:"id"`
	ClientID  string `json:"clientId"`
	Timestamp int64  `json:"timestamp"`
	Encoding  string `json:"encoding"`
	Channel   string `json:"channel"`
	Data      string `json:"data"`
	Name      string `json:"name"`
}

type payload struct {
	Type                 Type        `json:"type"`
	ChangeNumber         *int64      `json:"changeNumber"`
	PreviousChangeNumber *int64      `json:"pcn"`
	Compression          Compression `json:"c"`
	Definition           string      `json:"d"`
	SplitName            string      `json:"splitName"`
	DefaultTreatment     string      `json:"defaultTreatment"`
	ControlType          ControlType `json:"controlType"`

	// MEMBERSHIPS_* fields.
	CN            *int64         `json:"cn"`
	Names         []string       `json:"n"`
	Strategy      UpdateStrategy `json:"u"`
	Interval      *int64         `json:"i"`
	HashAlgorithm int            `json:"h"`
	Seed          int64          `json:"s"`
}

type occupancyPayload struct {
	Metrics struct {
		Publishers int `json:"publishers"`
	} `json:"metrics"`
}

// Parse converts one streaming event into a notification.
func Parse(event, data string) (Notification, error) {
	if event == keepAliveEvent {
		return nil, ErrKeepAlive
	}
	if event == errorEvent {
		return parseServerError(data, base{})
	}

	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	b := base{channel: env.Channel, timestamp: env.Timestamp}

	switch env.Name {
	case errorName:
		return parseServerError(data, b)
	case occupancyName:
		var occ occupancyPayload
		if err := json.Unmarshal([]byte(env.Data), &occ); err != nil {
			return nil, fmt.Errorf("decoding occupancy: %w", err)
		}
		b.channel = strings.TrimPrefix(env.Channel, occupancyPrefix)
		return &Occupancy{base: b, Publishers: occ.Metrics.Publishers}, nil
	}

	var p payload
	if err := json.Unmarshal([]byte(env.Data), &p); err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	switch p.Type {
	case TypeSplitUpdate:
		cn, err := required(p.ChangeNumber, p.Type)
		if err != nil {
			return nil, err
		}
		return &SplitUpdate{
			base:                 b,
			ChangeNumber:         cn,
			PreviousChangeNumber: p.PreviousChangeNumber,
			Compression:          p.Compression,
			Definition:           p.Definition,
		}, nil
	case TypeRuleBasedSegmentUpdate:
		cn, err := required(p.ChangeNumber, p.Type)
		if err != nil {
			return nil, err
		}
		return &RuleBasedSegmentUpdate{
			base:                 b,
			ChangeNumber:         cn,
			PreviousChangeNumber: p.PreviousChangeNumber,
			Compression:          p.Compression,
			Definition:           p.Definition,
		}, nil
	case TypeSplitKill:
		cn, err := required(p.ChangeNumber, p.Type)
		if err != nil {
			return nil, err
		}
		if p.SplitName == "" {
			return nil, fmt.Errorf("%s without splitName", p.Type)
		}
		return &SplitKill{
			base:             b,
			ChangeNumber:     cn,
			SplitName:        p.SplitName,
			DefaultTreatment: p.DefaultTreatment,
		}, nil
	case TypeMembershipsUpdate, TypeLargeMembershipsUpdate:
		return &MembershipsUpdate{
			base:          b,
			Large:         p.Type == TypeLargeMembershipsUpdate,
			ChangeNumber:  p.CN,
			Names:         p.Names,
			Strategy:      p.Strategy,
			Compression:   p.Compression,
			Data:          p.Definition,
			IntervalMs:    p.Interval,
			HashAlgorithm: p.HashAlgorithm,
			Seed:          p.Seed,
		}, nil
	case TypeControl:
		return &Control{base: b, ControlType: p.ControlType}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
}

// IsErrorFrame reports whether an event is a server error frame without
// fully parsing it.
func IsErrorFrame(event, data string) bool {
	if event == errorEvent {
		return true
	}
	var env struct {
		Name string `json:"name"`
	}
	return json.Unmarshal([]byte(data), &env) == nil && env.Name == errorName
}

func parseServerError(data string, b base) (*ServerError, error) {
	se := &ServerError{}
	if err := json.Unmarshal([]byte(data), se); err != nil {
		return nil, fmt.Errorf("decoding error frame: %w", err)
	}
	se.base = b
	return se, nil
}

func required(cn *int64, t Type) (int64, error) {
	if cn == nil {
		return 0, fmt.Errorf("%s without changeNumber", t)
	}
	return *cn, nil
}
