package streaming

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
)

const (
	capabilityClaim      = "x-ably-capability"
	publishersCapability = "channel-metadata:publishers"
	// OccupancyPrefix marks channels that report publisher occupancy.
	OccupancyPrefix = "[?occupancy=metrics.publishers]"
)

// Token is a parsed streaming token.
type Token struct {
	Raw       string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Channels  []string
}

// ParseToken decodes the claims of a streaming token. The signature is
// checked by the streaming server, not here.
func ParseToken(raw string) (*Token, error) {
	if raw == "" {
		return nil, errors.New("empty token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil, fmt.Errorf("parsing token: %w", err)
	}

	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, fmt.Errorf("token without iat: %v", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, fmt.Errorf("token without exp: %v", err)
	}

	capStr, ok := claims[capabilityClaim].(string)
	if !ok {
		return nil, fmt.Errorf("token without %s claim", capabilityClaim)
	}
	var capabilities map[string][]string
	if err := json.Unmarshal([]byte(capStr), &capabilities); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", capabilityClaim, err)
	}

	channels := make([]string, 0, len(capabilities))
	for name, caps := range capabilities {
		if slices.Contains(caps, publishersCapability) {
			name = OccupancyPrefix + name
		}
		channels = append(channels, name)
	}
	slices.Sort(channels)

	return &Token{
		Raw:       raw,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
		Channels:  channels,
	}, nil
}

// RefreshDelay is how long after connecting the token should be replaced:
// its lifetime minus margin, never less than floor.
func (t *Token) RefreshDelay(margin, floor time.Duration) time.Duration {
	d := t.ExpiresAt.Sub(t.IssuedAt) - margin
	if d < floor {
		return floor
	}
	return d
}
