package streaming

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
)

func makeToken(t *testing.T, capabilities map[string][]string, iat, exp time.Time) string {
	t.Helper()
	capJSON, err := json.Marshal(capabilities)
	if err != nil {
		t.Fatal(err)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"x-ably-capability": string(capJSON),
		"iat":               iat.Unix(),
		"exp":               exp.Unix(),
	})
	raw, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestParseToken(t *testing.T) {
	iat := time.Unix(1700000000, 0)
	exp := iat.Add(time.Hour)
	raw := makeToken(t, map[string][]string{
		"xxx_splits":      {"subscribe"},
		"xxx_memberships": {"subscribe"},
		"control_pri":     {"subscribe", "channel-metadata:publishers"},
		"control_sec":     {"subscribe", "channel-metadata:publishers"},
	}, iat, exp)

	token, err := ParseToken(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{
		"[?occupancy=metrics.publishers]control_pri",
		"[?occupancy=metrics.publishers]control_sec",
		"xxx_memberships",
		"xxx_splits",
	}
	if diff := cmp.Diff(want, token.Channels); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
	if !token.IssuedAt.Equal(iat) || !token.ExpiresAt.Equal(exp) {
		t.Errorf("unexpected times %s %s", token.IssuedAt, token.ExpiresAt)
	}
	if d := token.RefreshDelay(10*time.Minute, time.Minute); d != 50*time.Minute {
		t.Errorf("expected 50m refresh delay, got %s", d)
	}
	if d := token.RefreshDelay(2*time.Hour, time.Minute); d != time.Minute {
		t.Errorf("expected 1m floor, got %s", d)
	}
}

func TestParseTokenErrors(t *testing.T) {
	if _, err := ParseToken(""); err == nil {
		t.Error("expected error for empty token")
	}
	if _, err := ParseToken("not.a.jwt"); err == nil {
		t.Error("expected error for garbage token")
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"iat": 1, "exp": 2})
	raw, _ := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := ParseToken(raw); err == nil {
		t.Error("expected error for missing capability claim")
	}
}
