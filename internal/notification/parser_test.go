package notification

import (
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
)

func wrap(t *testing.T, channel string, timestamp int64, name string, inner any) string {
	t.Helper()
	innerBytes, err := json.Marshal(inner)
	if err != nil {
		t.Fatal(err)
	}
	env := map[string]any{
		"id":        "abc",
		"timestamp": timestamp,
		"channel":   channel,
		"data":      string(innerBytes),
	}
	if name != "" {
		env["name"] = name
	}
	out, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return string(out)
}

func TestParseSplitUpdate(t *testing.T) {
	def, err := Encode([]byte(`{"name":"flag1","status":"ACTIVE","changeNumber":200}`), CompressionGzip)
	if err != nil {
		t.Fatal(err)
	}
	data := wrap(t, "xxx_splits", 10, "", map[string]any{
		"type": "SPLIT_UPDATE", "changeNumber": 200, "pcn": 100, "c": 1, "d": def,
	})

	n, err := Parse("message", data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	upd, ok := n.(*SplitUpdate)
	if !ok {
		t.Fatalf("expected *SplitUpdate, got %T", n)
	}
	if upd.ChangeNumber != 200 || upd.PreviousChangeNumber == nil || *upd.PreviousChangeNumber != 100 {
		t.Errorf("unexpected change numbers: %+v", upd)
	}
	if upd.Channel() != "xxx_splits" || upd.Timestamp() != 10 {
		t.Errorf("unexpected envelope fields: %s %d", upd.Channel(), upd.Timestamp())
	}

	flag, err := upd.FeatureFlag()
	if err != nil {
		t.Fatalf("decoding flag: %v", err)
	}
	if flag.Name != "flag1" || flag.ChangeNumber != 200 {
		t.Errorf("unexpected flag: %+v", flag)
	}
}

func TestParseSplitUpdateWithoutDefinition(t *testing.T) {
	data := wrap(t, "xxx_splits", 10, "", map[string]any{"type": "SPLIT_UPDATE", "changeNumber": 5})
	n, err := Parse("message", data)
	if err != nil {
		t.Fatal(err)
	}
	flag, err := n.(*SplitUpdate).FeatureFlag()
	if err != nil || flag != nil {
		t.Errorf("expected no definition, got %v, %v", flag, err)
	}
}

func TestParseKillAndRuleBasedSegment(t *testing.T) {
	kill, err := Parse("message", wrap(t, "xxx_splits", 1, "", map[string]any{
		"type": "SPLIT_KILL", "changeNumber": 9, "splitName": "flag1", "defaultTreatment": "off",
	}))
	if err != nil {
		t.Fatal(err)
	}
	want := &SplitKill{base: base{channel: "xxx_splits", timestamp: 1}, ChangeNumber: 9, SplitName: "flag1", DefaultTreatment: "off"}
	if diff := cmp.Diff(want, kill, cmp.AllowUnexported(SplitKill{}, base{})); diff != "" {
		t.Errorf("kill mismatch (-want +got):\n%s", diff)
	}

	rbs, err := Parse("message", wrap(t, "xxx_splits", 2, "", map[string]any{
		"type": "RB_SEGMENT_UPDATE", "changeNumber": 11, "pcn": 10, "c": 0,
		"d": "eyJuYW1lIjoicmJzMSIsInN0YXR1cyI6IkFDVElWRSIsImNoYW5nZU51bWJlciI6MTF9",
	}))
	if err != nil {
		t.Fatal(err)
	}
	seg, err := rbs.(*RuleBasedSegmentUpdate).RuleBasedSegment()
	if err != nil {
		t.Fatal(err)
	}
	if seg.Name != "rbs1" || seg.ChangeNumber != 11 {
		t.Errorf("unexpected rule-based segment: %+v", seg)
	}
}

func TestParseMemberships(t *testing.T) {
	n, err := Parse("message", wrap(t, "xxx_memberships", 3, "", map[string]any{
		"type": "MEMBERSHIPS_LS_UPDATE", "cn": 77, "n": []string{"big"}, "u": 1, "c": 2, "d": "AAAA", "i": 1000, "h": 1, "s": 42,
	}))
	if err != nil {
		t.Fatal(err)
	}
	m := n.(*MembershipsUpdate)
	if !m.Large || m.Type() != TypeLargeMembershipsUpdate {
		t.Error("expected large memberships update")
	}
	if m.Strategy != BoundedFetchRequest || m.Compression != CompressionZlib || m.Seed != 42 || m.HashAlgorithm != 1 {
		t.Errorf("unexpected fields: %+v", m)
	}
	if m.ChangeNumber == nil || *m.ChangeNumber != 77 || *m.IntervalMs != 1000 {
		t.Errorf("unexpected numbers: %+v", m)
	}
}

func TestParseOccupancyAndControl(t *testing.T) {
	occ, err := Parse("message", wrap(t, "[?occupancy=metrics.publishers]control_pri", 5, "[meta]occupancy",
		map[string]any{"metrics": map[string]any{"publishers": 2}}))
	if err != nil {
		t.Fatal(err)
	}
	o := occ.(*Occupancy)
	if o.Channel() != ControlPri || o.Publishers != 2 {
		t.Errorf("unexpected occupancy: %s %d", o.Channel(), o.Publishers)
	}

	ctl, err := Parse("message", wrap(t, "control_pri", 6, "", map[string]any{"type": "CONTROL", "controlType": "STREAMING_PAUSED"}))
	if err != nil {
		t.Fatal(err)
	}
	if ctl.(*Control).ControlType != ControlStreamingPaused {
		t.Errorf("unexpected control type %s", ctl.(*Control).ControlType)
	}
}

func TestParseServerErrors(t *testing.T) {
	tests := []struct {
		code      int
		retryable bool
		ignorable bool
	}{
		{40142, true, false},
		{40140, true, false},
		{40149, true, false},
		{40150, false, false},
		{40000, false, false},
		{50000, false, true},
		{39999, false, true},
	}

	for _, tt := range tests {
		data := fmt.Sprintf(`{"message":"boom","code":%d,"statusCode":401}`, tt.code)
		if !IsErrorFrame("error", data) {
			t.Errorf("code %d: expected error frame", tt.code)
		}
		n, err := Parse("error", data)
		if err != nil {
			t.Fatalf("code %d: %v", tt.code, err)
		}
		se := n.(*ServerError)
		if se.Retryable() != tt.retryable || se.Ignorable() != tt.ignorable {
			t.Errorf("code %d: retryable=%v ignorable=%v", tt.code, se.Retryable(), se.Ignorable())
		}
	}

	named := `{"name":"error","message":"token expired","code":40142,"statusCode":401}`
	if !IsErrorFrame("message", named) {
		t.Error("expected named error frame")
	}
	n, err := Parse("message", named)
	if err != nil {
		t.Fatal(err)
	}
	if n.(*ServerError).Code != 40142 {
		t.Errorf("unexpected code %d", n.(*ServerError).Code)
	}
}

func TestParseFailures(t *testing.T) {
	cases := map[string]string{
		"not json":          "{{",
		"bad inner":         `{"data":"{{"}`,
		"unknown type":      wrap(t, "c", 1, "", map[string]any{"type": "NOPE"}),
		"missing cn":        wrap(t, "c", 1, "", map[string]any{"type": "SPLIT_UPDATE"}),
		"kill without name": wrap(t, "c", 1, "", map[string]any{"type": "SPLIT_KILL", "changeNumber": 1}),
	}
	for name, data := range cases {
		if _, err := Parse("message", data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	if _, err := Parse("keepalive", ""); !errors.Is(err, ErrKeepAlive) {
		t.Errorf("expected ErrKeepAlive, got %v", err)
	}
	_, err := Parse("message", wrap(t, "c", 1, "", map[string]any{"type": "NOPE"}))
	if !errors.Is(err, ErrUnknownType) {
		t.Errorf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	payload := []byte(`{"a":[1,2,3],"r":[18446744073709551615]}`)
	for _, c := range []Compression{CompressionNone, CompressionGzip, CompressionZlib} {
		encoded, err := Encode(payload, c)
		if err != nil {
			t.Fatalf("compression %d: %v", c, err)
		}
		kl, err := DecodeKeyList(encoded, c)
		if err != nil {
			t.Fatalf("compression %d: %v", c, err)
		}
		if diff := cmp.Diff(&KeyListPayload{Added: []uint64{1, 2, 3}, Removed: []uint64{18446744073709551615}}, kl); diff != "" {
			t.Errorf("compression %d mismatch (-want +got):\n%s", c, diff)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode("%%%not-base64", CompressionNone); err == nil {
		t.Error("expected base64 error")
	}
	if _, err := Decode("aGVsbG8=", CompressionGzip); err == nil {
		t.Error("expected gzip error for plain payload")
	}
	if _, err := Decode("aGVsbG8=", Compression(7)); !errors.Is(err, ErrUnknownCompression) {
		t.Errorf("expected ErrUnknownCompression, got %v", err)
	}
	if _, err := DecodeBitmap("", CompressionNone); err == nil {
		t.Error("expected empty bitmap error")
	}
}

func TestBitmapAndKeyList(t *testing.T) {
	bm := make(Bitmap, 16)
	if bm.Contains("alice") {
		t.Fatal("empty bitmap should not contain keys")
	}
	bm.Set("alice")
	if !bm.Contains("alice") {
		t.Error("expected alice bit set")
	}

	idx := uint32(KeyHash("alice")) % uint32(len(bm)*8)
	if bm[idx/8] != 1<<(idx%8) {
		t.Errorf("expected LSB-first bit %d in byte %d, got %08b", idx%8, idx/8, bm[idx/8])
	}

	kl := &KeyListPayload{Added: []uint64{KeyHash("alice")}, Removed: []uint64{KeyHash("bob")}}
	if !kl.IsAdded("alice") || kl.IsRemoved("alice") {
		t.Error("alice should be added only")
	}
	if !kl.IsRemoved("bob") || kl.IsAdded("bob") {
		t.Error("bob should be removed only")
	}
	if kl.IsAdded("carol") || kl.IsRemoved("carol") {
		t.Error("carol should not be listed")
	}
}

func TestFetchDelay(t *testing.T) {
	if d := FetchDelay("alice", 0, 1, nil); d != 0 {
		t.Errorf("algorithm 0 should not delay, got %s", d)
	}

	interval := int64(1000)
	for i := 0; i < 50; i++ {
		key := "key" + strconv.Itoa(i)
		d := FetchDelay(key, 1, 7, &interval)
		if d < 0 || d >= time.Second {
			t.Errorf("%s: delay %s outside [0, 1s)", key, d)
		}
		if d != FetchDelay(key, 1, 7, &interval) {
			t.Errorf("%s: delay should be deterministic", key)
		}
	}

	if d := FetchDelay("alice", 1, 7, nil); d >= DefaultFetchInterval {
		t.Errorf("default interval exceeded: %s", d)
	}
}

func TestKeyHashKnownValues(t *testing.T) {
	// x64 128-bit murmur3 of "hello", seed 0, first half.
	if got := KeyHash("hello"); got != 0xcbd8a7b341bd9b02 {
		t.Errorf("unexpected key hash %#x", got)
	}

	// x86 32-bit murmur3 of "hello", seed 0, is 0x248bfa47.
	interval := int64(1) << 40
	if got := FetchDelay("hello", 1, 0, &interval); got != 0x248bfa47*time.Millisecond {
		t.Errorf("unexpected fetch delay %s", got)
	}
}
