package faker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/api"
	"github.com/splitio/flagsync/internal/dtos"
	"github.com/splitio/flagsync/internal/notification"
	"github.com/splitio/flagsync/internal/streaming"
)

const testKey = "faker-sdk-key"

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	opts.SDKKey = testKey
	srv := NewServer(NewStore(), opts, zap.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Broadcaster().DisconnectAll()
		ts.Close()
	})
	return srv, ts
}

func newClient(key string) *api.HTTPClient {
	return api.NewClient(api.ClientOptions{SDKKey: key, Timeout: 5 * time.Second, RatePerSecond: 100}, zap.NewNop())
}

func post(t *testing.T, url, body string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		t.Fatalf("POST %s: unexpected status %d", url, resp.StatusCode)
	}
}

func TestSplitChanges(t *testing.T) {
	srv, ts := newTestServer(t, Options{})
	stored, pcn := srv.store.UpsertFlag(dtos.Split{Name: "flag1", DefaultTreatment: "on"})
	if pcn != -1 {
		t.Errorf("expected previous change number -1, got %d", pcn)
	}

	fetcher := api.NewChangesFetcher(newClient(testKey), ts.URL+"/api", zap.NewNop())
	change, err := fetcher.Fetch(context.Background(), api.ChangesRequest{Since: -1, RBSince: -1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if change.FeatureFlags.Till != stored.ChangeNumber || len(change.FeatureFlags.Splits) != 1 {
		t.Fatalf("unexpected page: %+v", change.FeatureFlags)
	}

	change, err = fetcher.Fetch(context.Background(), api.ChangesRequest{Since: stored.ChangeNumber, RBSince: -1})
	if err != nil {
		t.Fatal(err)
	}
	if change.FeatureFlags.Since != change.FeatureFlags.Till || len(change.FeatureFlags.Splits) != 0 {
		t.Errorf("expected an empty final page, got %+v", change.FeatureFlags)
	}
}

func TestSplitChanges_LegacyOnly(t *testing.T) {
	srv, ts := newTestServer(t, Options{LegacyOnly: true})
	srv.store.UpsertFlag(dtos.Split{Name: "flag1"})
	fetcher := api.NewChangesFetcher(newClient(testKey), ts.URL+"/api", zap.NewNop())

	_, err := fetcher.Fetch(context.Background(), api.ChangesRequest{Since: -1, RBSince: -1, Spec: dtos.Spec13})
	if !errors.Is(err, api.ErrBadRequest) {
		t.Fatalf("expected bad request for the latest spec, got %v", err)
	}

	change, err := fetcher.Fetch(context.Background(), api.ChangesRequest{Since: -1, Spec: dtos.Spec11})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(change.FeatureFlags.Splits) != 1 || change.RuleBasedSegments.Till != -1 {
		t.Errorf("unexpected legacy page: %+v", change)
	}
}

func TestRejectsWrongSDKKey(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	fetcher := api.NewMembershipsFetcher(newClient("wrong"), ts.URL+"/api", zap.NewNop())

	_, err := fetcher.Fetch(context.Background(), "alice", nil, false)
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestMemberships(t *testing.T) {
	srv, ts := newTestServer(t, Options{})
	cn := srv.store.SetMemberships("alice", []string{"beta", "vip"}, false)
	fetcher := api.NewMembershipsFetcher(newClient(testKey), ts.URL+"/api", zap.NewNop())

	resp, err := fetcher.Fetch(context.Background(), "alice", nil, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"beta", "vip"}, resp.Memberships.Names()); diff != "" {
		t.Errorf("memberships mismatch (-want +got):\n%s", diff)
	}
	if resp.Memberships.ChangeNumberOr(0) != cn {
		t.Errorf("expected change number %d, got %d", cn, resp.Memberships.ChangeNumberOr(0))
	}

	resp, err = fetcher.Fetch(context.Background(), "bob", nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Memberships.ChangeNumber != nil || len(resp.Memberships.Segments) != 0 {
		t.Errorf("expected an unversioned empty response for bob, got %+v", resp.Memberships)
	}
}

func TestAuthIssuesStreamingToken(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	auth := api.NewAuthenticator(newClient(testKey), ts.URL+"/api", zap.NewNop())

	resp, err := auth.Authenticate(context.Background(), []string{"alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.PushEnabled {
		t.Fatal("expected push enabled")
	}
	token, err := streaming.ParseToken(resp.Token)
	if err != nil {
		t.Fatalf("token does not parse: %v", err)
	}
	want := []string{
		streaming.OccupancyPrefix + "control_pri",
		streaming.OccupancyPrefix + "control_sec",
		"flagsync_memberships",
		"flagsync_splits",
	}
	if diff := cmp.Diff(want, token.Channels); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
}

func TestAuthPushDisabled(t *testing.T) {
	_, ts := newTestServer(t, Options{PushDisabled: true})
	auth := api.NewAuthenticator(newClient(testKey), ts.URL+"/api", zap.NewNop())

	resp, err := auth.Authenticate(context.Background(), []string{"alice"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.PushEnabled {
		t.Error("expected push disabled")
	}
}

func TestSSERejectsMissingToken(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	resp, err := http.Get(ts.URL + "/sse?channels=flagsync_splits")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

func TestStreamDeliversAdminUpdates(t *testing.T) {
	srv, ts := newTestServer(t, Options{})
	auth := api.NewAuthenticator(newClient(testKey), ts.URL+"/api", zap.NewNop())
	resp, err := auth.Authenticate(context.Background(), []string{"alice"})
	if err != nil {
		t.Fatal(err)
	}
	token, err := streaming.ParseToken(resp.Token)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	connected := make(chan struct{})
	received := make(chan notification.Notification, 16)
	client := streaming.NewClient(ts.URL, zap.NewNop())
	go func() {
		_ = client.Connect(ctx, token, streaming.Callbacks{
			OnConnected: func() { close(connected) },
			OnEvent: func(evt streaming.Event) {
				n, err := notification.Parse(evt.Event, evt.Data)
				if err == nil {
					received <- n
				}
			},
		})
	}()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not connect")
	}

	// Two occupancy frames confirm the connection.
	for i := 0; i < 2; i++ {
		n := next(t, received)
		if _, ok := n.(*notification.Occupancy); !ok {
			t.Fatalf("expected occupancy, got %T", n)
		}
	}

	seed, _ := srv.store.UpsertFlag(dtos.Split{Name: "seed"})
	post(t, ts.URL+"/admin/flags", `{"name":"flag1","defaultTreatment":"off","status":"ACTIVE"}`)
	upd, ok := next(t, received).(*notification.SplitUpdate)
	if !ok {
		t.Fatal("expected a feature flag update")
	}
	if upd.PreviousChangeNumber == nil || *upd.PreviousChangeNumber != seed.ChangeNumber {
		t.Errorf("expected pcn %d, got %v", seed.ChangeNumber, upd.PreviousChangeNumber)
	}
	flag, err := upd.FeatureFlag()
	if err != nil || flag == nil || flag.Name != "flag1" || flag.ChangeNumber != upd.ChangeNumber {
		t.Fatalf("unexpected definition %+v (err %v)", flag, err)
	}

	post(t, ts.URL+"/admin/flags/flag1/kill", `{"defaultTreatment":"off"}`)
	if _, ok := next(t, received).(*notification.SplitKill); !ok {
		t.Fatal("expected a kill")
	}

	post(t, ts.URL+"/admin/memberships/alice", `{"segments":["beta"]}`)
	ms, ok := next(t, received).(*notification.MembershipsUpdate)
	if !ok || ms.Large || ms.Strategy != notification.UnboundedFetchRequest || ms.ChangeNumber == nil {
		t.Fatalf("unexpected memberships update %+v", ms)
	}

	post(t, ts.URL+"/admin/control", `{"controlType":"STREAMING_PAUSED"}`)
	ctrl, ok := next(t, received).(*notification.Control)
	if !ok || ctrl.ControlType != notification.ControlStreamingPaused {
		t.Fatalf("unexpected control %+v", ctrl)
	}

	post(t, ts.URL+"/admin/occupancy", `{"publishers":0}`)
	occ, ok := next(t, received).(*notification.Occupancy)
	if !ok || occ.Publishers != 0 || occ.Channel() != "control_pri" {
		t.Fatalf("unexpected occupancy %+v", occ)
	}
}

func next(t *testing.T, ch <-chan notification.Notification) notification.Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a notification")
	}
	return nil
}

func TestStoreChangeNumbersIncrease(t *testing.T) {
	store := NewStore()
	fixed := time.UnixMilli(1000)
	store.now = func() time.Time { return fixed }

	a, _ := store.UpsertFlag(dtos.Split{Name: "a"})
	b, pcn := store.UpsertFlag(dtos.Split{Name: "b"})
	if b.ChangeNumber <= a.ChangeNumber || pcn != a.ChangeNumber {
		t.Errorf("change numbers must increase: a=%d b=%d pcn=%d", a.ChangeNumber, b.ChangeNumber, pcn)
	}
	if cn, ok := store.KillFlag("missing", "off"); ok {
		t.Errorf("expected unknown flag, got %d", cn)
	}

	change := store.Changes(a.ChangeNumber, -1)
	if len(change.FeatureFlags.Splits) != 1 || change.FeatureFlags.Splits[0].Name != "b" {
		t.Errorf("expected only b after a, got %+v", change.FeatureFlags.Splits)
	}
}

func TestMembershipsRejectsNonHashPath(t *testing.T) {
	_, ts := newTestServer(t, Options{})

	_, err := newClient(testKey).Get(context.Background(), ts.URL+"/api/memberships/alice", nil)
	if !errors.Is(err, api.ErrBadRequest) {
		t.Errorf("expected ErrBadRequest for a raw key, got %v", err)
	}
}
