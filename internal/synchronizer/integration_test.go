package synchronizer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/api"
	"github.com/splitio/flagsync/internal/dtos"
	"github.com/splitio/flagsync/internal/events"
	"github.com/splitio/flagsync/internal/faker"
	"github.com/splitio/flagsync/internal/storage"
	"github.com/splitio/flagsync/internal/streaming"
	"github.com/splitio/flagsync/internal/synchelper"
)

type fakerEnv struct {
	url      string
	store    *faker.Store
	sync     *Synchronizer
	splits   *storage.MemorySplits
	ms       *storage.MemoryMemberships
	notifier *recordingNotifier
}

func newFakerEnv(t *testing.T) *fakerEnv {
	t.Helper()
	store := faker.NewStore()
	store.UpsertFlag(dtos.Split{Name: "flag1", DefaultTreatment: "on"})
	store.SetMemberships("alice", []string{"beta"}, false)

	srv := faker.NewServer(store, faker.Options{SDKKey: "integration"}, zap.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		srv.Broadcaster().DisconnectAll()
		ts.Close()
	})

	client := api.NewClient(api.ClientOptions{SDKKey: "integration", Timeout: 5 * time.Second, RatePerSecond: 100}, zap.NewNop())
	env := &fakerEnv{
		url:      ts.URL,
		store:    store,
		splits:   storage.NewMemorySplits(nil),
		ms:       storage.NewMemoryMemberships("alice"),
		notifier: &recordingNotifier{},
	}
	env.sync = New(Deps{
		ChangesFetcher:     api.NewChangesFetcher(client, ts.URL+"/api", zap.NewNop()),
		MembershipsFetcher: api.NewMembershipsFetcher(client, ts.URL+"/api", zap.NewNop()),
		Authenticator:      api.NewAuthenticator(client, ts.URL+"/api", zap.NewNop()),
		Streamer:           streaming.NewClient(ts.URL, zap.NewNop()),
		Splits:             env.splits,
		RuleBasedSegments:  storage.NewMemoryRuleBasedSegments(),
		Memberships:        env.ms,
		LargeMemberships:   storage.NewMemoryMemberships("alice"),
		Notifier:           env.notifier,
	}, Options{
		StreamingEnabled:     true,
		UserKeys:             []string{"alice"},
		FeaturesRefreshRate:  time.Hour,
		SegmentsRefreshRate:  time.Hour,
		RetryBackoffBase:     time.Millisecond,
		SyncHelper:           synchelper.Options{MaxAttempts: 3, CDNMaxAttempts: 3, BackoffBase: time.Millisecond, CDNBackoffBase: time.Millisecond},
		ReconnectBackoffBase: 10 * time.Millisecond,
		AuthBackoffBase:      10 * time.Millisecond,
		KeepAliveTimeout:     time.Minute,
	}, zap.NewNop())
	t.Cleanup(env.sync.Stop)
	return env
}

func (e *fakerEnv) admin(t *testing.T, path, body string) {
	t.Helper()
	resp, err := http.Post(e.url+"/admin"+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		t.Fatalf("POST /admin%s: unexpected status %d", path, resp.StatusCode)
	}
}

func TestStreamingAgainstFakeControlPlane(t *testing.T) {
	env := newFakerEnv(t)
	env.sync.Start(context.Background())

	waitFor(t, "sdk ready", env.sync.IsReady)
	waitFor(t, "streaming mode", func() bool { return env.sync.Stats().Mode == ModeStreaming.String() })
	if _, ok := env.splits.Get("flag1"); !ok {
		t.Fatal("expected flag1 after the initial sync")
	}

	// Polling runs hourly, so these can only arrive over the stream.
	env.admin(t, "/flags", `{"name":"flag2","defaultTreatment":"off"}`)
	waitFor(t, "flag2 over the stream", func() bool {
		_, ok := env.splits.Get("flag2")
		return ok
	})
	flagsCN, _ := env.store.ChangeNumbers()
	if got := env.splits.ChangeNumber(); got != flagsCN {
		t.Errorf("expected change number %d, got %d", flagsCN, got)
	}

	env.admin(t, "/flags/flag1/kill", `{"defaultTreatment":"off"}`)
	waitFor(t, "flag1 killed", func() bool {
		f, ok := env.splits.Get("flag1")
		return ok && f.Killed && f.DefaultTreatment == "off"
	})
	if env.notifier.Count(events.SplitKilled) == 0 {
		t.Error("expected a kill event")
	}

	env.admin(t, "/memberships/alice", `{"segments":["beta","vip"]}`)
	waitFor(t, "memberships update", func() bool {
		return cmp.Equal([]string{"beta", "vip"}, env.ms.Get("alice"))
	})

	env.admin(t, "/control", `{"controlType":"STREAMING_DISABLED"}`)
	waitFor(t, "polling after streaming is disabled", func() bool {
		st := env.sync.Stats()
		return st.Mode == ModePolling.String() && st.StreamingDisabled
	})
}

func TestPublishersGoneFallsBackToPolling(t *testing.T) {
	env := newFakerEnv(t)
	env.sync.Start(context.Background())
	waitFor(t, "streaming mode", func() bool { return env.sync.Stats().Mode == ModeStreaming.String() })

	env.admin(t, "/occupancy", `{"channel":"control_pri","publishers":0}`)
	env.admin(t, "/occupancy", `{"channel":"control_sec","publishers":0}`)
	waitFor(t, "polling without publishers", func() bool { return env.sync.Stats().Mode == ModePolling.String() })

	env.admin(t, "/occupancy", `{"channel":"control_pri","publishers":1}`)
	waitFor(t, "streaming with publishers back", func() bool { return env.sync.Stats().Mode == ModeStreaming.String() })
	if env.sync.Stats().StreamingDisabled {
		t.Error("occupancy changes must not disable streaming")
	}
}
