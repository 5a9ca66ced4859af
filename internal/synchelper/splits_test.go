package synchelper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/api"
	"github.com/splitio/flagsync/internal/dtos"
	"github.com/splitio/flagsync/internal/storage"
)

// fakeChangesFetcher answers from a handler and records every request.
type fakeChangesFetcher struct {
	mu       sync.Mutex
	requests []api.ChangesRequest
	handler  func(req api.ChangesRequest) (*dtos.TargetingRulesChange, error)
}

func (f *fakeChangesFetcher) Fetch(ctx context.Context, req api.ChangesRequest) (*dtos.TargetingRulesChange, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.handler(req)
}

func (f *fakeChangesFetcher) Requests() []api.ChangesRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.ChangesRequest(nil), f.requests...)
}

func page(since, till int64, splits ...dtos.Split) *dtos.TargetingRulesChange {
	return &dtos.TargetingRulesChange{
		FeatureFlags:      dtos.FeatureFlagsChange{Splits: splits, Since: since, Till: till},
		RuleBasedSegments: dtos.RuleBasedSegmentsChange{Since: -1, Till: -1},
	}
}

func flag(name string, cn int64) dtos.Split {
	return dtos.Split{Name: name, Status: dtos.StatusActive, ChangeNumber: cn}
}

var fastOpts = Options{
	MaxAttempts:    3,
	CDNMaxAttempts: 3,
	BackoffBase:    time.Millisecond,
	CDNBackoffBase: time.Millisecond,
}

func newSplitsHelper(fetcher api.ChangesFetcher, proxy ProxyStrategy) (*SplitsSyncHelper, *storage.MemorySplits, *storage.MemoryRuleBasedSegments) {
	splits := storage.NewMemorySplits(nil)
	rbs := storage.NewMemoryRuleBasedSegments()
	if proxy == nil {
		proxy = NewOutdatedProxyHandler(false, 0, zap.NewNop())
	}
	return NewSplitsSyncHelper(fetcher, splits, rbs, proxy, nil, fastOpts, nil, zap.NewNop()), splits, rbs
}

func TestSplitsSyncFromScratch(t *testing.T) {
	fetcher := &fakeChangesFetcher{handler: func(req api.ChangesRequest) (*dtos.TargetingRulesChange, error) {
		if req.Since == -1 {
			return page(-1, 100, flag("flag1", 100)), nil
		}
		return page(100, 100), nil
	}}
	helper, splits, _ := newSplitsHelper(fetcher, nil)

	res, err := helper.Sync(context.Background(), FullSync())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || !res.FeatureFlagsUpdated {
		t.Errorf("expected successful updating sync, got %+v", res)
	}
	if splits.ChangeNumber() != 100 {
		t.Errorf("expected change number 100, got %d", splits.ChangeNumber())
	}
	if _, ok := splits.Get("flag1"); !ok {
		t.Error("flag1 should be stored")
	}

	reqs := fetcher.Requests()
	if len(reqs) != 2 || reqs[0].Since != -1 || reqs[1].Since != 100 {
		t.Errorf("unexpected requests %+v", reqs)
	}
	if reqs[0].Till != nil || reqs[0].NoCache {
		t.Error("plain pass should not bypass the cache")
	}
}

func TestSplitsSyncStaleCDNFails(t *testing.T) {
	fetcher := &fakeChangesFetcher{handler: func(req api.ChangesRequest) (*dtos.TargetingRulesChange, error) {
		// A stale edge cache keeps serving an old snapshot.
		return page(50, 50, flag("flag1", 50)), nil
	}}
	helper, splits, _ := newSplitsHelper(fetcher, nil)
	splits.Update(storage.SplitChange{ToAdd: []dtos.Split{flag("flag1", 100)}, ChangeNumber: 100})

	res, err := helper.Sync(context.Background(), SplitsRequest{Till: 200, RBTill: NoTarget})
	if !errors.Is(err, ErrTargetNotReached) {
		t.Fatalf("expected ErrTargetNotReached, got %v", err)
	}
	if res.Success || res.FeatureFlagsUpdated {
		t.Errorf("unexpected result %+v", res)
	}
	if splits.ChangeNumber() != 100 {
		t.Errorf("snapshot should stay at 100, got %d", splits.ChangeNumber())
	}
	stored, _ := splits.Get("flag1")
	if stored.ChangeNumber != 100 {
		t.Errorf("flag1 should not be overwritten, got cn %d", stored.ChangeNumber)
	}

	reqs := fetcher.Requests()
	if len(reqs) != fastOpts.MaxAttempts+fastOpts.CDNMaxAttempts {
		t.Fatalf("expected %d requests, got %d", fastOpts.MaxAttempts+fastOpts.CDNMaxAttempts, len(reqs))
	}
	for i, r := range reqs {
		bypass := i >= fastOpts.MaxAttempts
		if bypass != r.NoCache || bypass != (r.Till != nil) {
			t.Errorf("request %d: bypass=%v but NoCache=%v Till=%v", i, bypass, r.NoCache, r.Till)
		}
		if bypass && *r.Till != 200 {
			t.Errorf("request %d: expected till=200, got %d", i, *r.Till)
		}
	}
}

func TestSplitsSyncCDNBypassSucceeds(t *testing.T) {
	fetcher := &fakeChangesFetcher{handler: func(req api.ChangesRequest) (*dtos.TargetingRulesChange, error) {
		if req.Till == nil {
			return page(100, 100), nil
		}
		if req.Since == 100 {
			return page(100, 200, flag("flag1", 200)), nil
		}
		return page(200, 200), nil
	}}
	helper, splits, _ := newSplitsHelper(fetcher, nil)
	splits.Update(storage.SplitChange{ChangeNumber: 100})

	res, err := helper.Sync(context.Background(), SplitsRequest{Till: 200, RBTill: NoTarget})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.FeatureFlagsChangeNumber != 200 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSplitsSyncErrorStopsImmediately(t *testing.T) {
	fetcher := &fakeChangesFetcher{handler: func(req api.ChangesRequest) (*dtos.TargetingRulesChange, error) {
		return nil, &api.HTTPError{StatusCode: 500}
	}}
	helper, _, _ := newSplitsHelper(fetcher, nil)

	_, err := helper.Sync(context.Background(), SplitsRequest{Till: 10, RBTill: NoTarget})
	if !errors.Is(err, api.ErrServer) {
		t.Fatalf("expected server error, got %v", err)
	}
	if len(fetcher.Requests()) != 1 {
		t.Errorf("retries belong to the caller, got %d requests", len(fetcher.Requests()))
	}
}

func TestSplitsSyncClearBeforeUpdate(t *testing.T) {
	fetcher := &fakeChangesFetcher{handler: func(req api.ChangesRequest) (*dtos.TargetingRulesChange, error) {
		if req.Since == -1 {
			return page(-1, 5, flag("fresh", 5)), nil
		}
		return page(5, 5), nil
	}}
	helper, splits, _ := newSplitsHelper(fetcher, nil)
	splits.Update(storage.SplitChange{ToAdd: []dtos.Split{flag("old", 300)}, ChangeNumber: 300})

	if _, err := helper.Sync(context.Background(), SplitsRequest{Till: NoTarget, RBTill: NoTarget, ClearBeforeUpdate: true}); err != nil {
		t.Fatal(err)
	}
	if _, ok := splits.Get("old"); ok {
		t.Error("old flag should be cleared")
	}
	if splits.ChangeNumber() != 5 {
		t.Errorf("expected 5, got %d", splits.ChangeNumber())
	}
}

func TestSplitsSyncRuleBasedSegments(t *testing.T) {
	fetcher := &fakeChangesFetcher{handler: func(req api.ChangesRequest) (*dtos.TargetingRulesChange, error) {
		change := page(10, 10)
		if req.RBSince == -1 {
			change.RuleBasedSegments = dtos.RuleBasedSegmentsChange{
				Segments: []dtos.RuleBasedSegment{{Name: "rbs1", Status: dtos.StatusActive, ChangeNumber: 7}},
				Since:    -1, Till: 7,
			}
		} else {
			change.RuleBasedSegments = dtos.RuleBasedSegmentsChange{Since: 7, Till: 7}
		}
		return change, nil
	}}
	helper, _, rbs := newSplitsHelper(fetcher, nil)

	res, err := helper.Sync(context.Background(), SplitsRequest{Till: NoTarget, RBTill: 7})
	if err != nil {
		t.Fatal(err)
	}
	if !res.RuleBasedSegmentsUpdated || rbs.ChangeNumber() != 7 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestSplitsSyncOutdatedProxy(t *testing.T) {
	now := time.Unix(1700000000, 0)
	proxy := NewOutdatedProxyHandler(true, time.Hour, zap.NewNop())
	proxy.now = func() time.Time { return now }

	fetcher := &fakeChangesFetcher{handler: func(req api.ChangesRequest) (*dtos.TargetingRulesChange, error) {
		if req.Spec == dtos.Spec13 && now.Before(time.Unix(1700000000, 0).Add(2*time.Hour)) {
			return nil, &api.HTTPError{StatusCode: 400}
		}
		if req.Since == -1 {
			return page(-1, 20, flag("flag1", 20)), nil
		}
		return page(req.Since, req.Since), nil
	}}
	helper, splits, _ := newSplitsHelper(fetcher, proxy)
	splits.Update(storage.SplitChange{ToAdd: []dtos.Split{flag("stale", 10)}, ChangeNumber: 10})

	if _, err := helper.Sync(context.Background(), FullSync()); err != nil {
		t.Fatalf("legacy fallback should succeed: %v", err)
	}
	specs := []string{}
	for _, r := range fetcher.Requests() {
		specs = append(specs, r.Spec)
	}
	if diff := cmp.Diff([]string{dtos.Spec13, dtos.Spec11}, specs); diff != "" {
		t.Errorf("spec sequence mismatch (-want +got):\n%s", diff)
	}
	if proxy.CurrentSpec() != dtos.Spec11 || proxy.ShouldEnterRecovery() {
		t.Error("expected legacy spec without recovery")
	}

	// After the interval the latest spec is retried from scratch.
	now = now.Add(3 * time.Hour)
	if !proxy.ShouldEnterRecovery() || proxy.CurrentSpec() != dtos.Spec13 {
		t.Fatal("expected recovery with latest spec")
	}
	if _, err := helper.Sync(context.Background(), FullSync()); err != nil {
		t.Fatalf("recovery sync failed: %v", err)
	}
	if _, ok := splits.Get("stale"); ok {
		t.Error("recovery should clear the snapshot")
	}
	if splits.ChangeNumber() != 20 {
		t.Errorf("expected 20 after recovery, got %d", splits.ChangeNumber())
	}
	if proxy.ShouldEnterRecovery() {
		t.Error("recovery mode should end after a successful sync")
	}
}

func TestOutdatedProxyIgnoresDefaultURL(t *testing.T) {
	proxy := NewOutdatedProxyHandler(false, time.Hour, zap.NewNop())
	proxy.TrackProxyError()
	if proxy.CurrentSpec() != dtos.Spec13 || proxy.ShouldEnterRecovery() {
		t.Error("default URL should never downgrade")
	}

	fetcher := &fakeChangesFetcher{handler: func(req api.ChangesRequest) (*dtos.TargetingRulesChange, error) {
		return nil, &api.HTTPError{StatusCode: 400}
	}}
	helper, _, _ := newSplitsHelper(fetcher, proxy)
	if _, err := helper.Sync(context.Background(), FullSync()); !errors.Is(err, api.ErrBadRequest) {
		t.Errorf("expected bad request, got %v", err)
	}
}
