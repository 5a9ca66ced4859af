// Package synchronizer keeps the local snapshot of feature flags, rule-based
// segments and memberships in sync with the control plane. It starts with a
// full sync, then follows the push channel when streaming is available and
// falls back to periodic polling whenever it is not.
package synchronizer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/splitio/flagsync/internal/api"
	"github.com/splitio/flagsync/internal/events"
	"github.com/splitio/flagsync/internal/metrics"
	"github.com/splitio/flagsync/internal/notification"
	"github.com/splitio/flagsync/internal/storage"
	"github.com/splitio/flagsync/internal/streaming"
	"github.com/splitio/flagsync/internal/synchelper"
	"github.com/splitio/flagsync/internal/timers"
	"github.com/splitio/flagsync/internal/worker"
)

// Mode is the transport currently driving updates.
type Mode int

const (
	ModeIdle Mode = iota
	ModePolling
	ModeStreaming
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModePolling:
		return "polling"
	case ModeStreaming:
		return "streaming"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Deps are the collaborators of a Synchronizer. Authenticator and Streamer
// may be nil when streaming is disabled.
type Deps struct {
	ChangesFetcher     api.ChangesFetcher
	MembershipsFetcher api.MembershipsFetcher
	Authenticator      api.Authenticator
	Streamer           streaming.Streamer

	Splits            storage.SplitsStorage
	RuleBasedSegments storage.RuleBasedSegmentsStorage
	Memberships       storage.MembershipsStorage
	LargeMemberships  storage.MembershipsStorage

	// Proxy overrides the outdated proxy strategy built from Options.
	Proxy    synchelper.ProxyStrategy
	Notifier events.Notifier
	Metrics  *metrics.Metrics
}

// Stats is a point-in-time view of the synchronizer.
type Stats struct {
	Mode                          string `json:"mode"`
	Ready                         bool   `json:"ready"`
	Paused                        bool   `json:"paused"`
	StreamingState                string `json:"streaming_state"`
	StreamingDisabled             bool   `json:"streaming_disabled"`
	FeatureFlagsChangeNumber      int64  `json:"feature_flags_change_number"`
	RuleBasedSegmentsChangeNumber int64  `json:"rule_based_segments_change_number"`
	TrackedKeys                   int    `json:"tracked_keys"`
}

// Synchronizer orchestrates the initial sync, streaming and polling.
type Synchronizer struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	scheduler    *timers.Scheduler
	status       *events.Broadcaster[events.PushStatusEvent]
	splitsSync   *synchelper.SplitsSyncHelper
	membersSync  *synchelper.MembershipsSyncHelper
	updates      *worker.UpdateWorkers
	flagsPoller  *worker.PeriodicWorker
	memberPoller *worker.PeriodicWorker
	connMgr      *streaming.ConnectionManager

	ready     atomic.Bool
	readyOnce sync.Once

	mu                sync.Mutex
	ctx               context.Context
	cancel            context.CancelFunc
	started           bool
	stopped           bool
	paused            bool
	pollingOnPause    bool
	mode              Mode
	streamingDisabled bool
	initial           *worker.RetryableWorker
	resync            *worker.RetryableWorker
	statusSub         *events.Subscription[events.PushStatusEvent]
	wg                sync.WaitGroup
}

func New(deps Deps, opts Options, logger *zap.Logger) *Synchronizer {
	opts = opts.withDefaults()
	logger = logger.With(zap.String("component", "synchronizer"))

	s := &Synchronizer{
		deps:      deps,
		opts:      opts,
		logger:    logger,
		scheduler: timers.NewScheduler(logger),
		status:    events.NewBroadcaster[events.PushStatusEvent]("push-status", logger),
	}

	proxy := deps.Proxy
	if proxy == nil {
		proxy = synchelper.NewOutdatedProxyHandler(opts.CustomSDKURL, opts.ProxyCheckInterval, logger)
	}
	s.splitsSync = synchelper.NewSplitsSyncHelper(deps.ChangesFetcher, deps.Splits, deps.RuleBasedSegments,
		proxy, opts.FlagSets, opts.SyncHelper, deps.Metrics, logger)
	s.membersSync = synchelper.NewMembershipsSyncHelper(deps.MembershipsFetcher, deps.Memberships,
		deps.LargeMemberships, opts.SyncHelper, deps.Metrics, logger)

	s.updates = worker.NewUpdateWorkers(s.splitsSync, s.membersSync, worker.Storages{
		Splits:            deps.Splits,
		RuleBasedSegments: deps.RuleBasedSegments,
		Memberships:       deps.Memberships,
		LargeMemberships:  deps.LargeMemberships,
	}, s.scheduler, deps.Notifier, worker.UpdateOptions{
		Retry:                s.onDemandRetry(),
		LargeSegmentsEnabled: opts.LargeSegmentsEnabled,
	}, logger)

	s.flagsPoller = worker.NewPeriodicWorker("feature-flags", opts.FeaturesRefreshRate,
		s.syncSplits, s.scheduler, deps.Notifier, logger)
	s.memberPoller = worker.NewPeriodicWorker("memberships", opts.SegmentsRefreshRate,
		s.syncMemberships, s.scheduler, deps.Notifier, logger)

	if opts.StreamingEnabled && deps.Authenticator != nil && deps.Streamer != nil {
		tracker := notification.NewStatusTracker(s.status, logger)
		processor := notification.NewProcessor(tracker, s.updates, deps.Metrics, logger)
		s.connMgr = streaming.NewConnectionManager(deps.Authenticator, deps.Streamer, s.scheduler, s.status,
			deps.Metrics, streaming.ManagerOptions{
				Keys:                 opts.UserKeys,
				KeepAliveTimeout:     opts.KeepAliveTimeout,
				TokenRefreshMargin:   opts.TokenRefreshMargin,
				ReconnectBackoffBase: opts.ReconnectBackoffBase,
				AuthBackoffBase:      opts.AuthBackoffBase,
				OnEvent: func(evt streaming.Event) {
					processor.Process(evt.Event, evt.Data)
				},
				OnConnected: tracker.Reset,
			}, logger)
	}
	return s
}

func (s *Synchronizer) onDemandRetry() worker.RetryOptions {
	return worker.RetryOptions{BackoffBase: s.opts.RetryBackoffBase, MaxRetries: s.opts.OnDemandMaxRetries}
}

// Start runs the initial sync in the background and brings up streaming, or
// polling when streaming is unavailable. It is a no-op after the first call.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.updates.Start(s.ctx)

	s.initial = worker.NewRetryableWorker("initial-sync", s.syncAll, s.deps.Notifier,
		worker.RetryOptions{BackoffBase: s.opts.RetryBackoffBase}, s.logger)
	s.initial.OnComplete(s.onInitialSync)
	s.initial.Start(s.ctx)

	if s.connMgr == nil {
		s.logger.Info("streaming disabled, polling for changes")
		s.startPollingLocked()
		return
	}

	s.statusSub = s.status.Subscribe()
	s.wg.Add(1)
	go s.watchPushStatus(s.statusSub)
	s.connMgr.Start()
}

func (s *Synchronizer) onInitialSync(success bool) {
	if !success {
		s.logger.Warn("initial sync did not complete")
		return
	}
	s.flagsPoller.MarkInitialSyncDone()
	s.memberPoller.MarkInitialSyncDone()
	s.readyOnce.Do(func() {
		s.ready.Store(true)
		s.logger.Info("sdk ready",
			zap.Int64("feature_flags_change_number", s.deps.Splits.ChangeNumber()),
			zap.Int64("rule_based_segments_change_number", s.deps.RuleBasedSegments.ChangeNumber()))
		s.deps.Notifier.Notify(events.SDKReady)
	})
}

// Stop tears down streaming, polling and every pending timer. The
// synchronizer cannot be restarted.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mode = ModeIdle
	if s.initial != nil {
		s.initial.Stop()
	}
	if s.resync != nil {
		s.resync.Stop()
	}
	if s.connMgr != nil {
		s.connMgr.Stop()
	}
	s.flagsPoller.Stop()
	s.memberPoller.Stop()
	cancel := s.cancel
	sub := s.statusSub
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.updates.Stop()
	if sub != nil {
		s.status.Unsubscribe(sub)
	}
	s.wg.Wait()
	s.scheduler.Close()
	s.status.Close()
	s.logger.Info("synchronizer stopped")
}

// Pause stops polling and streaming until Resume.
func (s *Synchronizer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.stopped || s.paused {
		return
	}
	s.paused = true
	s.pollingOnPause = s.flagsPoller.IsRunning()
	s.stopPollingLocked()
	if s.connMgr != nil && !s.streamingDisabled {
		s.connMgr.Pause()
	}
	s.logger.Info("synchronizer paused")
}

// Resume restores the transports that were active before Pause.
func (s *Synchronizer) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused || s.stopped {
		return
	}
	s.paused = false
	if s.pollingOnPause {
		s.startPollingLocked()
	}
	if s.connMgr != nil && !s.streamingDisabled {
		s.connMgr.Resume()
	}
	s.logger.Info("synchronizer resumed")
}

// IsReady reports whether the initial sync has completed.
func (s *Synchronizer) IsReady() bool {
	return s.ready.Load()
}

func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Mode:              s.mode.String(),
		Paused:            s.paused,
		StreamingState:    streaming.StateStopped.String(),
		StreamingDisabled: s.streamingDisabled || s.connMgr == nil,
	}
	s.mu.Unlock()

	if s.connMgr != nil {
		st.StreamingState = s.connMgr.State().String()
	}
	st.Ready = s.IsReady()
	st.FeatureFlagsChangeNumber = s.deps.Splits.ChangeNumber()
	st.RuleBasedSegmentsChangeNumber = s.deps.RuleBasedSegments.ChangeNumber()
	st.TrackedKeys = len(s.keys())
	return st
}

func (s *Synchronizer) watchPushStatus(sub *events.Subscription[events.PushStatusEvent]) {
	defer s.wg.Done()
	for evt := range sub.C {
		s.handlePushStatus(evt)
	}
}

func (s *Synchronizer) handlePushStatus(evt events.PushStatusEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.paused {
		return
	}

	s.logger.Debug("handling push status", zap.Stringer("status", evt.Status))
	switch evt.Status {
	case events.PushSubsystemUp:
		s.stopPollingLocked()
		s.mode = ModeStreaming
		s.resyncLocked()

	case events.PushSubsystemDown, events.PushRetryableError:
		// The connection manager reconnects on its own after retryable errors.
		s.startPollingLocked()

	case events.PushNonRetryableError, events.PushSubsystemDisabled:
		s.logger.Warn("streaming disabled for this session", zap.Stringer("status", evt.Status))
		s.streamingDisabled = true
		s.connMgr.Stop()
		s.startPollingLocked()

	case events.PushReset:
		s.connMgr.Restart()

	case events.PushDelayReceived:
		s.logger.Info("streaming connection delayed", zap.Duration("delay", evt.Delay))
	}
}

func (s *Synchronizer) startPollingLocked() {
	s.mode = ModePolling
	s.flagsPoller.Start(s.ctx)
	s.memberPoller.Start(s.ctx)
}

func (s *Synchronizer) stopPollingLocked() {
	s.flagsPoller.Stop()
	s.memberPoller.Stop()
}

// resyncLocked catches up on whatever changed while the push channel was
// down. A previous catch-up still running is abandoned.
func (s *Synchronizer) resyncLocked() {
	if s.resync != nil {
		s.resync.Stop()
	}
	s.resync = worker.NewRetryableWorker("streaming-resync", s.syncAll, s.deps.Notifier, s.onDemandRetry(), s.logger)
	s.resync.Start(s.ctx)
}

func (s *Synchronizer) keys() []string {
	if len(s.opts.UserKeys) > 0 {
		return s.opts.UserKeys
	}
	return s.deps.Memberships.Keys()
}

// syncAll syncs flags, rule-based segments and every key's memberships
// concurrently.
func (s *Synchronizer) syncAll(ctx context.Context) ([]events.Kind, error) {
	var (
		mu    sync.Mutex
		kinds []events.Kind
	)
	collect := func(k []events.Kind) {
		mu.Lock()
		kinds = append(kinds, k...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		k, err := s.syncSplits(gctx)
		collect(k)
		return err
	})
	g.Go(func() error {
		k, err := s.syncMemberships(gctx)
		collect(k)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dedupe(kinds), nil
}

func (s *Synchronizer) syncSplits(ctx context.Context) ([]events.Kind, error) {
	res, err := s.splitsSync.Sync(ctx, synchelper.FullSync())
	if err != nil {
		return nil, fmt.Errorf("syncing feature flags: %w", err)
	}
	var kinds []events.Kind
	if res.FeatureFlagsUpdated {
		kinds = append(kinds, events.SplitsUpdated)
	}
	if res.RuleBasedSegmentsUpdated {
		kinds = append(kinds, events.RuleBasedSegmentsUpdated)
	}
	return kinds, nil
}

func (s *Synchronizer) syncMemberships(ctx context.Context) ([]events.Kind, error) {
	var (
		mu    sync.Mutex
		kinds []events.Kind
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range s.keys() {
		g.Go(func() error {
			res, err := s.membersSync.Sync(gctx, synchelper.MembershipsRequest{
				Key:       key,
				Till:      synchelper.NoTarget,
				LargeTill: synchelper.NoTarget,
			})
			if err != nil {
				return fmt.Errorf("syncing memberships: %w", err)
			}
			mu.Lock()
			defer mu.Unlock()
			if res.MembershipsUpdated {
				kinds = append(kinds, events.MembershipsUpdated)
			}
			if res.LargeMembershipsUpdated && s.opts.LargeSegmentsEnabled {
				kinds = append(kinds, events.LargeMembershipsUpdated)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dedupe(kinds), nil
}

func dedupe(kinds []events.Kind) []events.Kind {
	seen := make(map[events.Kind]bool, len(kinds))
	out := kinds[:0]
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	return out
}
