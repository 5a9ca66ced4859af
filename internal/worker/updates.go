package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/dtos"
	"github.com/splitio/flagsync/internal/events"
	"github.com/splitio/flagsync/internal/notification"
	"github.com/splitio/flagsync/internal/storage"
	"github.com/splitio/flagsync/internal/synchelper"
	"github.com/splitio/flagsync/internal/timers"
)

// SplitsSyncer syncs feature flags and rule-based segments.
type SplitsSyncer interface {
	Sync(ctx context.Context, req synchelper.SplitsRequest) (synchelper.SplitsResult, error)
}

// MembershipsSyncer syncs the memberships of one key.
type MembershipsSyncer interface {
	Sync(ctx context.Context, req synchelper.MembershipsRequest) (synchelper.MembershipsResult, error)
}

// UpdateOptions tunes the update workers.
type UpdateOptions struct {
	QueueSize            int
	Retry                RetryOptions
	LargeSegmentsEnabled bool
}

// UpdateWorkers apply streaming notifications, one queue per class: flags,
// rule-based segments, kills, memberships and large memberships.
type UpdateWorkers struct {
	splitsSync      SplitsSyncer
	membershipsSync MembershipsSyncer
	splits          storage.SplitsStorage
	rbs             storage.RuleBasedSegmentsStorage
	ms              storage.MembershipsStorage
	ls              storage.MembershipsStorage
	scheduler       *timers.Scheduler
	notifier        events.Notifier
	opts            UpdateOptions
	logger          *zap.Logger

	flags            *queue
	ruleBased        *queue
	kills            *queue
	memberships      *queue
	largeMemberships *queue

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Storages groups the storages the update workers write to.
type Storages struct {
	Splits            storage.SplitsStorage
	RuleBasedSegments storage.RuleBasedSegmentsStorage
	Memberships       storage.MembershipsStorage
	LargeMemberships  storage.MembershipsStorage
}

func NewUpdateWorkers(
	splitsSync SplitsSyncer,
	membershipsSync MembershipsSyncer,
	st Storages,
	scheduler *timers.Scheduler,
	notifier events.Notifier,
	opts UpdateOptions,
	logger *zap.Logger,
) *UpdateWorkers {
	w := &UpdateWorkers{
		splitsSync:      splitsSync,
		membershipsSync: membershipsSync,
		splits:          st.Splits,
		rbs:             st.RuleBasedSegments,
		ms:              st.Memberships,
		ls:              st.LargeMemberships,
		scheduler:       scheduler,
		notifier:        notifier,
		opts:            opts,
		logger:          logger.With(zap.String("component", "update-workers")),
	}
	w.flags = newQueue("feature-flags", opts.QueueSize, w.handleSplitUpdate, w.logger)
	w.ruleBased = newQueue("rule-based-segments", opts.QueueSize, w.handleRuleBasedSegmentUpdate, w.logger)
	w.kills = newQueue("kills", opts.QueueSize, w.handleKill, w.logger)
	w.memberships = newQueue("memberships", opts.QueueSize, w.handleMemberships, w.logger)
	w.largeMemberships = newQueue("large-memberships", opts.QueueSize, w.handleMemberships, w.logger)
	return w
}

// Start launches one goroutine per queue.
func (w *UpdateWorkers) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	w.ctx, w.cancel = context.WithCancel(ctx)
	for _, q := range []*queue{w.flags, w.ruleBased, w.kills, w.memberships, w.largeMemberships} {
		w.wg.Add(1)
		go q.run(w.ctx, &w.wg)
	}
}

// Stop ends the queues and waits for them. Fetches in flight finish on
// their own and are not retried.
func (w *UpdateWorkers) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	w.wg.Wait()
}

// Dispatch routes a notification to its class queue.
func (w *UpdateWorkers) Dispatch(n notification.Notification) {
	switch v := n.(type) {
	case *notification.SplitUpdate:
		w.flags.enqueue(v)
	case *notification.RuleBasedSegmentUpdate:
		w.ruleBased.enqueue(v)
	case *notification.SplitKill:
		w.kills.enqueue(v)
	case *notification.MembershipsUpdate:
		if v.Large {
			if !w.opts.LargeSegmentsEnabled {
				return
			}
			w.largeMemberships.enqueue(v)
			return
		}
		w.memberships.enqueue(v)
	default:
		w.logger.Debug("no worker for notification", zap.String("type", string(n.Type())))
	}
}

func (w *UpdateWorkers) handleSplitUpdate(ctx context.Context, n notification.Notification) {
	upd := n.(*notification.SplitUpdate)
	stored := w.splits.ChangeNumber()
	if upd.ChangeNumber <= stored {
		w.logger.Debug("feature flag notification already applied",
			zap.Int64("change_number", upd.ChangeNumber),
			zap.Int64("stored", stored))
		return
	}

	if upd.PreviousChangeNumber != nil && *upd.PreviousChangeNumber == stored {
		if w.applySplitInPlace(upd) {
			return
		}
	}
	w.fetchSplits(ctx, synchelper.SplitsRequest{Till: upd.ChangeNumber, RBTill: synchelper.NoTarget})
}

// applySplitInPlace stores the definition carried by the notification. It
// reports false when a fetch is needed instead.
func (w *UpdateWorkers) applySplitInPlace(upd *notification.SplitUpdate) bool {
	split, err := upd.FeatureFlag()
	if err != nil {
		w.logger.Warn("undecodable feature flag payload, fetching instead", zap.Error(err))
		return false
	}
	if split == nil {
		return false
	}
	if refs := split.RuleBasedSegmentNames(); len(refs) > 0 && !w.rbs.Contains(refs) {
		w.logger.Debug("feature flag references unknown rule-based segments, fetching",
			zap.Strings("rule_based_segments", refs))
		return false
	}

	change := storage.SplitChange{ChangeNumber: upd.ChangeNumber}
	if split.IsActive() {
		change.ToAdd = []dtos.Split{*split}
	} else {
		change.ToRemove = []dtos.Split{*split}
	}
	if w.splits.Update(change) {
		w.notifier.Notify(events.SplitsUpdated)
	}
	w.logger.Debug("applied feature flag in place",
		zap.String("flag", split.Name),
		zap.Int64("change_number", upd.ChangeNumber))
	return true
}

func (w *UpdateWorkers) handleRuleBasedSegmentUpdate(ctx context.Context, n notification.Notification) {
	upd := n.(*notification.RuleBasedSegmentUpdate)
	stored := w.rbs.ChangeNumber()
	if upd.ChangeNumber <= stored {
		return
	}

	if upd.PreviousChangeNumber != nil && *upd.PreviousChangeNumber == stored {
		if w.applyRuleBasedSegmentInPlace(upd) {
			return
		}
	}
	w.fetchSplits(ctx, synchelper.SplitsRequest{Till: synchelper.NoTarget, RBTill: upd.ChangeNumber})
}

func (w *UpdateWorkers) applyRuleBasedSegmentInPlace(upd *notification.RuleBasedSegmentUpdate) bool {
	seg, err := upd.RuleBasedSegment()
	if err != nil {
		w.logger.Warn("undecodable rule-based segment payload, fetching instead", zap.Error(err))
		return false
	}
	if seg == nil {
		return false
	}
	if refs := seg.RuleBasedSegmentNames(); len(refs) > 0 && !w.rbs.Contains(refs) {
		return false
	}

	change := storage.RuleBasedSegmentChange{ChangeNumber: upd.ChangeNumber}
	if seg.IsActive() {
		change.ToAdd = []dtos.RuleBasedSegment{*seg}
	} else {
		change.ToRemove = []dtos.RuleBasedSegment{*seg}
	}
	if w.rbs.Update(change) {
		w.notifier.Notify(events.RuleBasedSegmentsUpdated)
	}
	return true
}

func (w *UpdateWorkers) handleKill(ctx context.Context, n notification.Notification) {
	kill := n.(*notification.SplitKill)
	if w.splits.Kill(kill.SplitName, kill.DefaultTreatment, kill.ChangeNumber) {
		w.logger.Info("feature flag killed",
			zap.String("flag", kill.SplitName),
			zap.Int64("change_number", kill.ChangeNumber))
		w.notifier.Notify(events.SplitKilled)
	}
	// The kill only patches one field; the full definition follows.
	if kill.ChangeNumber > w.splits.ChangeNumber() {
		w.flags.enqueue(&notification.SplitUpdate{ChangeNumber: kill.ChangeNumber})
	}
}

func (w *UpdateWorkers) fetchSplits(ctx context.Context, req synchelper.SplitsRequest) {
	worker := NewRetryableWorker("feature-flags-update", func(ctx context.Context) ([]events.Kind, error) {
		res, err := w.splitsSync.Sync(ctx, req)
		if err != nil {
			return nil, err
		}
		var kinds []events.Kind
		if res.FeatureFlagsUpdated {
			kinds = append(kinds, events.SplitsUpdated)
		}
		if res.RuleBasedSegmentsUpdated {
			kinds = append(kinds, events.RuleBasedSegmentsUpdated)
		}
		return kinds, nil
	}, w.notifier, w.opts.Retry, w.logger)
	worker.Run(ctx)
}

func (w *UpdateWorkers) handleMemberships(ctx context.Context, n notification.Notification) {
	upd := n.(*notification.MembershipsUpdate)
	st := w.ms
	if upd.Large {
		st = w.ls
	}
	keys := st.Keys()

	switch upd.Strategy {
	case notification.BoundedFetchRequest:
		bitmap, err := notification.DecodeBitmap(upd.Data, upd.Compression)
		if err != nil {
			w.logger.Warn("undecodable bitmap, fetching every key", zap.Error(err))
			w.fetchKeys(upd, st, keys)
			return
		}
		var affected []string
		for _, k := range keys {
			if bitmap.Contains(k) {
				affected = append(affected, k)
			}
		}
		w.fetchKeys(upd, st, affected)

	case notification.KeyList:
		if upd.ChangeNumber == nil {
			w.fetchKeys(upd, st, keys)
			return
		}
		kl, err := notification.DecodeKeyList(upd.Data, upd.Compression)
		if err != nil {
			w.logger.Warn("undecodable key list, fetching every key", zap.Error(err))
			w.fetchKeys(upd, st, keys)
			return
		}
		changed := false
		for _, k := range keys {
			switch {
			case kl.IsAdded(k):
				changed = st.Add(k, upd.Names, *upd.ChangeNumber) || changed
			case kl.IsRemoved(k):
				changed = st.Remove(k, upd.Names, *upd.ChangeNumber) || changed
			}
		}
		w.notifyMemberships(upd.Large, changed)

	case notification.SegmentRemoval:
		if upd.ChangeNumber == nil || len(upd.Names) == 0 {
			w.fetchKeys(upd, st, keys)
			return
		}
		changed := false
		for _, k := range keys {
			changed = st.Remove(k, upd.Names, *upd.ChangeNumber) || changed
		}
		w.notifyMemberships(upd.Large, changed)

	default:
		w.fetchKeys(upd, st, keys)
	}
}

func (w *UpdateWorkers) notifyMemberships(large, changed bool) {
	if !changed {
		return
	}
	if large {
		w.notifier.Notify(events.LargeMembershipsUpdated)
		return
	}
	w.notifier.Notify(events.MembershipsUpdated)
}

// fetchKeys schedules a delayed memberships fetch for each key that has not
// reached the notification's change number yet. A key already waiting for a
// fetch is rescheduled rather than fetched twice.
func (w *UpdateWorkers) fetchKeys(upd *notification.MembershipsUpdate, st storage.MembershipsStorage, keys []string) {
	for _, key := range keys {
		till := synchelper.NoTarget
		if upd.ChangeNumber != nil {
			if *upd.ChangeNumber <= st.ChangeNumber(key) {
				continue
			}
			till = *upd.ChangeNumber
		}
		req := synchelper.MembershipsRequest{Key: key, Till: synchelper.NoTarget, LargeTill: synchelper.NoTarget}
		if upd.Large {
			req.LargeTill = till
		} else {
			req.Till = till
		}

		delay := notification.FetchDelay(key, upd.HashAlgorithm, upd.Seed, upd.IntervalMs)
		w.logger.Debug("scheduling memberships fetch",
			zap.Bool("large", upd.Large),
			zap.Int64("till", till),
			zap.Duration("delay", delay))
		w.scheduler.Schedule(membershipsTimer(upd.Large, key), delay, func() {
			w.fetchMemberships(req)
		})
	}
}

func (w *UpdateWorkers) fetchMemberships(req synchelper.MembershipsRequest) {
	w.mu.Lock()
	ctx := w.ctx
	running := w.cancel != nil
	w.mu.Unlock()
	if !running {
		return
	}

	worker := NewRetryableWorker("memberships-update", func(ctx context.Context) ([]events.Kind, error) {
		res, err := w.membershipsSync.Sync(ctx, req)
		if err != nil {
			return nil, err
		}
		var kinds []events.Kind
		if res.MembershipsUpdated {
			kinds = append(kinds, events.MembershipsUpdated)
		}
		if res.LargeMembershipsUpdated {
			kinds = append(kinds, events.LargeMembershipsUpdated)
		}
		return kinds, nil
	}, w.notifier, w.opts.Retry, w.logger)
	worker.Run(ctx)
}

func membershipsTimer(large bool, key string) string {
	if large {
		return "large-memberships-fetch/" + key
	}
	return "memberships-fetch/" + key
}
