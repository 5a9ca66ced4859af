package synchelper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/api"
	"github.com/splitio/flagsync/internal/backoff"
	"github.com/splitio/flagsync/internal/dtos"
	"github.com/splitio/flagsync/internal/metrics"
	"github.com/splitio/flagsync/internal/storage"
)

// ErrTargetNotReached is returned when every attempt, including the CDN
// bypass ladder, came back older than the requested change number.
var ErrTargetNotReached = errors.New("target change number not reached")

// SplitsRequest is the goal of a feature flag sync.
type SplitsRequest struct {
	Till              int64
	RBTill            int64
	ClearBeforeUpdate bool
}

// FullSync asks for everything newer than the stored snapshot.
func FullSync() SplitsRequest {
	return SplitsRequest{Till: NoTarget, RBTill: NoTarget}
}

// SplitsResult is the outcome of a feature flag sync.
type SplitsResult struct {
	Success                       bool
	FeatureFlagsUpdated           bool
	RuleBasedSegmentsUpdated      bool
	FeatureFlagsChangeNumber      int64
	RuleBasedSegmentsChangeNumber int64
}

// SplitsSyncHelper keeps feature flags and rule-based segments in step with
// the changes endpoint.
type SplitsSyncHelper struct {
	fetcher api.ChangesFetcher
	splits  storage.SplitsStorage
	rbs     storage.RuleBasedSegmentsStorage
	proxy   ProxyStrategy
	sets    []string
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewSplitsSyncHelper(
	fetcher api.ChangesFetcher,
	splits storage.SplitsStorage,
	rbs storage.RuleBasedSegmentsStorage,
	proxy ProxyStrategy,
	sets []string,
	opts Options,
	m *metrics.Metrics,
	logger *zap.Logger,
) *SplitsSyncHelper {
	return &SplitsSyncHelper{
		fetcher: fetcher,
		splits:  splits,
		rbs:     rbs,
		proxy:   proxy,
		sets:    sets,
		opts:    opts.withDefaults(),
		metrics: m,
		logger:  logger.With(zap.String("component", "splits-sync")),
	}
}

// Sync fetches until the stored change numbers reach the request targets.
// A plain pass comes first; if the server keeps answering with older data,
// a second pass sends till and no-cache to get past edge caches.
func (h *SplitsSyncHelper) Sync(ctx context.Context, req SplitsRequest) (SplitsResult, error) {
	start := time.Now()
	res, err := h.sync(ctx, req)
	h.metrics.ObserveFetch(metrics.ResourceFeatureFlags, err, time.Since(start))
	h.metrics.SetChangeNumber(metrics.ResourceFeatureFlags, h.splits.ChangeNumber())
	h.metrics.SetChangeNumber(metrics.ResourceRuleBasedSegments, h.rbs.ChangeNumber())
	return res, err
}

func (h *SplitsSyncHelper) sync(ctx context.Context, req SplitsRequest) (SplitsResult, error) {
	recovery := h.proxy.ShouldEnterRecovery()
	if recovery {
		h.logger.Info("recovering from outdated proxy, rebuilding snapshot")
	}
	s := &splitsSync{
		helper:       h,
		req:          req,
		pendingClear: req.ClearBeforeUpdate || recovery,
	}

	ok, err := s.pass(ctx, nil, h.opts.MaxAttempts, h.opts.BackoffBase)
	if err != nil {
		return s.result(false), err
	}
	if !ok {
		till := max(req.Till, req.RBTill)
		h.logger.Info("stale changes served, bypassing cache", zap.Int64("till", till))
		ok, err = s.pass(ctx, &till, h.opts.CDNMaxAttempts, h.opts.CDNBackoffBase)
		if err != nil {
			return s.result(false), err
		}
	}
	if !ok {
		h.logger.Warn("giving up on target change number",
			zap.Int64("till", req.Till),
			zap.Int64("rb_till", req.RBTill),
			zap.Int64("change_number", h.splits.ChangeNumber()))
		return s.result(false), ErrTargetNotReached
	}

	if recovery {
		h.proxy.ResetProxyCheckTimestamp()
	}
	return s.result(true), nil
}

// splitsSync is the state of one Sync call.
type splitsSync struct {
	helper       *SplitsSyncHelper
	req          SplitsRequest
	pendingClear bool
	flagsUpdated bool
	rbsUpdated   bool
}

func (s *splitsSync) result(success bool) SplitsResult {
	return SplitsResult{
		Success:                       success,
		FeatureFlagsUpdated:           s.flagsUpdated,
		RuleBasedSegmentsUpdated:      s.rbsUpdated,
		FeatureFlagsChangeNumber:      s.helper.splits.ChangeNumber(),
		RuleBasedSegmentsChangeNumber: s.helper.rbs.ChangeNumber(),
	}
}

func (s *splitsSync) reached() bool {
	h := s.helper
	return reached(h.splits.ChangeNumber(), s.req.Till) && reached(h.rbs.ChangeNumber(), s.req.RBTill)
}

// pass runs up to attempts fetch sequences, backing off between stale
// results. Errors end the pass immediately.
func (s *splitsSync) pass(ctx context.Context, till *int64, attempts int, base time.Duration) (bool, error) {
	bo := backoff.New(base)
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.fetchUntil(ctx, till); err != nil {
			return false, err
		}
		if s.reached() {
			return true, nil
		}
		if attempt < attempts && !sleep(ctx, bo.Next()) {
			return false, ctx.Err()
		}
	}
	return false, nil
}

// fetchUntil follows pages until the server reports since == till.
func (s *splitsSync) fetchUntil(ctx context.Context, till *int64) error {
	h := s.helper
	since, rbSince := h.splits.ChangeNumber(), h.rbs.ChangeNumber()
	if s.pendingClear {
		since, rbSince = -1, -1
	}

	for {
		spec := h.proxy.CurrentSpec()
		change, err := h.fetcher.Fetch(ctx, api.ChangesRequest{
			Since:   since,
			RBSince: rbSince,
			Till:    till,
			Spec:    spec,
			Sets:    h.sets,
			NoCache: till != nil,
		})
		if err != nil && spec == dtos.Spec13 && errors.Is(err, api.ErrBadRequest) {
			h.proxy.TrackProxyError()
			if next := h.proxy.CurrentSpec(); next != spec {
				continue
			}
		}
		if err != nil {
			return fmt.Errorf("fetching changes: %w", err)
		}

		if s.pendingClear {
			h.splits.Clear()
			h.rbs.Clear()
			s.pendingClear = false
		}

		ff := change.FeatureFlags
		if h.splits.Update(splitChange(ff)) {
			s.flagsUpdated = true
		}
		rbs := change.RuleBasedSegments
		if spec != dtos.Spec11 && h.rbs.Update(ruleBasedSegmentChange(rbs)) {
			s.rbsUpdated = true
		}

		h.logger.Debug("applied changes page",
			zap.Int64("since", ff.Since),
			zap.Int64("till", ff.Till),
			zap.Int64("rb_since", rbs.Since),
			zap.Int64("rb_till", rbs.Till))

		if ff.Since == ff.Till && rbs.Since == rbs.Till {
			return nil
		}
		since, rbSince = ff.Till, rbs.Till
	}
}

func splitChange(ff dtos.FeatureFlagsChange) storage.SplitChange {
	change := storage.SplitChange{ChangeNumber: ff.Till}
	for _, split := range ff.Splits {
		if split.IsActive() {
			change.ToAdd = append(change.ToAdd, split)
		} else {
			change.ToRemove = append(change.ToRemove, split)
		}
	}
	return change
}

func ruleBasedSegmentChange(rbs dtos.RuleBasedSegmentsChange) storage.RuleBasedSegmentChange {
	change := storage.RuleBasedSegmentChange{ChangeNumber: rbs.Till}
	for _, seg := range rbs.Segments {
		if seg.IsActive() {
			change.ToAdd = append(change.ToAdd, seg)
		} else {
			change.ToRemove = append(change.ToRemove, seg)
		}
	}
	return change
}
