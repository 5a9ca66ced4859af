package synchelper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/api"
	"github.com/splitio/flagsync/internal/backoff"
	"github.com/splitio/flagsync/internal/dtos"
	"github.com/splitio/flagsync/internal/metrics"
	"github.com/splitio/flagsync/internal/storage"
)

// MembershipsRequest is the goal of a memberships sync for one key.
type MembershipsRequest struct {
	Key       string
	Till      int64
	LargeTill int64
}

// MembershipsResult is the outcome of a memberships sync.
type MembershipsResult struct {
	Success                      bool
	MembershipsUpdated           bool
	LargeMembershipsUpdated      bool
	MembershipsChangeNumber      int64
	LargeMembershipsChangeNumber int64
}

// MembershipsSyncHelper keeps the memberships of tracked keys in step with
// the memberships endpoint.
type MembershipsSyncHelper struct {
	fetcher api.MembershipsFetcher
	ms      storage.MembershipsStorage
	ls      storage.MembershipsStorage
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewMembershipsSyncHelper(
	fetcher api.MembershipsFetcher,
	ms, ls storage.MembershipsStorage,
	opts Options,
	m *metrics.Metrics,
	logger *zap.Logger,
) *MembershipsSyncHelper {
	return &MembershipsSyncHelper{
		fetcher: fetcher,
		ms:      ms,
		ls:      ls,
		opts:    opts.withDefaults(),
		metrics: m,
		logger:  logger.With(zap.String("component", "memberships-sync")),
	}
}

// Sync fetches the key's memberships until both change numbers reach their
// targets, using the same plain and cache-bypassing passes as flags.
func (h *MembershipsSyncHelper) Sync(ctx context.Context, req MembershipsRequest) (MembershipsResult, error) {
	start := time.Now()
	res, err := h.sync(ctx, req)
	h.metrics.ObserveFetch(metrics.ResourceMemberships, err, time.Since(start))
	h.metrics.SetChangeNumber(metrics.ResourceMemberships, res.MembershipsChangeNumber)
	h.metrics.SetChangeNumber(metrics.ResourceLargeMemberships, res.LargeMembershipsChangeNumber)
	return res, err
}

func (h *MembershipsSyncHelper) sync(ctx context.Context, req MembershipsRequest) (MembershipsResult, error) {
	var res MembershipsResult

	ok, err := h.pass(ctx, req, &res, nil, h.opts.MaxAttempts, h.opts.BackoffBase)
	if err == nil && !ok {
		till := max(req.Till, req.LargeTill)
		h.logger.Info("stale memberships served, bypassing cache", zap.Int64("till", till))
		ok, err = h.pass(ctx, req, &res, &till, h.opts.CDNMaxAttempts, h.opts.CDNBackoffBase)
	}

	res.MembershipsChangeNumber = h.ms.ChangeNumber(req.Key)
	res.LargeMembershipsChangeNumber = h.ls.ChangeNumber(req.Key)
	if err != nil {
		return res, err
	}
	if !ok {
		h.logger.Warn("giving up on target memberships change number",
			zap.Int64("till", req.Till),
			zap.Int64("large_till", req.LargeTill))
		return res, ErrTargetNotReached
	}
	res.Success = true
	return res, nil
}

func (h *MembershipsSyncHelper) pass(ctx context.Context, req MembershipsRequest, res *MembershipsResult, till *int64, attempts int, base time.Duration) (bool, error) {
	bo := backoff.New(base)
	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := h.fetcher.Fetch(ctx, req.Key, till, till != nil)
		if err != nil {
			return false, fmt.Errorf("fetching memberships: %w", err)
		}
		if h.apply(req.Key, resp.Memberships, h.ms) {
			res.MembershipsUpdated = true
		}
		if h.apply(req.Key, resp.LargeMemberships, h.ls) {
			res.LargeMembershipsUpdated = true
		}

		if reached(h.ms.ChangeNumber(req.Key), req.Till) && reached(h.ls.ChangeNumber(req.Key), req.LargeTill) {
			return true, nil
		}
		if attempt < attempts && !sleep(ctx, bo.Next()) {
			return false, ctx.Err()
		}
	}
	return false, nil
}

func (h *MembershipsSyncHelper) apply(key string, change dtos.SegmentsChange, st storage.MembershipsStorage) bool {
	return st.Set(key, change.Names(), change.ChangeNumberOr(storage.Unversioned))
}
