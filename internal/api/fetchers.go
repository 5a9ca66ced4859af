package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/splitio/flagsync/internal/dtos"
	"github.com/splitio/flagsync/internal/notification"
)

// ChangesRequest selects one page of the changes endpoint.
type ChangesRequest struct {
	Since   int64
	RBSince int64
	// Till, when set, bypasses edge caches that already hold an older page.
	Till    *int64
	Spec    string
	Sets    []string
	NoCache bool
}

// ChangesFetcher fetches targeting rule changes.
type ChangesFetcher interface {
	Fetch(ctx context.Context, req ChangesRequest) (*dtos.TargetingRulesChange, error)
}

// MembershipsFetcher fetches the memberships of a single key.
type MembershipsFetcher interface {
	Fetch(ctx context.Context, key string, till *int64, noCache bool) (*dtos.MembershipsResponse, error)
}

// HTTPChangesFetcher reads {sdk}/splitChanges.
type HTTPChangesFetcher struct {
	client  *HTTPClient
	baseURL string
	logger  *zap.Logger
}

func NewChangesFetcher(client *HTTPClient, sdkURL string, logger *zap.Logger) *HTTPChangesFetcher {
	return &HTTPChangesFetcher{
		client:  client,
		baseURL: strings.TrimSuffix(sdkURL, "/"),
		logger:  logger.With(zap.String("component", "changes-fetcher")),
	}
}

func (f *HTTPChangesFetcher) Fetch(ctx context.Context, req ChangesRequest) (*dtos.TargetingRulesChange, error) {
	spec := req.Spec
	if spec == "" {
		spec = dtos.Spec13
	}

	q := url.Values{}
	q.Set("s", spec)
	q.Set("since", strconv.FormatInt(req.Since, 10))
	if spec != dtos.Spec11 {
		q.Set("rbSince", strconv.FormatInt(req.RBSince, 10))
	}
	if len(req.Sets) > 0 {
		q.Set("sets", strings.Join(req.Sets, ","))
	}
	if req.Till != nil {
		q.Set("till", strconv.FormatInt(*req.Till, 10))
	}

	body, err := f.client.Get(ctx, f.baseURL+"/splitChanges?"+q.Encode(), cacheHeaders(req.NoCache))
	if err != nil {
		return nil, fmt.Errorf("fetching changes since %d: %w", req.Since, err)
	}

	var change dtos.TargetingRulesChange
	if err := json.Unmarshal(body, &change); err != nil {
		return nil, fmt.Errorf("decoding changes: %w", err)
	}
	f.logger.Debug("fetched changes",
		zap.String("spec", spec),
		zap.Int64("since", change.FeatureFlags.Since),
		zap.Int64("till", change.FeatureFlags.Till),
		zap.Int("flags", len(change.FeatureFlags.Splits)),
		zap.Int("rule_based_segments", len(change.RuleBasedSegments.Segments)))
	return &change, nil
}

// HTTPMembershipsFetcher reads {sdk}/memberships/{key}.
type HTTPMembershipsFetcher struct {
	client  *HTTPClient
	baseURL string
	logger  *zap.Logger
}

func NewMembershipsFetcher(client *HTTPClient, sdkURL string, logger *zap.Logger) *HTTPMembershipsFetcher {
	return &HTTPMembershipsFetcher{
		client:  client,
		baseURL: strings.TrimSuffix(sdkURL, "/"),
		logger:  logger.With(zap.String("component", "memberships-fetcher")),
	}
}

func (f *HTTPMembershipsFetcher) Fetch(ctx context.Context, key string, till *int64, noCache bool) (*dtos.MembershipsResponse, error) {
	// The key itself never leaves the process; the server indexes by hash.
	u := f.baseURL + "/memberships/" + strconv.FormatUint(notification.KeyHash(key), 10)
	if till != nil {
		u += "?till=" + strconv.FormatInt(*till, 10)
	}

	body, err := f.client.Get(ctx, u, cacheHeaders(noCache))
	if err != nil {
		return nil, fmt.Errorf("fetching memberships: %w", err)
	}

	var resp dtos.MembershipsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding memberships: %w", err)
	}
	f.logger.Debug("fetched memberships",
		zap.Int("memberships", len(resp.Memberships.Segments)),
		zap.Int("large_memberships", len(resp.LargeMemberships.Segments)))
	return &resp, nil
}

func cacheHeaders(noCache bool) map[string]string {
	if !noCache {
		return nil
	}
	return map[string]string{"Cache-Control": "no-cache"}
}
