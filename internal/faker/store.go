// Package faker is a fake control plane: it serves changes, memberships,
// streaming auth and an SSE stream from in-memory state, and exposes admin
// endpoints that mutate that state and push the matching notifications.
package faker

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/splitio/flagsync/internal/dtos"
	"github.com/splitio/flagsync/internal/notification"
)

type keyMemberships struct {
	segments      []string
	changeNumber  int64
	large         []string
	largeChangeNr int64
}

// Store holds the control plane state. Every mutation gets a fresh change
// number that is greater than any previous one.
type Store struct {
	mu          sync.RWMutex
	lastCN      int64
	flags       map[string]dtos.Split
	flagsCN     int64
	segments    map[string]dtos.RuleBasedSegment
	segmentsCN  int64
	memberships map[uint64]*keyMemberships // by key hash
	now         func() time.Time
}

func NewStore() *Store {
	return &Store{
		flags:       make(map[string]dtos.Split),
		flagsCN:     -1,
		segments:    make(map[string]dtos.RuleBasedSegment),
		segmentsCN:  -1,
		memberships: make(map[uint64]*keyMemberships),
		now:         time.Now,
	}
}

func (s *Store) nextLocked() int64 {
	cn := s.now().UnixMilli()
	if cn <= s.lastCN {
		cn = s.lastCN + 1
	}
	s.lastCN = cn
	return cn
}

// UpsertFlag stores split and returns its new and previous change numbers.
func (s *Store) UpsertFlag(split dtos.Split) (dtos.Split, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pcn := s.flagsCN
	split.ChangeNumber = s.nextLocked()
	if split.Status == "" {
		split.Status = dtos.StatusActive
	}
	s.flags[split.Name] = split
	s.flagsCN = split.ChangeNumber
	return split, pcn
}

// KillFlag kills the named flag. It reports false for unknown flags.
func (s *Store) KillFlag(name, defaultTreatment string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	split, ok := s.flags[name]
	if !ok {
		return 0, false
	}
	split.Killed = true
	split.DefaultTreatment = defaultTreatment
	split.ChangeNumber = s.nextLocked()
	s.flags[name] = split
	s.flagsCN = split.ChangeNumber
	return split.ChangeNumber, true
}

// UpsertRuleBasedSegment stores seg and returns its new and previous change
// numbers.
func (s *Store) UpsertRuleBasedSegment(seg dtos.RuleBasedSegment) (dtos.RuleBasedSegment, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pcn := s.segmentsCN
	seg.ChangeNumber = s.nextLocked()
	if seg.Status == "" {
		seg.Status = dtos.StatusActive
	}
	s.segments[seg.Name] = seg
	s.segmentsCN = seg.ChangeNumber
	return seg, pcn
}

// Changes returns everything newer than since and rbSince as a single page.
func (s *Store) Changes(since, rbSince int64) dtos.TargetingRulesChange {
	s.mu.RLock()
	defer s.mu.RUnlock()

	change := dtos.TargetingRulesChange{
		FeatureFlags:      dtos.FeatureFlagsChange{Splits: []dtos.Split{}, Since: since, Till: max(since, s.flagsCN)},
		RuleBasedSegments: dtos.RuleBasedSegmentsChange{Segments: []dtos.RuleBasedSegment{}, Since: rbSince, Till: max(rbSince, s.segmentsCN)},
	}
	for _, f := range s.flags {
		if f.ChangeNumber > since {
			change.FeatureFlags.Splits = append(change.FeatureFlags.Splits, f)
		}
	}
	for _, seg := range s.segments {
		if seg.ChangeNumber > rbSince {
			change.RuleBasedSegments.Segments = append(change.RuleBasedSegments.Segments, seg)
		}
	}
	slices.SortFunc(change.FeatureFlags.Splits, func(a, b dtos.Split) int { return cmp.Compare(a.ChangeNumber, b.ChangeNumber) })
	return change
}

// SetMemberships replaces the segments of key and returns the change number.
func (s *Store) SetMemberships(key string, segments []string, large bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := notification.KeyHash(key)
	km, ok := s.memberships[hash]
	if !ok {
		km = &keyMemberships{changeNumber: -1, largeChangeNr: -1}
		s.memberships[hash] = km
	}
	cn := s.nextLocked()
	if large {
		km.large = slices.Clone(segments)
		km.largeChangeNr = cn
	} else {
		km.segments = slices.Clone(segments)
		km.changeNumber = cn
	}
	return cn
}

// Memberships returns the segments of key. Keys never written report no
// change number.
func (s *Store) Memberships(key string) dtos.MembershipsResponse {
	return s.MembershipsByHash(notification.KeyHash(key))
}

// MembershipsByHash is Memberships for a key known only by its hash.
func (s *Store) MembershipsByHash(hash uint64) dtos.MembershipsResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	km, ok := s.memberships[hash]
	if !ok {
		return dtos.MembershipsResponse{
			Memberships:      dtos.SegmentsChange{Segments: []dtos.SegmentRef{}},
			LargeMemberships: dtos.SegmentsChange{Segments: []dtos.SegmentRef{}},
		}
	}
	return dtos.MembershipsResponse{
		Memberships:      dtos.NewSegmentsChange(km.segments, km.changeNumber),
		LargeMemberships: dtos.NewSegmentsChange(km.large, km.largeChangeNr),
	}
}

// ChangeNumbers reports the current flag and rule-based segment change numbers.
func (s *Store) ChangeNumbers() (flags, segments int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flagsCN, s.segmentsCN
}
