// Package storage defines the storage collaborators of the sync engine and
// provides in-memory implementations.
package storage

import "github.com/splitio/flagsync/internal/dtos"

// SplitChange is a validated batch of feature flag updates.
type SplitChange struct {
	ToAdd        []dtos.Split
	ToRemove     []dtos.Split
	ChangeNumber int64
}

// RuleBasedSegmentChange is a validated batch of rule-based segment updates.
type RuleBasedSegmentChange struct {
	ToAdd        []dtos.RuleBasedSegment
	ToRemove     []dtos.RuleBasedSegment
	ChangeNumber int64
}

// SplitsStorage holds feature flag definitions.
type SplitsStorage interface {
	ChangeNumber() int64
	// Update applies a change whose change number is strictly greater than
	// the stored one and reports whether anything was mutated.
	Update(change SplitChange) bool
	// Kill marks a flag as killed if cn is newer than the flag's own change number.
	Kill(name, defaultTreatment string, cn int64) bool
	Get(name string) (*dtos.Split, bool)
	GetAll() []dtos.Split
	Clear()
}

// RuleBasedSegmentsStorage holds rule-based segment definitions.
type RuleBasedSegmentsStorage interface {
	ChangeNumber() int64
	Update(change RuleBasedSegmentChange) bool
	Get(name string) (*dtos.RuleBasedSegment, bool)
	Contains(names []string) bool
	Clear()
}

// MembershipsStorage holds the segments each tracked key belongs to.
type MembershipsStorage interface {
	ChangeNumber(key string) int64
	Get(key string) []string
	// Set replaces the key's segments.
	Set(key string, names []string, cn int64) bool
	// Add merges names into the key's segments.
	Add(key string, names []string, cn int64) bool
	// Remove subtracts names from the key's segments.
	Remove(key string, names []string, cn int64) bool
	Keys() []string
	Clear()
}
