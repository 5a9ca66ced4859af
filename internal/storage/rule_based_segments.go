package storage

import (
	"sync"

	"github.com/splitio/flagsync/internal/dtos"
)

// MemoryRuleBasedSegments is an in-memory RuleBasedSegmentsStorage.
type MemoryRuleBasedSegments struct {
	mu           sync.RWMutex
	segments     map[string]dtos.RuleBasedSegment
	changeNumber int64
}

func NewMemoryRuleBasedSegments() *MemoryRuleBasedSegments {
	return &MemoryRuleBasedSegments{
		segments:     make(map[string]dtos.RuleBasedSegment),
		changeNumber: -1,
	}
}

func (m *MemoryRuleBasedSegments) ChangeNumber() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changeNumber
}

func (m *MemoryRuleBasedSegments) Update(change RuleBasedSegmentChange) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if change.ChangeNumber <= m.changeNumber {
		return false
	}

	mutated := false
	for _, s := range change.ToAdd {
		m.segments[s.Name] = s
		mutated = true
	}
	for _, s := range change.ToRemove {
		if _, ok := m.segments[s.Name]; ok {
			delete(m.segments, s.Name)
			mutated = true
		}
	}
	m.changeNumber = change.ChangeNumber
	return mutated
}

func (m *MemoryRuleBasedSegments) Get(name string) (*dtos.RuleBasedSegment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.segments[name]
	if !ok {
		return nil, false
	}
	return &s, true
}

// Contains reports whether every name is stored.
func (m *MemoryRuleBasedSegments) Contains(names []string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range names {
		if _, ok := m.segments[n]; !ok {
			return false
		}
	}
	return true
}

func (m *MemoryRuleBasedSegments) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments = make(map[string]dtos.RuleBasedSegment)
	m.changeNumber = -1
}

var _ RuleBasedSegmentsStorage = (*MemoryRuleBasedSegments)(nil)
