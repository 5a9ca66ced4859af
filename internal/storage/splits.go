package storage

import (
	"sort"
	"sync"

	"github.com/splitio/flagsync/internal/dtos"
)

// MemorySplits is an in-memory SplitsStorage with an optional flag-set filter.
type MemorySplits struct {
	mu           sync.RWMutex
	splits       map[string]dtos.Split
	changeNumber int64
	sets         map[string]bool
}

// NewMemorySplits creates an empty storage. When sets is non-empty only
// flags belonging to at least one of them are kept.
func NewMemorySplits(sets []string) *MemorySplits {
	filter := make(map[string]bool, len(sets))
	for _, s := range sets {
		filter[s] = true
	}
	return &MemorySplits{
		splits:       make(map[string]dtos.Split),
		changeNumber: -1,
		sets:         filter,
	}
}

func (m *MemorySplits) ChangeNumber() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.changeNumber
}

func (m *MemorySplits) Update(change SplitChange) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if change.ChangeNumber <= m.changeNumber {
		return false
	}

	mutated := false
	for _, s := range change.ToAdd {
		if !m.inSets(s) {
			if _, ok := m.splits[s.Name]; ok {
				delete(m.splits, s.Name)
				mutated = true
			}
			continue
		}
		m.splits[s.Name] = s
		mutated = true
	}
	for _, s := range change.ToRemove {
		if _, ok := m.splits[s.Name]; ok {
			delete(m.splits, s.Name)
			mutated = true
		}
	}
	m.changeNumber = change.ChangeNumber
	return mutated
}

func (m *MemorySplits) inSets(s dtos.Split) bool {
	if len(m.sets) == 0 {
		return true
	}
	for _, set := range s.Sets {
		if m.sets[set] {
			return true
		}
	}
	return false
}

func (m *MemorySplits) Kill(name, defaultTreatment string, cn int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.splits[name]
	if !ok || s.ChangeNumber >= cn {
		return false
	}
	s.Killed = true
	s.DefaultTreatment = defaultTreatment
	s.ChangeNumber = cn
	m.splits[name] = s
	return true
}

func (m *MemorySplits) Get(name string) (*dtos.Split, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.splits[name]
	if !ok {
		return nil, false
	}
	return &s, true
}

func (m *MemorySplits) GetAll() []dtos.Split {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]dtos.Split, 0, len(m.splits))
	for _, s := range m.splits {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *MemorySplits) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.splits = make(map[string]dtos.Split)
	m.changeNumber = -1
}

var _ SplitsStorage = (*MemorySplits)(nil)
