package storage

import (
	"sort"
	"sync"
)

// Unversioned marks a membership change that carries no change number.
const Unversioned int64 = -1

type keyMemberships struct {
	segments     map[string]bool
	changeNumber int64
}

// MemoryMemberships is an in-memory MembershipsStorage. One instance serves
// regular memberships and another serves large memberships.
type MemoryMemberships struct {
	mu   sync.RWMutex
	keys map[string]*keyMemberships
}

// NewMemoryMemberships creates a storage tracking the given keys.
func NewMemoryMemberships(keys ...string) *MemoryMemberships {
	m := &MemoryMemberships{keys: make(map[string]*keyMemberships)}
	for _, k := range keys {
		m.keys[k] = newKeyMemberships()
	}
	return m
}

func newKeyMemberships() *keyMemberships {
	return &keyMemberships{segments: make(map[string]bool), changeNumber: -1}
}

func (m *MemoryMemberships) entry(key string) *keyMemberships {
	e, ok := m.keys[key]
	if !ok {
		e = newKeyMemberships()
		m.keys[key] = e
	}
	return e
}

func (m *MemoryMemberships) ChangeNumber(key string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.keys[key]; ok {
		return e.changeNumber
	}
	return -1
}

func (m *MemoryMemberships) Get(key string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.keys[key]
	if !ok {
		return nil
	}
	return sortedNames(e.segments)
}

// Set replaces the key's segments when cn is newer. Unversioned changes are
// applied only when they alter the stored set.
func (m *MemoryMemberships) Set(key string, names []string, cn int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(key)
	if cn != Unversioned && cn <= e.changeNumber {
		return false
	}

	next := make(map[string]bool, len(names))
	for _, n := range names {
		next[n] = true
	}
	changed := !sameSet(e.segments, next)
	e.segments = next
	if cn != Unversioned {
		e.changeNumber = cn
	}
	return changed
}

func (m *MemoryMemberships) Add(key string, names []string, cn int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(key)
	if cn <= e.changeNumber {
		return false
	}
	changed := false
	for _, n := range names {
		if !e.segments[n] {
			e.segments[n] = true
			changed = true
		}
	}
	e.changeNumber = cn
	return changed
}

func (m *MemoryMemberships) Remove(key string, names []string, cn int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entry(key)
	if cn <= e.changeNumber {
		return false
	}
	changed := false
	for _, n := range names {
		if e.segments[n] {
			delete(e.segments, n)
			changed = true
		}
	}
	e.changeNumber = cn
	return changed
}

func (m *MemoryMemberships) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.keys))
	for k := range m.keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clear drops every membership but keeps the tracked keys.
func (m *MemoryMemberships) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.keys {
		m.keys[k] = newKeyMemberships()
	}
}

func sortedNames(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func sameSet(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

var _ MembershipsStorage = (*MemoryMemberships)(nil)
