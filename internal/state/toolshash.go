package state

import "sync"

// ToolsHashEntry records the conditional-fetch state for one
// (session, server, profile_fingerprint) scope.
type ToolsHashEntry struct {
	LastHash        string
	ConditionalHits int
}

// ToolsHashTable tracks, per (session, server, profile) scope, the last
// advertised tools hash and the consecutive conditional-hit count that
// drives periodic forced refresh.
type ToolsHashTable struct {
	mu      sync.Mutex
	entries map[string]*ToolsHashEntry
}

// NewToolsHashTable builds an empty table.
func NewToolsHashTable() *ToolsHashTable {
	return &ToolsHashTable{entries: make(map[string]*ToolsHashEntry)}
}

// Get returns a copy of the entry for scope, if any.
func (t *ToolsHashTable) Get(scope string) (ToolsHashEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[scope]
	if !ok {
		return ToolsHashEntry{}, false
	}
	return *e, true
}

// SetHash records a new last_hash for scope. Setting a hash different
// from the current one resets conditional_hits to 0.
func (t *ToolsHashTable) SetHash(scope, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[scope]
	if !ok || e.LastHash != hash {
		t.entries[scope] = &ToolsHashEntry{LastHash: hash, ConditionalHits: 0}
		return
	}
}

// IncrementHits bumps conditional_hits for scope by one and returns the
// new value.
func (t *ToolsHashTable) IncrementHits(scope string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[scope]
	if !ok {
		e = &ToolsHashEntry{}
		t.entries[scope] = e
	}
	e.ConditionalHits++
	return e.ConditionalHits
}

// ResetHits zeroes conditional_hits for scope.
func (t *ToolsHashTable) ResetHits(scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[scope]; ok {
		e.ConditionalHits = 0
	}
}
