// Package state holds the proxy's per-process tables: the TTL result
// cache, the delta-baseline history store, the tools-hash-sync scope
// table, and the last-known tool index. Every table deep-clones on
// both read and write so callers can never mutate stored state.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/compresr/context-gateway/internal/canon"
)

// CacheEntry is one cached tools/call result.
type CacheEntry struct {
	Value     any
	ExpiresAt time.Time
	CreatedAt time.Time
	Hits      int
}

// Cache is the TTL result cache keyed by
// "{session}:{server}:{tool}:{hash(canonicalized arguments)}".
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*CacheEntry
	maxEntries int
	now        func() time.Time
}

// NewCache builds an empty cache bounded to maxEntries.
func NewCache(maxEntries int) *Cache {
	return &Cache{
		entries:    make(map[string]*CacheEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// Set deep-clones value and stores it under key with the given TTL.
// ttl <= 0 disables caching for this call (a per-tool override may
// resolve to a non-positive TTL).
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.entries[key] = &CacheEntry{
		Value:     canon.Clone(value),
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	c.evictLocked()
}

// Get clones and returns the cached value for key. A hit past its
// expiry is deleted and reported as a miss.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.ExpiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	e.Hits++
	return canon.Clone(e.Value), true
}

// InvalidatePrefix deletes every key starting with prefix, used after a
// mutating tool call to drop all cached reads for a session/server pair.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if hasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

// evictLocked drops the least-valuable entries (ascending by hits, then
// created_at) once the table exceeds maxEntries. Caller must hold mu.
func (c *Cache) evictLocked() {
	if c.maxEntries <= 0 || len(c.entries) <= c.maxEntries {
		return
	}
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := c.entries[keys[i]], c.entries[keys[j]]
		if a.Hits != b.Hits {
			return a.Hits < b.Hits
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	excess := len(c.entries) - c.maxEntries
	for i := 0; i < excess; i++ {
		delete(c.entries, keys[i])
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
