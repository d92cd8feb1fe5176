package state

import (
	"container/list"
	"sync"

	"github.com/compresr/context-gateway/internal/canon"
)

// History stores the last delivered result per key (for delta diffing)
// and, under the "cache_raw:" prefix, the last raw upstream result (for
// adaptive TTL). It is soft-bounded to 2x the cache's max entries; on
// overflow the oldest-inserted key is dropped.
type History struct {
	mu        sync.Mutex
	values    map[string]any
	order     *list.List
	positions map[string]*list.Element
	maxSize   int
}

// NewHistory builds an empty history bounded to 2*maxCacheEntries.
func NewHistory(maxCacheEntries int) *History {
	bound := maxCacheEntries * 2
	if bound <= 0 {
		bound = 1
	}
	return &History{
		values:    make(map[string]any),
		order:     list.New(),
		positions: make(map[string]*list.Element),
		maxSize:   bound,
	}
}

// Set deep-clones value under key, evicting the oldest-inserted entry
// if the soft bound is exceeded.
func (h *History) Set(key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.positions[key]; !ok {
		h.positions[key] = h.order.PushBack(key)
	}
	h.values[key] = canon.Clone(value)

	for len(h.values) > h.maxSize {
		oldest := h.order.Front()
		if oldest == nil {
			break
		}
		oldestKey := oldest.Value.(string)
		h.order.Remove(oldest)
		delete(h.positions, oldestKey)
		delete(h.values, oldestKey)
	}
}

// Get returns a clone of the stored value for key, if any.
func (h *History) Get(key string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.values[key]
	if !ok {
		return nil, false
	}
	return canon.Clone(v), true
}

// InvalidatePrefix deletes every key starting with prefix (used for
// "cache_raw:{session}:{server}:" on mutation).
func (h *History) InvalidatePrefix(prefix string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, el := range h.positions {
		if hasPrefix(k, prefix) {
			h.order.Remove(el)
			delete(h.positions, k)
			delete(h.values, k)
		}
	}
}

// RawCacheKey builds the "cache_raw:<key>" synthetic key used to stash
// the last raw upstream result for adaptive-TTL comparison.
func RawCacheKey(key string) string {
	return "cache_raw:" + key
}
