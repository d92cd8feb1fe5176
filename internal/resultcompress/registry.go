package resultcompress

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/compresr/context-gateway/internal/canon"
)

// KeyAliasRegistry is the process-local, cross-call dictionary of
// alias -> original-key tables, referenced on the wire by a short
// content hash so repeated calls can omit the table entirely. It is the
// one piece of genuinely global state in the pipeline.
type KeyAliasRegistry struct {
	mu      sync.Mutex
	tables  map[string]map[string]string
	useCount map[string]int
}

// NewKeyAliasRegistry builds an empty registry.
func NewKeyAliasRegistry() *KeyAliasRegistry {
	return &KeyAliasRegistry{
		tables:   make(map[string]map[string]string),
		useCount: make(map[string]int),
	}
}

// Reference computes "kdict-<first 12 hex of sha256(canonical JSON of
// the alias->key table)>".
func Reference(keys map[string]string) string {
	table := make(map[string]any, len(keys))
	for a, k := range keys {
		table[a] = k
	}
	text, err := canon.Marshal(table)
	if err != nil {
		text = []byte{}
	}
	sum := sha256.Sum256(text)
	return "kdict-" + hex.EncodeToString(sum[:])[:12]
}

// Register records keys under its computed reference and returns
// (reference, alreadySeenWithSameTable, useCountAfterThisCall).
func (r *KeyAliasRegistry) Register(keys map[string]string) (ref string, seenBefore bool, uses int) {
	ref = Reference(keys)

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.tables[ref]
	if ok && sameTable(existing, keys) {
		seenBefore = true
	} else {
		r.tables[ref] = cloneTable(keys)
	}
	r.useCount[ref]++
	uses = r.useCount[ref]
	return ref, seenBefore, uses
}

// Lookup returns the keys table for a reference, if known.
func (r *KeyAliasRegistry) Lookup(ref string) (map[string]string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tables[ref]
	if !ok {
		return nil, false
	}
	return cloneTable(t), true
}

func sameTable(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func cloneTable(t map[string]string) map[string]string {
	out := make(map[string]string, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}
