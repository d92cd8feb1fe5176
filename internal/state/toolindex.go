package state

import (
	"sync"

	"github.com/compresr/context-gateway/internal/canon"
)

// ToolIndex holds the last known canonical list of tools as delivered
// upstream (post definition-compression), used by the search meta-tool.
type ToolIndex struct {
	mu    sync.Mutex
	tools []any
}

// NewToolIndex builds an empty index.
func NewToolIndex() *ToolIndex {
	return &ToolIndex{}
}

// Set deep-clones and stores tools as the current index.
func (t *ToolIndex) Set(tools []any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	clone := canon.Clone(tools).([]any)
	t.tools = clone
}

// Snapshot returns a deep clone of the current index.
func (t *ToolIndex) Snapshot() []any {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.tools == nil {
		return nil
	}
	return canon.Clone(t.tools).([]any)
}
