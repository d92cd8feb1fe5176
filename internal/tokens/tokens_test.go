package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHeuristicCounterNonNegative(t *testing.T) {
	c := NewHeuristic()
	assert.Equal(t, BackendHeuristic, c.Backend())
	assert.GreaterOrEqual(t, c.Count(map[string]any{"a": "b"}), 1)
}

func TestHeuristicCounterScalesWithSize(t *testing.T) {
	c := NewHeuristic()
	small := c.Count("x")
	big := c.Count(map[string]any{"items": repeat("hello world", 200)})
	assert.Greater(t, big, small, "larger payload must cost more tokens")
}

func repeat(s string, n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = s
	}
	return out
}
