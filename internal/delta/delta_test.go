package delta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoDeltaWhenEqual(t *testing.T) {
	v := map[string]any{"a": 1.0, "b": []any{1.0, 2.0}}
	_, ok := Create(v, v, -1, 1<<20)
	assert.False(t, ok, "no delta for canonically equal values")
}

func TestApplyReconstructsCurrent(t *testing.T) {
	previous := map[string]any{
		"items": []any{
			map[string]any{"id": 1.0, "status": "open"},
			map[string]any{"id": 2.0, "status": "open"},
		},
	}
	current := map[string]any{
		"items": []any{
			map[string]any{"id": 1.0, "status": "open"},
			map[string]any{"id": 2.0, "status": "closed"},
		},
	}

	env, ok := Create(previous, current, -1, 1<<20)
	require.True(t, ok, "expected delta to be created")

	got, err := Apply(previous, env)
	require.NoError(t, err)

	gotList := got.(map[string]any)["items"].([]any)
	assert.Equal(t, "closed", gotList[1].(map[string]any)["status"])
}

func TestDiffListLengthMismatchReplacesWholesale(t *testing.T) {
	previous := map[string]any{"items": []any{1.0, 2.0, 3.0}}
	current := map[string]any{"items": []any{1.0, 2.0}}

	ops := Diff(previous, current)
	require.Len(t, ops, 1, "length mismatch must produce a single replace op")
	assert.Equal(t, "set", ops[0].Op)
}

func TestGateRejectsLowSavings(t *testing.T) {
	previous := map[string]any{"a": 1.0}
	current := map[string]any{"a": 2.0}
	_, ok := Create(previous, current, 0.99, 1<<20)
	assert.False(t, ok, "gate must reject a delta with savings below threshold")
}

func TestApplyRejectsUnknownEncoding(t *testing.T) {
	env := &Envelope{Encoding: "bogus", Ops: []Op{}}
	_, err := Apply(map[string]any{}, env)
	assert.Error(t, err)
}
