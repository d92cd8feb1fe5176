package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashStableAcrossKeyOrder(t *testing.T) {
	a, err := Decode([]byte(`{"b":1,"a":2}`))
	require.NoError(t, err)
	b, err := Decode([]byte(`{"a":2,"b":1}`))
	require.NoError(t, err)

	ha, err := Hash(a)
	require.NoError(t, err)
	hb, err := Hash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb, "hash must be stable regardless of key order")
}

func TestEqualIgnoresKeyOrder(t *testing.T) {
	a, err := Decode([]byte(`{"x":[1,2,3],"y":{"z":true}}`))
	require.NoError(t, err)
	b, err := Decode([]byte(`{"y":{"z":true},"x":[1,2,3]}`))
	require.NoError(t, err)
	assert.True(t, Equal(a, b))
}

func TestNonASCIINotEscaped(t *testing.T) {
	v, err := Decode([]byte(`{"name":"café"}`))
	require.NoError(t, err)
	text, err := Marshal(Canonicalize(v))
	require.NoError(t, err)
	assert.Contains(t, string(text), "café", "non-ASCII must round-trip unescaped")
}

func TestCloneIsIndependent(t *testing.T) {
	v, err := Decode([]byte(`{"items":[1,2,3]}`))
	require.NoError(t, err)

	clone := Clone(v)
	clone.(map[string]any)["items"].([]any)[0] = 99

	origFirst := v.(map[string]any)["items"].([]any)[0]
	if fn, ok := origFirst.(interface{ String() string }); ok {
		assert.Equal(t, "1", fn.String(), "mutating clone must not affect original")
	}
}
