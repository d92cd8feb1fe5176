package resultcompress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repeatedKeyPayload() any {
	rows := make([]any, 20)
	for i := range rows {
		rows[i] = map[string]any{
			"identifier":  i,
			"description": "a repeated description field",
			"status":      "open",
		}
	}
	return map[string]any{"items": rows}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	v := repeatedKeyPayload()
	registry := NewKeyAliasRegistry()

	env, err := Encode(v, Options{Mode: ModeBalanced}, registry)
	require.NoError(t, err)

	got, err := Decode(env, registry)
	require.NoError(t, err)

	gotItems := got.(map[string]any)["items"].([]any)
	require.Len(t, gotItems, 20)
	assert.Equal(t, "open", gotItems[0].(map[string]any)["status"])
}

func TestEncodeNoCompressionWhenNotSmaller(t *testing.T) {
	v := map[string]any{"a": 1}
	registry := NewKeyAliasRegistry()
	env, err := Encode(v, Options{Mode: ModeBalanced}, registry)
	require.NoError(t, err)
	assert.False(t, env.Compressed, "tiny unique-key payload must stay uncompressed")
	assert.NotNil(t, env.Data, "pass-through data must be present")
}

func TestSharedRegistryOmitsKeysOnRepeat(t *testing.T) {
	v := repeatedKeyPayload()
	registry := NewKeyAliasRegistry()
	opts := Options{Mode: ModeBalanced, SharedKeyRegistry: true, KeyBootstrapInterval: 8}

	first, err := Encode(v, opts, registry)
	require.NoError(t, err)
	assert.NotNil(t, first.Keys, "first call must include the keys table")

	second, err := Encode(v, opts, registry)
	require.NoError(t, err)
	assert.Nil(t, second.Keys, "second call must omit keys and rely on keysRef")
	assert.NotEmpty(t, second.KeysRef)
}

func TestColumnarRoundTrip(t *testing.T) {
	v := repeatedKeyPayload()
	registry := NewKeyAliasRegistry()
	env, err := Encode(v, Options{Mode: ModeBalanced, ColumnarMinRows: 5, ColumnarMinFields: 2}, registry)
	require.NoError(t, err)
	require.True(t, env.Compressed, "expected compression to trigger")

	got, err := Decode(env, registry)
	require.NoError(t, err)
	items := got.(map[string]any)["items"].([]any)
	assert.Len(t, items, 20, "all rows must be restored")
}

func TestStripNullsAndDefaults(t *testing.T) {
	rows := make([]any, 20)
	for i := range rows {
		rows[i] = map[string]any{
			"identifier":  i,
			"description": "a repeated description field",
			"commentary":  nil,
			"default":     "",
		}
	}
	v := map[string]any{"items": rows}

	registry := NewKeyAliasRegistry()
	env, err := Encode(v, Options{Mode: ModeAggressive, StripNulls: true, StripDefaults: true}, registry)
	require.NoError(t, err)
	require.True(t, env.Compressed, "repetitive payload must compress")

	got, err := Decode(env, registry)
	require.NoError(t, err)

	first := got.(map[string]any)["items"].([]any)[0].(map[string]any)
	assert.NotContains(t, first, "commentary", "null commentary must be stripped")
	assert.NotContains(t, first, "default", "empty-string default key must be stripped")
	assert.Equal(t, "a repeated description field", first["description"])
}

func TestScoreHigherForRepetitiveData(t *testing.T) {
	repetitive := repeatedKeyPayload()
	unique := map[string]any{"a": 1, "b": "x", "c": true}

	assert.Greater(t, Score(repetitive), Score(unique))
}
