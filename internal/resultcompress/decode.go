package resultcompress

import "fmt"

// Decode reverses an Envelope back to the original value. When
// compressed is false, Data is already the original value and Decode
// returns it verbatim. Decode refuses any compressed envelope lacking
// both a Keys table and a registered KeysRef.
func Decode(env *Envelope, registry *KeyAliasRegistry) (any, error) {
	if env == nil {
		return nil, fmt.Errorf("resultcompress: nil envelope")
	}
	if !env.Compressed {
		return env.Data, nil
	}

	keys := env.Keys
	if keys == nil {
		if env.KeysRef == "" {
			return nil, fmt.Errorf("resultcompress: compressed envelope missing both keys and keysRef")
		}
		if registry == nil {
			return nil, fmt.Errorf("resultcompress: no registry to resolve keysRef %q", env.KeysRef)
		}
		looked, ok := registry.Lookup(env.KeysRef)
		if !ok {
			return nil, fmt.Errorf("resultcompress: unknown keysRef %q", env.KeysRef)
		}
		keys = looked
	}

	expanded := decolumnarize(env.Data)
	return decodeKeys(expanded, keys), nil
}

// decodeKeys walks v replacing any map key present in keys (alias ->
// original) with its original name.
func decodeKeys(v any, keys map[string]string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			newKey := k
			if orig, ok := keys[k]; ok {
				newKey = orig
			}
			out[newKey] = decodeKeys(val, keys)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = decodeKeys(e, keys)
		}
		return out
	default:
		return v
	}
}
