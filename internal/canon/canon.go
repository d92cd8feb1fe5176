// Package canon provides deterministic JSON canonicalization and stable
// hashing for the optimization pipeline.
//
// DESIGN: Every JSON value flowing through the pipeline (tool manifests,
// tool-call results, delta baselines) must be comparable and hashable
// independent of the key order it arrived in. Canonicalize produces a
// value tree with map keys recursively sorted; Marshal renders that tree
// to the compact, non-HTML-escaped text the rest of the package hashes
// and diffs against.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Decode parses JSON bytes into a value tree using json.Number so integer
// and float formatting from the wire is preserved exactly (JSON-RPC ids
// in particular must round-trip byte-for-byte).
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// Canonicalize returns a deep copy of v with every map recursively
// converted to a form whose keys will marshal in sorted order. List
// order is preserved. Cyclic inputs are impossible from JSON decode but
// Canonicalize does not attempt to detect them — callers must not feed
// it hand-built graphs with cycles.
func Canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Canonicalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Canonicalize(val)
		}
		return out
	default:
		return v
	}
}

// Marshal renders v (normally already Canonicalize'd) to compact JSON
// text with sorted object keys, no HTML escaping, and json.Number values
// written verbatim.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := marshalInto(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalInto(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(t.String())
	case int:
		buf.WriteString(strconv.Itoa(t))
	case int64:
		buf.WriteString(strconv.FormatInt(t, 10))
	case uint:
		buf.WriteString(strconv.FormatUint(uint64(t), 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(t, 10))
	case float32, float64:
		// Values that entered the pipeline as Go-native numbers (not
		// decoded via canon.Decode) still need stable formatting.
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	case string:
		return writeString(buf, t)
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := marshalInto(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalInto(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("canon: unsupported value type %T", v)
	}
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// json.Encoder.Encode appends a trailing newline; trim it back off.
	if err := enc.Encode(s); err != nil {
		return err
	}
	buf.Truncate(buf.Len() - 1)
	return nil
}

// Equal reports whether a and b are canonically equal.
func Equal(a, b any) bool {
	ca, err1 := Marshal(Canonicalize(a))
	cb, err2 := Marshal(Canonicalize(b))
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// Hash returns the lowercase hex SHA-256 of the canonical text of v.
func Hash(v any) (string, error) {
	text, err := Marshal(Canonicalize(v))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(text)
	return hex.EncodeToString(sum[:]), nil
}

// Clone returns a deep copy of v so callers can mutate it without
// affecting the original — used by the cache and history tables, which
// must never hand out aliased state.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Clone(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Clone(val)
		}
		return out
	default:
		return v
	}
}
