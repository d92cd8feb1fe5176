// Package delta implements the structural JSON delta codec described by
// the "lapc-delta-v1" encoding: a hash-anchored set of set/delete
// operations between two canonicalized JSON values, gated on byte and
// ratio savings before the caller is allowed to emit it instead of the
// full value.
package delta

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/compresr/context-gateway/internal/canon"
)

// Encoding is the wire-exact encoding tag for a delta envelope.
const Encoding = "lapc-delta-v1"

// Op is a single structural operation. Op is either "set" or "delete".
// Path segments are string (map key) or int (list index); the empty
// path denotes the root value.
type Op struct {
	Op    string `json:"op"`
	Path  []any  `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Envelope is the full "lapc-delta-v1" wire object.
type Envelope struct {
	Encoding     string  `json:"encoding"`
	BaselineHash string  `json:"baselineHash"`
	CurrentHash  string  `json:"currentHash"`
	Ops          []Op    `json:"ops"`
	PatchBytes   int     `json:"patchBytes"`
	FullBytes    int     `json:"fullBytes"`
	SavedBytes   int     `json:"savedBytes"`
	SavedRatio   float64 `json:"savedRatio"`
}

// Diff computes the ops needed to turn canonicalized previous into
// canonicalized current: equal values emit nothing; equal-length lists
// recurse element-wise; unequal-length lists replace wholesale; maps
// diff key-by-key over the sorted key union; anything else replaces
// wholesale.
func Diff(previous, current any) []Op {
	return diffAt(nil, previous, current)
}

func diffAt(path []any, previous, current any) []Op {
	if canon.Equal(previous, current) {
		return nil
	}

	pList, pIsList := previous.([]any)
	cList, cIsList := current.([]any)
	if pIsList && cIsList && len(pList) == len(cList) {
		var ops []Op
		for i := range pList {
			childPath := append(append([]any{}, path...), i)
			ops = append(ops, diffAt(childPath, pList[i], cList[i])...)
		}
		return ops
	}

	pMap, pIsMap := previous.(map[string]any)
	cMap, cIsMap := current.(map[string]any)
	if pIsMap && cIsMap {
		keys := unionKeysSorted(pMap, cMap)
		var ops []Op
		for _, k := range keys {
			childPath := append(append([]any{}, path...), k)
			pv, pOK := pMap[k]
			cv, cOK := cMap[k]
			switch {
			case pOK && !cOK:
				ops = append(ops, Op{Op: "delete", Path: childPath})
			case !pOK && cOK:
				ops = append(ops, Op{Op: "set", Path: childPath, Value: cv})
			default:
				ops = append(ops, diffAt(childPath, pv, cv)...)
			}
		}
		return ops
	}

	return []Op{{Op: "set", Path: append([]any{}, path...), Value: current}}
}

func unionKeysSorted(a, b map[string]any) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		set[k] = struct{}{}
	}
	for k := range b {
		set[k] = struct{}{}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sortStrings(keys)
	return keys
}

func sortStrings(s []string) {
	// small inline insertion sort keeps this package dependency-free for
	// the one place it needs sorted keys outside canon.Marshal.
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Create builds an envelope from previous to current and applies the
// emission gate: a non-empty op set, patch size within maxPatchBytes,
// and savings ratio at or above minSavingsRatio. Create returns
// (nil, false) when previous and current are canonically equal, or when
// the gate rejects the candidate delta.
func Create(previous, current any, minSavingsRatio float64, maxPatchBytes int) (*Envelope, bool) {
	cp := canon.Canonicalize(previous)
	cc := canon.Canonicalize(current)

	ops := Diff(cp, cc)
	if len(ops) == 0 {
		return nil, false
	}

	baselineHash, err := canon.Hash(cp)
	if err != nil {
		return nil, false
	}
	currentHash, err := canon.Hash(cc)
	if err != nil {
		return nil, false
	}

	patchBytes, err := json.Marshal(ops)
	if err != nil {
		return nil, false
	}
	fullBytes, err := canon.Marshal(cc)
	if err != nil {
		return nil, false
	}

	env := &Envelope{
		Encoding:     Encoding,
		BaselineHash: baselineHash,
		CurrentHash:  currentHash,
		Ops:          ops,
		PatchBytes:   len(patchBytes),
		FullBytes:    len(fullBytes),
	}
	env.SavedBytes = env.FullBytes - env.PatchBytes
	if env.FullBytes > 0 {
		env.SavedRatio = float64(env.SavedBytes) / float64(env.FullBytes)
	}

	if env.PatchBytes > maxPatchBytes {
		return nil, false
	}
	if env.FullBytes == 0 || env.SavedRatio < minSavingsRatio {
		return nil, false
	}
	return env, true
}

// Apply replays env.Ops against previous and returns the reconstructed
// current value. Apply rejects envelopes with an unrecognized encoding,
// a missing ops list, a non-list path, or an op other than set/delete.
func Apply(previous any, env *Envelope) (any, error) {
	if env == nil {
		return nil, fmt.Errorf("delta: nil envelope")
	}
	if env.Encoding != Encoding {
		return nil, fmt.Errorf("delta: unknown encoding %q", env.Encoding)
	}
	if env.Ops == nil {
		return nil, fmt.Errorf("delta: missing ops")
	}

	base, err := canon.Marshal(canon.Canonicalize(previous))
	if err != nil {
		return nil, fmt.Errorf("delta: marshal baseline: %w", err)
	}
	doc := base
	if len(doc) == 0 {
		doc = []byte("null")
	}

	for _, op := range env.Ops {
		gpath, err := gjsonPath(op.Path)
		if err != nil {
			return nil, err
		}
		switch op.Op {
		case "set":
			if gpath == "" {
				// Empty path means the root value itself; sjson
				// has no "set the whole document" path syntax, so replace doc
				// directly instead of routing through SetBytesOptions.
				replaced, err := json.Marshal(op.Value)
				if err != nil {
					return nil, fmt.Errorf("delta: apply root set: %w", err)
				}
				doc = replaced
				continue
			}
			doc, err = sjson.SetBytesOptions(doc, gpath, op.Value, &sjson.Options{Optimistic: true, ReplaceInPlace: true})
			if err != nil {
				return nil, fmt.Errorf("delta: apply set at %v: %w", op.Path, err)
			}
		case "delete":
			doc, err = sjson.DeleteBytes(doc, gpath)
			if err != nil {
				return nil, fmt.Errorf("delta: apply delete at %v: %w", op.Path, err)
			}
		default:
			return nil, fmt.Errorf("delta: unknown op %q", op.Op)
		}
	}

	return canon.Decode(doc)
}

// gjsonPath renders a path ([]any of string/int segments) into the dotted
// path syntax gjson/sjson expect, escaping segments that contain path
// metacharacters and rejecting negative indices and non-list paths.
func gjsonPath(path []any) (string, error) {
	if path == nil {
		return "", nil
	}
	parts := make([]string, 0, len(path))
	for _, seg := range path {
		switch s := seg.(type) {
		case string:
			parts = append(parts, escapeSegment(s))
		case int:
			if s < 0 {
				return "", fmt.Errorf("delta: negative index %d in path", s)
			}
			parts = append(parts, strconv.Itoa(s))
		case float64:
			if s < 0 {
				return "", fmt.Errorf("delta: negative index %v in path", s)
			}
			parts = append(parts, strconv.Itoa(int(s)))
		case json.Number:
			n, err := s.Int64()
			if err != nil || n < 0 {
				return "", fmt.Errorf("delta: invalid index %v in path", s)
			}
			parts = append(parts, strconv.FormatInt(n, 10))
		default:
			return "", fmt.Errorf("delta: unsupported path segment %v (%T)", seg, seg)
		}
	}
	return strings.Join(parts, "."), nil
}

func escapeSegment(s string) string {
	r := strings.NewReplacer(".", "\\.", "*", "\\*", "?", "\\?", "|", "\\|")
	return r.Replace(s)
}
