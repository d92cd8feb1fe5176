// Package resultcompress implements the generic, reversible result
// envelope ("lapc-json-v1"): a key-alias table shrinks repeated map
// keys to short numeric aliases, an optional columnar transform
// collapses homogeneous lists-of-maps, and optional filters drop
// null/default-ish entries. A shared, process-wide key-alias registry
// lets repeat calls omit the dictionary and send only a reference.
package resultcompress

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/compresr/context-gateway/internal/canon"
)

// Mode selects how aggressively Encode looks for repeated keys.
type Mode string

const (
	ModeBalanced   Mode = "balanced"
	ModeAggressive Mode = "aggressive"
)

// Encoding is the wire-exact encoding tag for a result envelope.
const Encoding = "lapc-json-v1"

// Options configures a single Encode call.
type Options struct {
	Mode                 Mode
	ColumnarMinRows       int
	ColumnarMinFields     int
	StripNulls            bool
	StripDefaults         bool
	SharedKeyRegistry     bool
	KeyBootstrapInterval  int
}

// Envelope is the full "lapc-json-v1" wire object.
type Envelope struct {
	Encoding        string            `json:"encoding"`
	Compressed      bool              `json:"compressed"`
	Mode            string            `json:"mode,omitempty"`
	OriginalBytes   int               `json:"originalBytes"`
	CompressedBytes int               `json:"compressedBytes"`
	SavedBytes      int               `json:"savedBytes"`
	SavedRatio      float64           `json:"savedRatio"`
	Data            any               `json:"data"`
	Keys            map[string]string `json:"keys,omitempty"`
	KeysRef         string            `json:"keysRef,omitempty"`
}

// Score returns the compressibility pre-filter score in [0,1]: a
// weighted sum of key-repeat ratio, scalar-repeat ratio, and
// homogeneous-list ratio. The pipeline skips compression attempts below
// a configured threshold.
func Score(v any) float64 {
	st := newScanStats()
	st.scan(v)
	return st.score()
}

type scanStats struct {
	keyFreq      map[string]int
	scalarFreq   map[string]int
	totalLists   int
	homogeneous  int
}

func newScanStats() *scanStats {
	return &scanStats{keyFreq: map[string]int{}, scalarFreq: map[string]int{}}
}

func (s *scanStats) scan(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			s.keyFreq[k]++
			s.scan(val)
		}
	case []any:
		s.totalLists++
		if isHomogeneousMapList(t) {
			s.homogeneous++
		}
		for _, e := range t {
			s.scan(e)
		}
	default:
		s.scalarFreq[fmt.Sprintf("%v", t)]++
	}
}

func (s *scanStats) score() float64 {
	keyRepeat := ratioRepeated(s.keyFreq)
	scalarRepeat := ratioRepeated(s.scalarFreq)
	homogeneousRatio := 0.0
	if s.totalLists > 0 {
		homogeneousRatio = float64(s.homogeneous) / float64(s.totalLists)
	}
	score := 0.5*keyRepeat + 0.25*scalarRepeat + 0.25*homogeneousRatio
	return clamp01(score)
}

func ratioRepeated(freq map[string]int) float64 {
	total := 0
	repeated := 0
	for _, n := range freq {
		total += n
		if n > 1 {
			repeated += n
		}
	}
	if total == 0 {
		return 0
	}
	return float64(repeated) / float64(total)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func isHomogeneousMapList(list []any) bool {
	if len(list) == 0 {
		return false
	}
	var keySet map[string]bool
	for _, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return false
		}
		if keySet == nil {
			keySet = make(map[string]bool, len(m))
			for k := range m {
				keySet[k] = true
			}
			continue
		}
		if len(keySet) != len(m) {
			return false
		}
		for k := range m {
			if !keySet[k] {
				return false
			}
		}
	}
	return true
}

// Encode builds a result envelope for v. When no key qualifies for an
// alias, or the compressed form is not smaller than the original, Encode
// returns a pass-through envelope with Compressed=false and Data=v. When
// v or the envelope cannot be marshaled, Encode returns a nil envelope
// and the error.
func Encode(v any, opts Options, registry *KeyAliasRegistry) (*Envelope, error) {
	original, err := canon.Marshal(canon.Canonicalize(v))
	if err != nil {
		return nil, fmt.Errorf("resultcompress: marshal original: %w", err)
	}

	minFreq := 2
	if opts.Mode == ModeAggressive {
		minFreq = 1
	}

	working := v
	if opts.StripNulls {
		working = stripNulls(working)
	}
	if opts.StripDefaults {
		working = stripDefaultish(working)
	}

	st := newScanStats()
	st.scan(working)
	aliasOf := buildAliasTable(st.keyFreq, minFreq)

	recoded := recodeKeys(working, aliasOf)

	if opts.ColumnarMinRows > 0 {
		recoded = columnarize(recoded, opts.ColumnarMinRows, opts.ColumnarMinFields)
	}

	env := &Envelope{
		Encoding:      Encoding,
		OriginalBytes: len(original),
	}

	if len(aliasOf) == 0 {
		env.Compressed = false
		env.Data = v
		env.CompressedBytes = env.OriginalBytes
		return env, nil
	}

	env.Compressed = true
	env.Mode = string(opts.Mode)
	env.Data = recoded

	keysTable := invert(aliasOf)
	if opts.SharedKeyRegistry && registry != nil {
		ref, seenBefore, uses := registry.Register(keysTable)
		forceBootstrap := opts.KeyBootstrapInterval > 0 && uses%opts.KeyBootstrapInterval == 0
		env.KeysRef = ref
		if !seenBefore || forceBootstrap {
			env.Keys = keysTable
		}
	} else {
		env.Keys = keysTable
	}

	// The size check measures the whole envelope, dictionary included, so
	// a payload whose alias table costs more than it saves stays raw.
	encodedEnv, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("resultcompress: marshal envelope: %w", err)
	}
	env.CompressedBytes = len(encodedEnv)
	env.SavedBytes = env.OriginalBytes - env.CompressedBytes
	if env.OriginalBytes > 0 {
		env.SavedRatio = float64(env.SavedBytes) / float64(env.OriginalBytes)
	}

	if env.SavedBytes <= 0 {
		env.Compressed = false
		env.Mode = ""
		env.Data = v
		env.Keys = nil
		env.KeysRef = ""
		env.CompressedBytes = env.OriginalBytes
		env.SavedBytes = 0
		env.SavedRatio = 0
	}
	return env, nil
}

// buildAliasTable ranks keys by (frequency desc, length desc) and emits
// k0, k1, ... aliases only when strictly shorter than the original key.
func buildAliasTable(freq map[string]int, minFreq int) map[string]string {
	type candidate struct {
		key string
		n   int
	}
	cands := make([]candidate, 0, len(freq))
	for k, n := range freq {
		if n >= minFreq {
			cands = append(cands, candidate{k, n})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].n != cands[j].n {
			return cands[i].n > cands[j].n
		}
		if len(cands[i].key) != len(cands[j].key) {
			return len(cands[i].key) > len(cands[j].key)
		}
		return cands[i].key < cands[j].key
	})

	aliasOf := make(map[string]string, len(cands))
	idx := 0
	for _, c := range cands {
		alias := fmt.Sprintf("k%d", idx)
		idx++
		if len(alias) < len(c.key) {
			aliasOf[c.key] = alias
		}
	}
	return aliasOf
}

func invert(aliasOf map[string]string) map[string]string {
	out := make(map[string]string, len(aliasOf))
	for k, a := range aliasOf {
		out[a] = k
	}
	return out
}

func recodeKeys(v any, aliasOf map[string]string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			newKey := k
			if a, ok := aliasOf[k]; ok {
				newKey = a
			}
			out[newKey] = recodeKeys(val, aliasOf)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = recodeKeys(e, aliasOf)
		}
		return out
	default:
		return v
	}
}
