// Package tokens provides an approximate token-cost estimate for any JSON
// value passing through the optimization pipeline. It prefers a real
// GPT-style BPE encoder and falls back to a deterministic heuristic when
// that encoder can't be constructed (offline, unsupported encoding name,
// etc).
package tokens

import (
	"fmt"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/compresr/context-gateway/internal/canon"
)

// Backend identifies which estimation strategy a Counter uses.
type Backend string

const (
	// BackendBPE means a real tiktoken encoding loaded successfully.
	BackendBPE Backend = "bpe"
	// BackendHeuristic means the len(text)/4 fallback is in effect.
	BackendHeuristic Backend = "heuristic"
)

// Counter estimates the token cost of canonical JSON text.
type Counter interface {
	// Count returns a non-negative token estimate for v.
	Count(v any) int
	// Backend reports which strategy is in effect, for logging.
	Backend() Backend
}

type bpeCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *bpeCounter) Count(v any) int {
	text, err := canon.Marshal(canon.Canonicalize(v))
	if err != nil {
		return heuristicCount(nil)
	}
	ids := c.enc.Encode(string(text), nil, nil)
	if len(ids) == 0 {
		return 1
	}
	return len(ids)
}

func (c *bpeCounter) Backend() Backend { return BackendBPE }

type heuristicCounter struct{}

func (heuristicCounter) Count(v any) int {
	text, err := canon.Marshal(canon.Canonicalize(v))
	if err != nil {
		return 1
	}
	return heuristicCount(text)
}

func (heuristicCounter) Backend() Backend { return BackendHeuristic }

func heuristicCount(text []byte) int {
	n := len(text) / 4
	if n < 1 {
		return 1
	}
	return n
}

// encodingName is the tiktoken encoding used for the BPE backend. cl100k_base
// is the general-purpose GPT-3.5/GPT-4 era encoding and is a reasonable
// stand-in for "a well-known GPT-style BPE encoder" when the target model's
// exact tokenizer is unknown.
const encodingName = "cl100k_base"

// New builds a Counter, preferring the BPE backend. When strict is true
// and the BPE backend cannot be constructed (e.g. no network access to
// fetch the encoder's merge ranks on first use), New returns an error
// instead of silently degrading to the heuristic.
func New(strict bool) (Counter, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		if strict {
			return nil, fmt.Errorf("tokens: strict mode requires bpe backend: %w", err)
		}
		return heuristicCounter{}, nil
	}
	return &bpeCounter{enc: enc}, nil
}

// NewHeuristic builds a Counter that always uses the deterministic
// fallback, regardless of BPE availability. Used by components (tests,
// low-latency paths) that don't want the BPE encoder's first-use network
// fetch.
func NewHeuristic() Counter {
	return heuristicCounter{}
}
