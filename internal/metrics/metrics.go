// Package metrics accumulates per-direction request/byte/token counters
// for the lifetime of a proxy process: pump inbound/outbound traffic
// plus per-feature savings, read out as a Snapshot for the stderr
// report and the runtime_metrics annotation.
package metrics

import (
	"fmt"
	"sync/atomic"
)

// Sink accumulates counters concurrently. All fields are accessed only
// through atomic operations; the zero value is ready to use.
type Sink struct {
	RequestsIn  atomic.Int64
	RequestsOut atomic.Int64

	BytesIn  atomic.Int64
	BytesOut atomic.Int64

	TokensIn  atomic.Int64
	TokensOut atomic.Int64

	TokensSaved atomic.Int64
	BytesSaved  atomic.Int64

	CacheHits   atomic.Int64
	CacheMisses atomic.Int64

	DeltaApplied atomic.Int64
	DeltaSkipped atomic.Int64

	ResultCompressed atomic.Int64
	ResultSkipped    atomic.Int64

	ToolsListSavedBytes atomic.Int64

	MalformedLines atomic.Int64
}

// New returns a ready-to-use Sink.
func New() *Sink {
	return &Sink{}
}

// RecordRequest records one client->upstream line of n bytes and its
// estimated token count.
func (s *Sink) RecordRequest(n, tokens int) {
	s.RequestsIn.Add(1)
	s.BytesIn.Add(int64(n))
	s.TokensIn.Add(int64(tokens))
}

// RecordResponse records one upstream->client line of n bytes and its
// estimated token count.
func (s *Sink) RecordResponse(n, tokens int) {
	s.RequestsOut.Add(1)
	s.BytesOut.Add(int64(n))
	s.TokensOut.Add(int64(tokens))
}

// RecordSavings accumulates estimated token/byte savings from an
// optimization feature.
func (s *Sink) RecordSavings(tokens, bytes int) {
	if tokens > 0 {
		s.TokensSaved.Add(int64(tokens))
	}
	if bytes > 0 {
		s.BytesSaved.Add(int64(bytes))
	}
}

// RecordMalformedLine counts one stdio line that failed JSON decoding.
func (s *Sink) RecordMalformedLine() {
	s.MalformedLines.Add(1)
}

// RecordToolsListSavings accumulates the byte savings a tools/list
// rewrite produced. Negative deltas (the rewritten form grew) are not
// recorded.
func (s *Sink) RecordToolsListSavings(delta int) {
	if delta > 0 {
		s.ToolsListSavedBytes.Add(int64(delta))
	}
}

// Snapshot is a point-in-time, non-atomic copy of Sink for
// serialization into the runtime_metrics annotation or a stderr report.
type Snapshot struct {
	RequestsIn       int64 `json:"requests_in"`
	RequestsOut      int64 `json:"requests_out"`
	BytesIn          int64 `json:"bytes_in"`
	BytesOut         int64 `json:"bytes_out"`
	TokensIn         int64 `json:"tokens_in"`
	TokensOut        int64 `json:"tokens_out"`
	TokensSaved      int64 `json:"tokens_saved"`
	BytesSaved       int64 `json:"bytes_saved"`
	CacheHits        int64 `json:"cache_hits"`
	CacheMisses      int64 `json:"cache_misses"`
	DeltaApplied     int64 `json:"delta_applied"`
	DeltaSkipped     int64 `json:"delta_skipped"`
	ResultCompressed    int64 `json:"result_compressed"`
	ResultSkipped       int64 `json:"result_skipped"`
	ToolsListSavedBytes int64 `json:"tools_list_saved_bytes"`
	MalformedLines      int64 `json:"malformed_lines"`
}

// Snap reads every counter into a Snapshot.
func (s *Sink) Snap() Snapshot {
	return Snapshot{
		RequestsIn:       s.RequestsIn.Load(),
		RequestsOut:      s.RequestsOut.Load(),
		BytesIn:          s.BytesIn.Load(),
		BytesOut:         s.BytesOut.Load(),
		TokensIn:         s.TokensIn.Load(),
		TokensOut:        s.TokensOut.Load(),
		TokensSaved:      s.TokensSaved.Load(),
		BytesSaved:       s.BytesSaved.Load(),
		CacheHits:        s.CacheHits.Load(),
		CacheMisses:      s.CacheMisses.Load(),
		DeltaApplied:     s.DeltaApplied.Load(),
		DeltaSkipped:     s.DeltaSkipped.Load(),
		ResultCompressed:    s.ResultCompressed.Load(),
		ResultSkipped:       s.ResultSkipped.Load(),
		ToolsListSavedBytes: s.ToolsListSavedBytes.Load(),
		MalformedLines:      s.MalformedLines.Load(),
	}
}

// StderrReport renders a human-readable summary for shutdown, written
// to stderr so it never pollutes the stdout JSON-RPC stream.
func (s Snapshot) StderrReport() string {
	return fmt.Sprintf(
		"requests in=%d out=%d | bytes in=%d out=%d | tokens in=%d out=%d | saved tokens=%d bytes=%d | cache hits=%d misses=%d | delta applied=%d skipped=%d | result compressed=%d skipped=%d | tools/list saved bytes=%d | malformed=%d",
		s.RequestsIn, s.RequestsOut,
		s.BytesIn, s.BytesOut,
		s.TokensIn, s.TokensOut,
		s.TokensSaved, s.BytesSaved,
		s.CacheHits, s.CacheMisses,
		s.DeltaApplied, s.DeltaSkipped,
		s.ResultCompressed, s.ResultSkipped,
		s.ToolsListSavedBytes,
		s.MalformedLines,
	)
}

// Annotation builds the result._ultra_lean_mcp_proxy.runtime_metrics
// object attached to every response when stats mode is on.
func (s Snapshot) Annotation() map[string]any {
	return map[string]any{
		"upstream_requests":        s.RequestsIn,
		"upstream_request_tokens":  s.TokensIn,
		"upstream_request_bytes":   s.BytesIn,
		"upstream_responses":       s.RequestsOut,
		"upstream_response_tokens": s.TokensOut,
		"upstream_response_bytes":  s.BytesOut,
	}
}
