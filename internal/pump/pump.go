// Package pump implements the bidirectional, stdio-attached JSON-RPC
// pump that is the proxy's core: two reader loops (one per direction)
// plus a verbatim stderr forwarder, spawning and supervising the
// upstream MCP server subprocess. Each directional loop hands frames to
// the interception pipeline (handlers.Proxy) and shuts the child down
// in stages: close stdin, wait, terminate, wait, kill.
package pump

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/compresr/context-gateway/internal/canon"
	"github.com/compresr/context-gateway/internal/handlers"
	"github.com/compresr/context-gateway/internal/metrics"
	"github.com/compresr/context-gateway/internal/tokens"
)

// maxLineBytes bounds a single newline-delimited JSON-RPC frame. The
// protocol requires at least 8 MiB; this gives comfortable margin.
const maxLineBytes = 32 * 1024 * 1024

// Shutdown timers: close upstream stdin, wait, terminate, wait, kill.
const (
	stdinCloseWait = 500 * time.Millisecond
	terminateWait  = 2 * time.Second
)

// Pump owns the upstream subprocess and the two directional readers
// that sit between it and this process's own stdio.
type Pump struct {
	proxy   *handlers.Proxy
	metrics *metrics.Sink
	counter tokens.Counter
	stats   bool

	cmd         *exec.Cmd
	upstreamIn  io.WriteCloser
	upstreamOut io.ReadCloser
	upstreamErr io.ReadCloser
	clientIn    io.Reader
	clientOut   io.Writer
	clientOutMu sync.Mutex
}

// New builds a Pump for upstreamCommand (already resolved against
// PATH), wired to the given interception pipeline. clientIn/clientOut
// are normally os.Stdin/os.Stdout; overridable for tests.
func New(proxy *handlers.Proxy, sink *metrics.Sink, counter tokens.Counter, stats bool, upstreamCommand []string, clientIn io.Reader, clientOut io.Writer) (*Pump, error) {
	if len(upstreamCommand) == 0 {
		return nil, fmt.Errorf("pump: empty upstream command")
	}
	cmd := exec.Command(upstreamCommand[0], upstreamCommand[1:]...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pump: upstream stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pump: upstream stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pump: upstream stderr pipe: %w", err)
	}

	return &Pump{
		proxy:       proxy,
		metrics:     sink,
		counter:     counter,
		stats:       stats,
		cmd:         cmd,
		upstreamIn:  stdin,
		upstreamOut: stdout,
		upstreamErr: stderr,
		clientIn:    clientIn,
		clientOut:   clientOut,
	}, nil
}

// Run starts the upstream subprocess, runs the three cooperative tasks,
// and returns the upstream's exit code (or a non-zero code on startup
// failure). Process.Wait (not Cmd.Wait) reaps the
// child so it never races the pumpOut goroutine's own read of the
// StdoutPipe, which Cmd.Wait would otherwise close out from under it.
func (p *Pump) Run(ctx context.Context) (int, error) {
	if err := p.cmd.Start(); err != nil {
		return 1, fmt.Errorf("pump: start upstream: %w", err)
	}
	log.Info().
		Str("command", p.cmd.Path).
		Strs("args", p.cmd.Args[1:]).
		Int("pid", p.cmd.Process.Pid).
		Msg("upstream started")

	reaped := make(chan *os.ProcessState, 1)
	go func() {
		state, _ := p.cmd.Process.Wait()
		reaped <- state
	}()

	go p.pumpStderr()
	go p.pumpOut()

	clientEOF := make(chan struct{})
	go func() {
		defer close(clientEOF)
		p.pumpIn()
	}()

	var state *os.ProcessState
	select {
	case state = <-reaped:
		// Upstream exited on its own; nothing to tear down.
	case <-clientEOF:
		state = p.shutdownUpstream(reaped)
	case <-ctx.Done():
		state = p.shutdownUpstream(reaped)
	}

	if p.stats {
		log.Info().Msg(p.metrics.Snap().StderrReport())
	}

	if state == nil {
		return 1, fmt.Errorf("pump: upstream process state unavailable")
	}
	return state.ExitCode(), nil
}

// shutdownUpstream runs the staged cancellation sequence: close
// upstream stdin, wait, terminate, wait, kill. reaped is fed exactly
// once by the single goroutine calling Process.Wait in Run.
func (p *Pump) shutdownUpstream(reaped <-chan *os.ProcessState) *os.ProcessState {
	_ = p.upstreamIn.Close()

	select {
	case state := <-reaped:
		return state
	case <-time.After(stdinCloseWait):
	}

	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case state := <-reaped:
		return state
	case <-time.After(terminateWait):
	}

	_ = p.cmd.Process.Kill()
	return <-reaped
}

// pumpIn is the client->upstream cooperative task: read a frame from
// this process's stdin, intercept it, and either answer locally or
// forward to upstream stdin.
func (p *Pump) pumpIn() {
	reader := bufio.NewReaderSize(p.clientIn, 64*1024)
	for {
		line, err := readLine(reader)
		if len(line) > 0 {
			p.handleClientLine(line)
		}
		if err != nil {
			return
		}
	}
}

func (p *Pump) handleClientLine(line []byte) {
	v, decodeErr := canon.Decode(line)
	if decodeErr != nil {
		p.metrics.RecordMalformedLine()
		log.Warn().Err(decodeErr).Msg("pump: skipping malformed client line")
		return
	}
	msg, ok := v.(map[string]any)
	if !ok {
		p.metrics.RecordMalformedLine()
		return
	}
	p.metrics.RecordRequest(len(line), p.counter.Count(msg))

	if immediate := p.proxy.InterceptRequest(msg); immediate != nil {
		p.writeToClient(immediate)
		return
	}

	out, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Msg("pump: failed to re-encode client message, forwarding raw")
		out = line
	}
	if _, err := p.upstreamIn.Write(append(out, '\n')); err != nil {
		log.Debug().Err(err).Msg("pump: upstream stdin write failed (likely shut down)")
	}
}

// pumpOut is the upstream->client cooperative task: read a frame from
// upstream stdout, post-process it against the pending table, and
// deliver it to the client.
func (p *Pump) pumpOut() {
	reader := bufio.NewReaderSize(p.upstreamOut, 64*1024)
	for {
		line, err := readLine(reader)
		if len(line) > 0 {
			p.handleUpstreamLine(line)
		}
		if err != nil {
			return
		}
	}
}

func (p *Pump) handleUpstreamLine(line []byte) {
	v, decodeErr := canon.Decode(line)
	if decodeErr != nil {
		p.metrics.RecordMalformedLine()
		log.Warn().Err(decodeErr).Msg("pump: skipping malformed upstream line")
		return
	}
	msg, ok := v.(map[string]any)
	if !ok {
		p.metrics.RecordMalformedLine()
		return
	}

	out := p.proxy.HandleUpstreamMessage(msg)
	p.writeToClient(out)
}

// writeToClient annotates stats (if enabled), records metrics, and
// writes one frame to the client under the shared write lock so no two
// messages can interleave mid-line.
func (p *Pump) writeToClient(msg map[string]any) {
	if p.stats {
		msg = annotateStats(msg, p.metrics.Snap().Annotation())
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("pump: failed to encode outgoing message")
		return
	}
	p.metrics.RecordResponse(len(encoded), p.counter.Count(msg))

	p.clientOutMu.Lock()
	defer p.clientOutMu.Unlock()
	if _, err := p.clientOut.Write(append(encoded, '\n')); err != nil {
		log.Error().Err(err).Msg("pump: failed to write to client")
	}
}

// annotateStats merges the runtime-metrics snapshot into
// result._ultra_lean_mcp_proxy.runtime_metrics. Only
// applies to messages carrying a result object.
func annotateStats(msg map[string]any, annotation map[string]any) map[string]any {
	result, ok := msg["result"].(map[string]any)
	if !ok {
		return msg
	}
	result = canon.Clone(result).(map[string]any)
	ext, _ := result["_ultra_lean_mcp_proxy"].(map[string]any)
	if ext == nil {
		ext = map[string]any{}
	} else {
		ext = canon.Clone(ext).(map[string]any)
	}
	ext["runtime_metrics"] = annotation
	result["_ultra_lean_mcp_proxy"] = ext
	msg["result"] = result
	return msg
}

// pumpStderr streams upstream stderr bytes to this process's stderr
// unchanged.
func (p *Pump) pumpStderr() {
	_, err := io.Copy(os.Stderr, p.upstreamErr)
	if err != nil && err != io.EOF {
		log.Debug().Err(err).Msg("pump: stderr forwarder stopped")
	}
}

// readLine reads one newline-delimited frame, trimming the trailing
// '\r' a CRLF client might send. Blank lines return (nil, nil) and the
// caller loops to the next read.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if len(line) > maxLineBytes {
		return nil, fmt.Errorf("pump: frame exceeds %d bytes", maxLineBytes)
	}
	trimmed := trimNewline(line)
	if len(trimmed) == 0 {
		return nil, err
	}
	return trimmed, err
}

func trimNewline(line []byte) []byte {
	n := len(line)
	for n > 0 && (line[n-1] == '\n' || line[n-1] == '\r') {
		n--
	}
	return line[:n]
}
