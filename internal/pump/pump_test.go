package pump

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/compresr/context-gateway/internal/config"
	"github.com/compresr/context-gateway/internal/handlers"
	"github.com/compresr/context-gateway/internal/metrics"
	"github.com/compresr/context-gateway/internal/tokens"
)

func newTestProxy(t *testing.T) *handlers.Proxy {
	t.Helper()
	cfg := config.Default()
	return handlers.New(cfg, []string{"cat"}, tokens.NewHeuristic(), metrics.New())
}

// TestPumpRoundTripsThroughUpstream drives a real "cat" subprocess as the
// upstream: a request with no special interception handling should be
// forwarded verbatim, echoed back unchanged, and delivered to the client.
func TestPumpRoundTripsThroughUpstream(t *testing.T) {
	clientIn, clientInWriter := io.Pipe()
	clientOutReader, clientOut := io.Pipe()

	p, err := New(newTestProxy(t), metrics.New(), tokens.NewHeuristic(), false, []string{"cat"}, clientIn, clientOut)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	var exitCode int
	go func() {
		defer close(done)
		exitCode, _ = p.Run(ctx)
	}()

	req := map[string]any{"jsonrpc": "2.0", "id": float64(1), "method": "ping"}
	encoded, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = clientInWriter.Write(append(encoded, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(clientOutReader)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(line, &got))
	require.Equal(t, "ping", got["method"])
	require.Equal(t, float64(1), got["id"])

	require.NoError(t, clientInWriter.Close())
	<-done
	require.Equal(t, 0, exitCode)
}

// TestPumpShutdownSequenceTerminatesLongRunningUpstream verifies that
// closing the client side causes the upstream subprocess to be torn
// down (rather than the pump hanging) within the shutdown timers.
func TestPumpShutdownSequenceTerminatesLongRunningUpstream(t *testing.T) {
	clientIn, clientInWriter := io.Pipe()
	var clientOut bytes.Buffer

	p, err := New(newTestProxy(t), metrics.New(), tokens.NewHeuristic(), false, []string{"sleep", "30"}, clientIn, &clientOut)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Run(ctx)
	}()

	require.NoError(t, clientInWriter.Close())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pump did not shut down the upstream within the expected window")
	}
}
