// Package main is the entry point for the ultra-lean MCP proxy core:
// it parses the "proxy" command surface, resolves the upstream command
// against PATH, builds the interception pipeline, and runs the
// bidirectional stdio pump until the client or the upstream goes away.
//
// Host-config management (install/uninstall/status/watch) lives in a
// separate tool; this binary only consumes a resolved ProxyConfig and
// an already-resolved upstream command vector.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/compresr/context-gateway/internal/config"
	"github.com/compresr/context-gateway/internal/handlers"
	"github.com/compresr/context-gateway/internal/metrics"
	"github.com/compresr/context-gateway/internal/pump"
	"github.com/compresr/context-gateway/internal/tokens"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "proxy" {
		printHelp()
		os.Exit(1)
	}
	os.Exit(runProxy(os.Args[2:]))
}

// runProxy parses "proxy [--stats] [--config path] -- <upstream_cmd> [args...]",
// wires the core pipeline, and runs it to completion.
func runProxy(args []string) int {
	fs := flag.NewFlagSet("proxy", flag.ContinueOnError)
	stats := fs.Bool("stats", false, "write a stats summary to stderr on shutdown")
	configPath := fs.String("config", "", "path to the proxy config YAML file")
	strictTokens := fs.Bool("strict-tokens", false, "fail startup if the BPE token encoder is unavailable")
	debug := fs.Bool("debug", false, "enable debug logging")

	sepIdx := -1
	for i, a := range args {
		if a == "--" {
			sepIdx = i
			break
		}
	}
	if sepIdx < 0 {
		fmt.Fprintln(os.Stderr, "usage: proxy [--stats] [--config path] -- <upstream_cmd> [args...]")
		return 2
	}
	if err := fs.Parse(args[:sepIdx]); err != nil {
		return 2
	}
	upstreamArgs := args[sepIdx+1:]
	if len(upstreamArgs) == 0 {
		fmt.Fprintln(os.Stderr, "proxy: missing upstream command after --")
		return 2
	}

	setupLogging(*debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error().Err(err).Msg("failed to load proxy config")
		return 1
	}
	cfg.Stats = cfg.Stats || *stats

	upstreamCommand, err := resolveUpstreamCommand(upstreamArgs)
	if err != nil {
		log.Error().Err(err).Msg("failed to resolve upstream command")
		return 1
	}

	counter, err := tokens.New(*strictTokens)
	if err != nil {
		log.Error().Err(err).Msg("failed to build token counter")
		return 1
	}
	log.Info().
		Str("session_id", cfg.SessionID).
		Str("server_name", cfg.ServerName).
		Str("token_backend", string(counter.Backend())).
		Strs("upstream", upstreamCommand).
		Msg("ultra-lean-mcp-proxy starting")

	sink := metrics.New()
	proxy := handlers.New(cfg, upstreamCommand, counter, sink)

	p, err := pump.New(proxy, sink, counter, cfg.Stats, upstreamCommand, os.Stdin, os.Stdout)
	if err != nil {
		log.Error().Err(err).Msg("failed to construct pump")
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	start := time.Now()
	code, err := p.Run(ctx)
	if err != nil {
		log.Error().Err(err).Dur("uptime", time.Since(start)).Msg("proxy run ended with error")
		if code == 0 {
			code = 1
		}
	}
	return code
}

// resolveUpstreamCommand resolves upstreamArgs[0] against PATH, with a
// ".cmd" extension fallback on Windows for npm-style shims.
func resolveUpstreamCommand(upstreamArgs []string) ([]string, error) {
	name := upstreamArgs[0]
	resolved, err := exec.LookPath(name)
	if err != nil && runtime.GOOS == "windows" {
		resolved, err = exec.LookPath(name + ".cmd")
	}
	if err != nil {
		return nil, fmt.Errorf("upstream command %q not found on PATH: %w", name, err)
	}
	out := make([]string, len(upstreamArgs))
	out[0] = resolved
	copy(out[1:], upstreamArgs[1:])
	return out, nil
}

// setupLogging configures the zerolog console writer. All log output
// goes to stderr so stdout stays reserved for the JSON-RPC wire
// protocol. Color codes are suppressed when stderr isn't attached to a
// terminal (e.g. piped into a log file by the MCP host).
func setupLogging(debug bool) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
		NoColor:    !term.IsTerminal(int(os.Stderr.Fd())),
	})
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func printHelp() {
	fmt.Println("ultra-lean-mcp-proxy - token/byte-shrinking MCP stdio proxy")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  proxy [--stats] [--config FILE] [--debug] -- <upstream_cmd> [args...]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config FILE     Path to the proxy config YAML file")
	fmt.Println("  --stats           Write a stats summary to stderr on shutdown")
	fmt.Println("  --strict-tokens   Fail startup if the BPE token encoder is unavailable")
	fmt.Println("  --debug           Enable debug logging")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Println("  proxy --config proxy.yaml -- npx -y @modelcontextprotocol/server-filesystem /tmp")
}
