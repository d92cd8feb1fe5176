package handlers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/context-gateway/internal/config"
	"github.com/compresr/context-gateway/internal/metrics"
	"github.com/compresr/context-gateway/internal/tokens"
)

func newTestProxy(mutate func(*config.ProxyConfig)) *Proxy {
	cfg := config.Default()
	cfg.SessionID = "s1"
	cfg.ServerName = "srv"
	if mutate != nil {
		mutate(cfg)
	}
	return New(cfg, []string{"upstream", "serve"}, tokens.NewHeuristic(), metrics.New())
}

func TestInitializeCapabilityInjectedWhenNegotiated(t *testing.T) {
	p := newTestProxy(func(c *config.ProxyConfig) { c.ToolsHashSyncEnabled = true })

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      float64(1),
		"method":  "initialize",
		"params": map[string]any{
			"capabilities": map[string]any{
				"experimental": map[string]any{
					"ultra_lean_mcp_proxy": map[string]any{
						"tools_hash_sync": map[string]any{"version": float64(1)},
					},
				},
			},
		},
	}
	require.Nil(t, p.InterceptRequest(req), "initialize must forward upstream, not answer immediately")

	resp := map[string]any{
		"jsonrpc": "2.0",
		"id":      float64(1),
		"result":  map[string]any{"capabilities": map[string]any{}},
	}
	out := p.HandleUpstreamMessage(resp)
	result := out["result"].(map[string]any)
	caps := result["capabilities"].(map[string]any)
	experimental := caps["experimental"].(map[string]any)
	ext := experimental["ultra_lean_mcp_proxy"].(map[string]any)
	sync := ext["tools_hash_sync"].(map[string]any)
	assert.Equal(t, "sha256", sync["algorithm"], "expected injected tools_hash_sync capability")
}

func TestToolsCallCacheHitServesImmediateResponse(t *testing.T) {
	p := newTestProxy(func(c *config.ProxyConfig) { c.CachingEnabled = true })

	req := map[string]any{
		"jsonrpc": "2.0", "id": float64(1), "method": "tools/call",
		"params": map[string]any{"name": "get_info", "arguments": map[string]any{"x": float64(1)}},
	}
	require.Nil(t, p.InterceptRequest(req), "first call must miss cache and forward upstream")

	upstreamResp := map[string]any{
		"jsonrpc": "2.0", "id": float64(1),
		"result": map[string]any{"content": []any{map[string]any{"type": "text", "text": "hello"}}},
	}
	p.HandleUpstreamMessage(upstreamResp)

	req2 := map[string]any{
		"jsonrpc": "2.0", "id": float64(2), "method": "tools/call",
		"params": map[string]any{"name": "get_info", "arguments": map[string]any{"x": float64(1)}},
	}
	immediate := p.InterceptRequest(req2)
	require.NotNil(t, immediate, "second identical call must hit cache and answer immediately")
	assert.Equal(t, int64(1), p.metrics.Snap().CacheHits)
}

func TestMutatingToolCallInvalidatesCache(t *testing.T) {
	p := newTestProxy(func(c *config.ProxyConfig) { c.CachingEnabled = true })

	readReq := map[string]any{
		"jsonrpc": "2.0", "id": float64(1), "method": "tools/call",
		"params": map[string]any{"name": "get_info", "arguments": map[string]any{}},
	}
	p.InterceptRequest(readReq)
	p.HandleUpstreamMessage(map[string]any{
		"jsonrpc": "2.0", "id": float64(1),
		"result": map[string]any{"content": []any{map[string]any{"type": "text", "text": "v1"}}},
	})

	writeReq := map[string]any{
		"jsonrpc": "2.0", "id": float64(2), "method": "tools/call",
		"params": map[string]any{"name": "update_info", "arguments": map[string]any{}},
	}
	p.InterceptRequest(writeReq)
	p.HandleUpstreamMessage(map[string]any{
		"jsonrpc": "2.0", "id": float64(2),
		"result": map[string]any{"content": []any{map[string]any{"type": "text", "text": "mutated"}}},
	})

	readReq2 := map[string]any{
		"jsonrpc": "2.0", "id": float64(3), "method": "tools/call",
		"params": map[string]any{"name": "get_info", "arguments": map[string]any{}},
	}
	assert.Nil(t, p.InterceptRequest(readReq2), "read cache must be invalidated after a mutating call")
}

func TestLazyLoadingInjectsSearchToolWhenOverThreshold(t *testing.T) {
	p := newTestProxy(func(c *config.ProxyConfig) {
		c.LazyLoadingEnabled = true
		c.LazyMode = config.LazyMinimal
		c.LazyMinTools = 2
	})

	req := map[string]any{"jsonrpc": "2.0", "id": float64(1), "method": "tools/list"}
	p.InterceptRequest(req)

	// The schema metadata that definition compression strips outweighs the
	// injected search tool definition, so the rewrite shrinks the payload.
	verboseSchema := func() map[string]any {
		return map[string]any{
			"type":                 "object",
			"$schema":              "http://json-schema.org/draft-07/schema#",
			"title":                "Arguments accepted by this tool as published by the upstream server, kept verbatim in its manifest",
			"additionalProperties": false,
			"examples":             []any{map[string]any{}},
		}
	}
	tools := []any{
		map[string]any{"name": "a", "description": "does a thing that retrieves information from a repository, in order to help you out quite a lot indeed", "inputSchema": verboseSchema()},
		map[string]any{"name": "b", "description": "does b", "inputSchema": verboseSchema()},
		map[string]any{"name": "c", "description": "does c", "inputSchema": verboseSchema()},
	}
	resp := map[string]any{"jsonrpc": "2.0", "id": float64(1), "result": map[string]any{"tools": tools}}
	out := p.HandleUpstreamMessage(resp)
	result := out["result"].(map[string]any)
	visible := result["tools"].([]any)

	names := make([]string, 0, len(visible))
	for _, v := range visible {
		name, _ := v.(map[string]any)["name"].(string)
		names = append(names, name)
	}
	assert.Contains(t, names, "ultra_lean_mcp_proxy.search_tools", "search tool must be injected into lazy tools/list")
	assert.Positive(t, p.metrics.Snap().ToolsListSavedBytes, "tools/list savings must be recorded")
}

func TestSearchToolCallAnsweredDirectlyWithoutUpstream(t *testing.T) {
	p := newTestProxy(func(c *config.ProxyConfig) {
		c.LazyLoadingEnabled = true
		c.LazyMode = config.LazyMinimal
		c.LazyMinTools = 1
	})

	listReq := map[string]any{"jsonrpc": "2.0", "id": float64(1), "method": "tools/list"}
	p.InterceptRequest(listReq)
	tools := []any{
		map[string]any{"name": "get_repo_info", "description": "fetch repo info", "inputSchema": map[string]any{"type": "object"}},
	}
	p.HandleUpstreamMessage(map[string]any{"jsonrpc": "2.0", "id": float64(1), "result": map[string]any{"tools": tools}})

	searchReq := map[string]any{
		"jsonrpc": "2.0", "id": float64(2), "method": "tools/call",
		"params": map[string]any{
			"name":      "ultra_lean_mcp_proxy.search_tools",
			"arguments": map[string]any{"query": "repo"},
		},
	}
	immediate := p.InterceptRequest(searchReq)
	require.NotNil(t, immediate, "search tool call must be answered without reaching upstream")
	result := immediate["result"].(map[string]any)
	assert.Contains(t, result, "structuredContent")
}

func TestResultCompressionSkipsPayloadsBelowMinBytes(t *testing.T) {
	p := newTestProxy(func(c *config.ProxyConfig) {
		c.ResultCompressionEnabled = true
		c.ResultMinPayloadBytes = 10_000
		c.ResultMinCompressibility = 0
	})

	req := map[string]any{
		"jsonrpc": "2.0", "id": float64(1), "method": "tools/call",
		"params": map[string]any{"name": "get_rows", "arguments": map[string]any{}},
	}
	p.InterceptRequest(req)

	small := map[string]any{"rows": []any{
		map[string]any{"id": float64(1), "name": "a"},
		map[string]any{"id": float64(2), "name": "b"},
	}}
	resp := map[string]any{
		"jsonrpc": "2.0", "id": float64(1),
		"result": map[string]any{"structuredContent": small},
	}
	out := p.HandleUpstreamMessage(resp)
	result := out["result"].(map[string]any)
	assert.NotContains(t, result["structuredContent"].(map[string]any), "encoding",
		"payload under result_min_payload_bytes must stay uncompressed")
	assert.Equal(t, int64(0), p.metrics.Snap().ResultCompressed)
}

func TestNotModifiedToolsListShortCircuitsUpstream(t *testing.T) {
	p := newTestProxy(func(c *config.ProxyConfig) {
		c.ToolsHashSyncEnabled = true
		c.ToolsHashSyncRefreshInterval = 50
	})

	initReq := map[string]any{
		"jsonrpc": "2.0", "id": float64(1), "method": "initialize",
		"params": map[string]any{"capabilities": map[string]any{
			"experimental": map[string]any{"ultra_lean_mcp_proxy": map[string]any{"tools_hash_sync": map[string]any{"version": float64(1)}}},
		}},
	}
	p.InterceptRequest(initReq)
	p.HandleUpstreamMessage(map[string]any{"jsonrpc": "2.0", "id": float64(1), "result": map[string]any{}})

	listReq := map[string]any{"jsonrpc": "2.0", "id": float64(2), "method": "tools/list"}
	p.InterceptRequest(listReq)
	tools := []any{map[string]any{"name": "a", "description": "a", "inputSchema": map[string]any{"type": "object"}}}
	first := p.HandleUpstreamMessage(map[string]any{"jsonrpc": "2.0", "id": float64(2), "result": map[string]any{"tools": tools}})
	firstResult := first["result"].(map[string]any)
	ext := firstResult["_ultra_lean_mcp_proxy"].(map[string]any)
	sync := ext["tools_hash_sync"].(map[string]any)
	hash := sync["tools_hash"].(string)

	listReq2 := map[string]any{
		"jsonrpc": "2.0", "id": float64(3), "method": "tools/list",
		"params": map[string]any{"_ultra_lean_mcp_proxy": map[string]any{"tools_hash_sync": map[string]any{"if_none_match": hash}}},
	}
	immediate := p.InterceptRequest(listReq2)
	require.NotNil(t, immediate, "matching if_none_match must short-circuit before reaching upstream")
	result := immediate["result"].(map[string]any)
	assert.Empty(t, result["tools"], "not-modified response must carry an empty tools array")
}

func TestForcedRefreshReturnsFullSnapshotAtBoundary(t *testing.T) {
	p := newTestProxy(func(c *config.ProxyConfig) {
		c.ToolsHashSyncEnabled = true
		c.ToolsHashSyncRefreshInterval = 2
	})

	initReq := map[string]any{
		"jsonrpc": "2.0", "id": float64(1), "method": "initialize",
		"params": map[string]any{"capabilities": map[string]any{
			"experimental": map[string]any{"ultra_lean_mcp_proxy": map[string]any{"tools_hash_sync": map[string]any{"version": float64(1)}}},
		}},
	}
	p.InterceptRequest(initReq)
	p.HandleUpstreamMessage(map[string]any{"jsonrpc": "2.0", "id": float64(1), "result": map[string]any{}})

	tools := []any{map[string]any{"name": "a", "description": "a", "inputSchema": map[string]any{"type": "object"}}}

	p.InterceptRequest(map[string]any{"jsonrpc": "2.0", "id": float64(2), "method": "tools/list"})
	first := p.HandleUpstreamMessage(map[string]any{"jsonrpc": "2.0", "id": float64(2), "result": map[string]any{"tools": tools}})
	hash := first["result"].(map[string]any)["_ultra_lean_mcp_proxy"].(map[string]any)["tools_hash_sync"].(map[string]any)["tools_hash"].(string)

	conditional := func(id float64) map[string]any {
		return map[string]any{
			"jsonrpc": "2.0", "id": id, "method": "tools/list",
			"params": map[string]any{"_ultra_lean_mcp_proxy": map[string]any{"tools_hash_sync": map[string]any{"if_none_match": hash}}},
		}
	}

	require.NotNil(t, p.InterceptRequest(conditional(3)), "first conditional request must short-circuit")

	// Second consecutive match hits the refresh_interval=2 boundary: the
	// request must go upstream and come back as a full snapshot even
	// though the hash still matches.
	require.Nil(t, p.InterceptRequest(conditional(4)), "boundary conditional request must forward upstream")
	forced := p.HandleUpstreamMessage(map[string]any{"jsonrpc": "2.0", "id": float64(4), "result": map[string]any{"tools": tools}})
	forcedResult := forced["result"].(map[string]any)
	assert.NotEmpty(t, forcedResult["tools"], "forced-refresh boundary must return a full snapshot")
	sync := forcedResult["_ultra_lean_mcp_proxy"].(map[string]any)["tools_hash_sync"].(map[string]any)
	assert.Equal(t, false, sync["not_modified"])

	// The boundary reset the hit counter, so the cycle starts over.
	assert.NotNil(t, p.InterceptRequest(conditional(5)), "conditional request after forced refresh must short-circuit again")
}

func TestLazyModeOffLeavesCatalogUntouched(t *testing.T) {
	p := newTestProxy(func(c *config.ProxyConfig) {
		c.LazyLoadingEnabled = true
		c.LazyMode = config.LazyOff
		c.LazyMinTools = 1
	})

	p.InterceptRequest(map[string]any{"jsonrpc": "2.0", "id": float64(1), "method": "tools/list"})
	tools := []any{
		map[string]any{"name": "a", "description": "does a", "inputSchema": map[string]any{"type": "object"}},
		map[string]any{"name": "b", "description": "does b", "inputSchema": map[string]any{"type": "object"}},
	}
	out := p.HandleUpstreamMessage(map[string]any{"jsonrpc": "2.0", "id": float64(1), "result": map[string]any{"tools": tools}})
	visible := out["result"].(map[string]any)["tools"].([]any)
	require.Len(t, visible, len(tools), "catalog must pass through with lazy_mode=off")
	for _, v := range visible {
		assert.NotEqual(t, "ultra_lean_mcp_proxy.search_tools", v.(map[string]any)["name"],
			"no search meta-tool when lazy_mode=off")
	}
}
