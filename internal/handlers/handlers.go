// Package handlers implements the request/response interception
// pipeline that sits between the client and the upstream MCP server:
// tracking in-flight requests by id, and on the matching response
// applying tools-hash-sync, definition compression, lazy loading,
// result compression, caching, and delta-encoding. A single Proxy owns
// every per-request shaping decision against the shared state tables.
package handlers

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/compresr/context-gateway/internal/canon"
	"github.com/compresr/context-gateway/internal/config"
	"github.com/compresr/context-gateway/internal/health"
	"github.com/compresr/context-gateway/internal/metrics"
	"github.com/compresr/context-gateway/internal/resultcompress"
	"github.com/compresr/context-gateway/internal/searchtool"
	"github.com/compresr/context-gateway/internal/state"
	"github.com/compresr/context-gateway/internal/tokens"
	"github.com/compresr/context-gateway/internal/toolshash"
)

const extensionKey = "ultra_lean_mcp_proxy"

// pendingRequest is the context captured when a client request with an
// id passes through, needed once the matching upstream response arrives.
type pendingRequest struct {
	method                       string
	toolName                     string
	arguments                    any
	cacheKey                     string
	toolsHashIfNoneMatch         string
	toolsHashIfNoneMatchProvided bool
	toolsHashIfNoneMatchValid    bool
	clientSupportsToolsHashSync  bool
}

// Proxy owns all shared, per-process state the interception pipeline
// reads and mutates: the cache/history/tool-index tables, the feature
// health tracker, the shared key-alias registry, and the token counter.
type Proxy struct {
	cfg         *config.ProxyConfig
	counter     tokens.Counter
	metrics     *metrics.Sink
	health      *health.Tracker
	keyRegistry *resultcompress.KeyAliasRegistry

	cache     *state.Cache
	history   *state.History
	toolsHash *state.ToolsHashTable
	toolIndex *state.ToolIndex

	profileFingerprint string

	mu                      sync.Mutex
	pending                 map[any]*pendingRequest
	toolsHashSyncNegotiated bool

	deltaMu       sync.Mutex
	deltaCounters map[string]int
}

// New builds a Proxy for one upstream subprocess invocation.
func New(cfg *config.ProxyConfig, upstreamCommand []string, counter tokens.Counter, sink *metrics.Sink) *Proxy {
	fingerprint, _ := canon.Hash(map[string]any{
		"server_name": cfg.ServerName,
		"command":     strings.Join(upstreamCommand, " "),
	})
	return &Proxy{
		cfg:                cfg,
		counter:            counter,
		metrics:            sink,
		health:             health.NewTracker(cfg.AutoDisableEnabled, cfg.AutoDisableThreshold, cfg.AutoDisableCooldownRequests),
		keyRegistry:        resultcompress.NewKeyAliasRegistry(),
		cache:              state.NewCache(cfg.CacheMaxEntries),
		history:            state.NewHistory(cfg.CacheMaxEntries),
		toolsHash:          state.NewToolsHashTable(),
		toolIndex:          state.NewToolIndex(),
		profileFingerprint: fingerprint,
		pending:            map[any]*pendingRequest{},
		deltaCounters:      map[string]int{},
	}
}

// InterceptRequest inspects one client->upstream JSON-RPC message. When
// it returns a non-nil immediate response, the caller must send that
// response directly to the client and must NOT forward msg upstream.
// Otherwise the caller forwards msg upstream unchanged.
func (p *Proxy) InterceptRequest(msg map[string]any) (immediate map[string]any) {
	method, _ := msg["method"].(string)
	id, hasID := msg["id"]
	if method == "" || !hasID {
		return nil
	}

	switch method {
	case "initialize":
		params, _ := msg["params"].(map[string]any)
		supported := false
		if params != nil {
			if caps, ok := params["capabilities"].(map[string]any); ok {
				supported = toolshash.ClientSupportsVersion(caps, extensionKey)
			}
		}
		p.setPending(id, &pendingRequest{method: method, clientSupportsToolsHashSync: supported})
		return nil

	case "tools/list":
		params, _ := msg["params"].(map[string]any)
		ifNoneMatch, valid := "", false
		provided := paramsCarryIfNoneMatch(params)
		if params != nil {
			ifNoneMatch, valid = toolshash.ParseIfNoneMatch(params)
		}

		if p.cfg.ToolsHashSyncEnabled && p.negotiated() && valid {
			scopeKey := p.toolsHashScopeKey()
			if entry, ok := p.toolsHash.Get(scopeKey); ok && entry.LastHash == ifNoneMatch {
				// The hit is recorded only when we actually short-circuit; a
				// forced-refresh boundary forwards upstream and lets the
				// response path re-detect the boundary and reset the counter.
				nextHit := entry.ConditionalHits + 1
				forceRefresh := p.cfg.ToolsHashSyncRefreshInterval > 0 && nextHit%p.cfg.ToolsHashSyncRefreshInterval == 0
				if !forceRefresh {
					p.toolsHash.IncrementHits(scopeKey)
					return map[string]any{
						"jsonrpc": jsonrpcVersion(msg),
						"id":      id,
						"result": map[string]any{
							"tools": []any{},
							"_" + extensionKey: map[string]any{
								"tools_hash_sync": map[string]any{
									"not_modified": true,
									"tools_hash":   ifNoneMatch,
								},
							},
						},
					}
				}
			}
		}

		p.setPending(id, &pendingRequest{
			method:                       method,
			toolsHashIfNoneMatch:         ifNoneMatch,
			toolsHashIfNoneMatchProvided: provided,
			toolsHashIfNoneMatchValid:    valid,
		})
		return nil

	case "tools/call":
		toolName, arguments := extractToolCall(msg)

		if p.cfg.LazyLoadingEnabled && toolName == searchtool.Name {
			result := p.buildSearchResult(arguments)
			compressed := p.applyResultCompression(result, toolName)
			if m, ok := compressed.(map[string]any); ok {
				result = m
			}
			return map[string]any{"jsonrpc": jsonrpcVersion(msg), "id": id, "result": result}
		}

		pr := &pendingRequest{method: method, toolName: toolName, arguments: arguments}
		if p.toolCacheAllowed(toolName) {
			cacheKey := state.MakeCacheKey(p.cfg.SessionID, p.cfg.ServerName, toolName, arguments)
			if cached, ok := p.cache.Get(cacheKey); ok {
				p.metrics.CacheHits.Add(1)
				delivered := p.applyDeltaResponse(cached, cacheKey, toolName)
				return map[string]any{"jsonrpc": jsonrpcVersion(msg), "id": id, "result": delivered}
			}
			p.metrics.CacheMisses.Add(1)
			pr.cacheKey = cacheKey
		}
		p.setPending(id, pr)
		return nil

	default:
		p.setPending(id, &pendingRequest{method: method})
		return nil
	}
}

// HandleUpstreamMessage inspects one upstream->client JSON-RPC message,
// applying the response-side half of the pipeline for whichever request
// (if any) it resolves, and returns the message to deliver to the client.
func (p *Proxy) HandleUpstreamMessage(msg map[string]any) map[string]any {
	id, hasID := msg["id"]
	if !hasID {
		return msg
	}

	if _, hasResult := msg["result"]; hasResult {
		pr := p.popPending(id)
		if pr == nil {
			return msg
		}
		switch pr.method {
		case "initialize":
			result, _ := msg["result"].(map[string]any)
			if p.cfg.ToolsHashSyncEnabled && pr.clientSupportsToolsHashSync {
				p.setNegotiated(true)
				msg["result"] = injectToolsHashCapability(result)
			} else {
				p.setNegotiated(false)
			}
		case "tools/list":
			result, _ := msg["result"].(map[string]any)
			msg["result"] = p.handleToolsListResult(result, pr)
		case "tools/call":
			result := msg["result"]
			result = p.onToolCallResult(result, pr)
			msg["result"] = result
		}
		return msg
	}

	if _, hasErr := msg["error"]; hasErr {
		pr := p.popPending(id)
		if pr != nil && pr.method == "initialize" {
			p.setNegotiated(false)
		}
	}
	return msg
}

func (p *Proxy) onToolCallResult(result any, pr *pendingRequest) any {
	rawUpstream := canon.Clone(result)
	result = p.applyResultCompression(result, pr.toolName)

	if p.cfg.CachingEnabled && !p.cfg.CacheMutatingTools && pr.toolName != "" && state.IsMutatingToolName(pr.toolName) {
		scopePrefix := fmt.Sprintf("%s:%s:", p.cfg.SessionID, p.cfg.ServerName)
		p.cache.InvalidatePrefix(scopePrefix)
		p.history.InvalidatePrefix(state.RawCacheKey(scopePrefix))
	}

	if pr.cacheKey != "" && p.toolCacheAllowed(pr.toolName) {
		ttl := p.cacheTTLForTool(pr.toolName)
		if p.cfg.CacheAdaptiveTTL && ttl > 0 {
			rawKey := state.RawCacheKey(pr.cacheKey)
			if previousRaw, ok := p.history.Get(rawKey); ok {
				if !canon.Equal(previousRaw, rawUpstream) {
					ttl = maxInt(p.cfg.CacheTTLMinSeconds, ttl/2)
				} else {
					ttl = minInt(p.cfg.CacheTTLMaxSeconds, ttl+ttl/2)
				}
				ttl = minInt(maxInt(ttl, p.cfg.CacheTTLMinSeconds), p.cfg.CacheTTLMaxSeconds)
			}
			p.history.Set(rawKey, rawUpstream)
		}
		p.cache.Set(pr.cacheKey, result, time.Duration(ttl)*time.Second)
	}

	historyKey := pr.cacheKey
	if historyKey == "" {
		toolName := pr.toolName
		if toolName == "" {
			toolName = "_unknown"
		}
		arguments := pr.arguments
		if arguments == nil {
			arguments = map[string]any{}
		}
		historyKey = state.MakeCacheKey(p.cfg.SessionID, p.cfg.ServerName, toolName, arguments)
	}
	return p.applyDeltaResponse(result, historyKey, pr.toolName)
}

func (p *Proxy) toolCacheAllowed(toolName string) bool {
	if toolName == "" || !p.cfg.CachingEnabled {
		return false
	}
	if !p.cfg.FeatureEnabledForTool(toolName, "caching", true) {
		return false
	}
	if !p.cfg.CacheMutatingTools && state.IsMutatingToolName(toolName) {
		return false
	}
	return true
}

func (p *Proxy) cacheTTLForTool(toolName string) int {
	if ttl, ok := p.cfg.TTLOverrideSeconds(toolName, "caching"); ok {
		return ttl
	}
	return p.cfg.CacheTTLSeconds
}

func (p *Proxy) setPending(id any, pr *pendingRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending[id] = pr
}

func (p *Proxy) popPending(id any) *pendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr := p.pending[id]
	delete(p.pending, id)
	return pr
}

func (p *Proxy) setNegotiated(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolsHashSyncNegotiated = v
}

func (p *Proxy) negotiated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.toolsHashSyncNegotiated
}

func (p *Proxy) toolsHashScopeKey() string {
	return fmt.Sprintf("%s:%s:%s", p.cfg.SessionID, p.cfg.ServerName, p.profileFingerprint)
}

func jsonrpcVersion(msg map[string]any) any {
	if v, ok := msg["jsonrpc"]; ok {
		return v
	}
	return "2.0"
}

// paramsCarryIfNoneMatch reports whether params carries an if_none_match
// field at all, valid or not, for feature-health/logging purposes
// distinct from toolshash.ParseIfNoneMatch's strict validation.
func paramsCarryIfNoneMatch(params map[string]any) bool {
	ext, ok := params["_"+extensionKey].(map[string]any)
	if !ok {
		return false
	}
	sync, ok := ext["tools_hash_sync"].(map[string]any)
	if !ok {
		return false
	}
	_, ok = sync["if_none_match"]
	return ok
}

func extractToolCall(msg map[string]any) (string, any) {
	params, ok := msg["params"].(map[string]any)
	if !ok {
		return "", map[string]any{}
	}
	name, _ := params["name"].(string)
	arguments, ok := params["arguments"].(map[string]any)
	if !ok {
		arguments = map[string]any{}
	}
	return name, arguments
}

func injectToolsHashCapability(result map[string]any) map[string]any {
	if result == nil {
		return result
	}
	out, _ := canon.Clone(result).(map[string]any)
	caps, ok := out["capabilities"].(map[string]any)
	if !ok {
		caps = map[string]any{}
		out["capabilities"] = caps
	}
	experimental, ok := caps["experimental"].(map[string]any)
	if !ok {
		experimental = map[string]any{}
		caps["experimental"] = experimental
	}
	experimental[extensionKey] = map[string]any{
		"tools_hash_sync": toolshash.ServerCapability(),
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
