package handlers

import (
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"

	"github.com/compresr/context-gateway/internal/canon"
	"github.com/compresr/context-gateway/internal/config"
	"github.com/compresr/context-gateway/internal/delta"
	"github.com/compresr/context-gateway/internal/describe"
	"github.com/compresr/context-gateway/internal/health"
	"github.com/compresr/context-gateway/internal/resultcompress"
	"github.com/compresr/context-gateway/internal/searchtool"
	"github.com/compresr/context-gateway/internal/toolshash"
)

// defaultColumnarMinRows/Fields gate the columnar-rows transform. Not
// part of the configurable threshold set, so fixed here.
const (
	defaultColumnarMinRows   = 3
	defaultColumnarMinFields = 2
)

// handleToolsListResult applies definition compression, lazy loading,
// and tools-hash-sync to an upstream tools/list result, in that order.
func (p *Proxy) handleToolsListResult(result map[string]any, pr *pendingRequest) map[string]any {
	if result == nil {
		return result
	}
	originalBytes := 0
	if raw, err := canon.Marshal(canon.Canonicalize(result)); err == nil {
		originalBytes = len(raw)
	}
	return p.trackToolsListSavings(originalBytes, p.handleToolsListResultUnmetered(result, pr))
}

// trackToolsListSavings records metrics.tools_list_saved_bytes
// (original_size - new_size, when positive) and returns out unchanged.
func (p *Proxy) trackToolsListSavings(originalBytes int, out map[string]any) map[string]any {
	if newBytes, err := canon.Marshal(canon.Canonicalize(out)); err == nil {
		p.metrics.RecordToolsListSavings(originalBytes - len(newBytes))
	}
	return out
}

func (p *Proxy) handleToolsListResultUnmetered(result map[string]any, pr *pendingRequest) map[string]any {
	rawTools, _ := result["tools"].([]any)

	processed := rawTools
	if p.cfg.DefinitionCompressionEnabled {
		processed = applyDefinitionCompression(rawTools)
	}
	p.toolIndex.Set(processed)

	visible := processed
	lazyAllowed := false
	if p.cfg.LazyLoadingEnabled && p.cfg.LazyMode != config.LazyOff && p.cfg.LazyMode != "" {
		toolTokens := p.counter.Count(map[string]any{"tools": processed})
		lazyAllowed = len(processed) >= p.cfg.LazyMinTools || toolTokens >= p.cfg.LazyMinTokens
	}

	if lazyAllowed {
		var toolNames []string
		switch p.cfg.LazyMode {
		case config.LazySearchOnly:
			visible = []any{}
		case config.LazyCatalog:
			catalog := make([]any, 0, len(processed))
			for _, t := range processed {
				tm, _ := t.(map[string]any)
				name, _ := tm["name"].(string)
				catalog = append(catalog, map[string]any{"name": name, "inputSchema": map[string]any{"type": "object"}})
				toolNames = append(toolNames, name)
			}
			visible = catalog
		case config.LazyMinimal:
			minimal := make([]any, 0, len(processed))
			for _, t := range processed {
				tm, _ := t.(map[string]any)
				minimal = append(minimal, minimalTool(tm))
			}
			visible = minimal
		}
		visible = append(visible, buildSearchToolDefinition(toolNames))
	}

	out := canon.Clone(result).(map[string]any)
	out["tools"] = visible

	if !(p.cfg.ToolsHashSyncEnabled && p.negotiated()) {
		return out
	}

	scopeKey := p.toolsHashScopeKey()
	fingerprint := ""
	if p.cfg.ToolsHashSyncIncludeServerFingerprint {
		fingerprint = p.profileFingerprint
	}
	hash, err := toolshash.Compute(visible, fingerprint)
	if err != nil {
		return out
	}
	p.toolsHash.SetHash(scopeKey, hash)

	conditionalMatch := pr.toolsHashIfNoneMatchValid && pr.toolsHashIfNoneMatch == hash
	if conditionalMatch {
		hitCount := p.toolsHash.IncrementHits(scopeKey)
		forceRefresh := p.cfg.ToolsHashSyncRefreshInterval > 0 && hitCount%p.cfg.ToolsHashSyncRefreshInterval == 0
		if !forceRefresh {
			notModified := canon.Clone(out).(map[string]any)
			notModified["tools"] = []any{}
			notModified["_"+extensionKey] = map[string]any{
				"tools_hash_sync": toolshash.NotModifiedAnnotation(true, hash),
			}
			return notModified
		}
	}

	p.toolsHash.ResetHits(scopeKey)
	out["_"+extensionKey] = map[string]any{
		"tools_hash_sync": toolshash.NotModifiedAnnotation(false, hash),
	}
	return out
}

func applyDefinitionCompression(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		tm, ok := t.(map[string]any)
		if !ok {
			out = append(out, t)
			continue
		}
		item := canon.Clone(tm).(map[string]any)
		if desc, ok := item["description"].(string); ok {
			item["description"] = describe.CompressDescription(desc)
		}
		schema := item["inputSchema"]
		if schema == nil {
			schema = item["input_schema"]
		}
		if schemaMap, ok := schema.(map[string]any); ok {
			item["inputSchema"] = describe.StripSchemaMetadata(schemaMap, 0)
		}
		out = append(out, item)
	}
	return out
}

func minimalTool(tool map[string]any) map[string]any {
	name, _ := tool["name"].(string)
	description, _ := tool["description"].(string)
	schema := tool["inputSchema"]
	if schema == nil {
		schema = tool["input_schema"]
	}
	if schema == nil {
		schema = map[string]any{}
	}
	compressed := describe.CompressDescription(description)
	if compressed == "" {
		compressed = description
	}
	return map[string]any{
		"name":        name,
		"description": compressed,
		"inputSchema": describe.StripSchemaMetadata(schema, 0),
	}
}

func buildSearchToolDefinition(toolNames []string) map[string]any {
	baseDesc := "Search available tools and return full schemas on demand."
	description := baseDesc
	if len(toolNames) > 0 {
		nameList := ""
		for i, n := range toolNames {
			if i > 0 {
				nameList += "\n"
			}
			nameList += n
		}
		description = baseDesc + ` Use "select:<tool_name>" for direct selection, or keywords to search.` +
			"\n\nAvailable tools (must be loaded via this tool before use):\n" + nameList
	}
	return map[string]any{
		"name":        searchtool.Name,
		"description": description,
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":           map[string]any{"type": "string", "description": "Search query"},
				"server":          map[string]any{"type": "string", "description": "Optional server name"},
				"top_k":           map[string]any{"type": "integer", "description": "Max number of results", "default": 8},
				"include_schemas": map[string]any{"type": "boolean", "description": "Include inputSchema in matches", "default": false},
			},
			"required": []any{"query"},
		},
	}
}

// buildSearchResult handles the ultra_lean_mcp_proxy.search_tools
// meta-tool entirely within the proxy, against the indexed tool catalog.
func (p *Proxy) buildSearchResult(arguments any) map[string]any {
	args, _ := arguments.(map[string]any)
	query := ""
	if q, ok := args["query"].(string); ok {
		query = q
	}
	topK := p.cfg.LazyTopK
	if v, ok := args["top_k"]; ok {
		if n, ok := asInt(v); ok && n > 0 {
			topK = n
		}
	}
	includeSchemas := false
	if v, ok := args["include_schemas"].(bool); ok {
		includeSchemas = v
	}

	tools := p.toolIndex.Snapshot()
	searchTools := make([]searchtool.Tool, 0, len(tools))
	for _, t := range tools {
		tm, ok := t.(map[string]any)
		if !ok {
			continue
		}
		name, _ := tm["name"].(string)
		desc, _ := tm["description"].(string)
		schema := tm["inputSchema"]
		if schema == nil {
			schema = tm["input_schema"]
		}
		searchTools = append(searchTools, searchtool.Tool{
			Name:        name,
			Description: desc,
			ParamsText:  paramsText(schema),
			InputSchema: schema,
		})
	}

	result := searchtool.Search(p.cfg.ServerName, query, searchTools, topK, includeSchemas)
	payload := map[string]any{
		"server": result.Server,
		"query":  result.Query,
		"count":  result.Count,
		"matches": matchesToAny(result.Matches),
	}
	if p.cfg.LazyFallbackFullOnLowConfidence && searchtool.LowConfidence(result, p.cfg.LazyMinConfidenceScore) {
		result = searchtool.WithFallbackAnnotation(result)
		topScore := 0.0
		if len(result.Matches) > 0 {
			topScore = result.Matches[0].Score
		}
		payload["fallback"] = result.Fallback
		payload["top_score"] = topScore
		payload["tools"] = tools
	}

	text, _ := json.Marshal(payload)
	return map[string]any{
		"structuredContent": payload,
		"content":           []any{map[string]any{"type": "text", "text": string(text)}},
	}
}

func matchesToAny(matches []searchtool.Match) []any {
	out := make([]any, 0, len(matches))
	for _, m := range matches {
		item := map[string]any{"name": m.Name, "score": m.Score, "description": m.Description}
		if m.InputSchema != nil {
			item["inputSchema"] = m.InputSchema
		}
		out = append(out, item)
	}
	return out
}

func paramsText(schema any) string {
	schemaMap, ok := schema.(map[string]any)
	if !ok {
		return ""
	}
	props, ok := schemaMap["properties"].(map[string]any)
	if !ok {
		return ""
	}
	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	sort.Strings(names)
	out := ""
	for i, n := range names {
		if i > 0 {
			out += " "
		}
		out += n
	}
	return out
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case float64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

// applyResultCompression tries to shrink result's structuredContent (or,
// failing that, any JSON-looking text content item) via the reversible
// result envelope, gated on compressibility and token savings, and
// recorded against the feature health tracker for tool-scoped
// auto-disable.
func (p *Proxy) applyResultCompression(result any, toolName string) any {
	if !p.cfg.ResultCompressionEnabled {
		return result
	}
	if !p.cfg.FeatureEnabledForTool(toolName, "result_compression", true) {
		return result
	}
	featureKey := health.Key("result_compression", toolName)
	if p.health.ShouldSkip(featureKey) {
		return result
	}

	resultMap, ok := result.(map[string]any)
	if !ok {
		return result
	}

	opts := resultcompress.Options{
		Mode:                 resultcompress.Mode(p.cfg.ResultCompressionMode),
		ColumnarMinRows:      defaultColumnarMinRows,
		ColumnarMinFields:    defaultColumnarMinFields,
		StripNulls:           p.cfg.ResultStripNulls,
		StripDefaults:        p.cfg.ResultStripDefaults,
		SharedKeyRegistry:    p.cfg.ResultSharedKeyRegistry,
		KeyBootstrapInterval: p.cfg.ResultKeyBootstrapInterval,
	}

	if structured, ok := resultMap["structuredContent"]; ok && isCompressible(structured) {
		if payloadBytes(structured) < p.cfg.ResultMinPayloadBytes {
			p.health.Record(featureKey, health.Neutral)
			return result
		}
		if resultcompress.Score(structured) < p.cfg.ResultMinCompressibility {
			p.health.Record(featureKey, health.Neutral)
			return result
		}
		env, err := resultcompress.Encode(structured, opts, p.keyRegistry)
		if err != nil || !env.Compressed {
			p.health.Record(featureKey, health.Neutral)
			return result
		}
		envValue := jsonRoundtrip(env)

		tokenDelta := p.counter.Count(structured) - p.counter.Count(envValue)
		minRequired := maxInt(p.cfg.ResultMinTokenSavingsAbs, int(float64(p.counter.Count(structured))*p.cfg.ResultMinTokenSavingsRatio))
		if tokenDelta < minRequired {
			if tokenDelta < 0 {
				p.health.Record(featureKey, health.Hurt)
			} else {
				p.health.Record(featureKey, health.Neutral)
			}
			return result
		}

		out := canon.Clone(resultMap).(map[string]any)
		out["structuredContent"] = envValue
		ext, _ := out["_"+extensionKey].(map[string]any)
		if ext == nil {
			ext = map[string]any{}
			out["_"+extensionKey] = ext
		}
		ext["result_compression"] = map[string]any{
			"saved_bytes": env.SavedBytes,
			"saved_ratio": env.SavedRatio,
			"saved_tokens": tokenDelta,
		}
		p.metrics.ResultCompressed.Add(1)
		if p.cfg.ResultMinifyRedundantText {
			if content, ok := out["content"].([]any); ok {
				newContent, changed := minifyRedundantText(content, structured)
				if changed {
					out["content"] = newContent
				}
			}
		}
		p.health.Record(featureKey, health.Success)
		return out
	}

	if content, ok := resultMap["content"].([]any); ok {
		out := canon.Clone(resultMap).(map[string]any)
		outContent, _ := out["content"].([]any)
		changed := false
		totalSaved, totalSavedTokens := 0, 0
		outcome := health.Neutral
		for i, item := range content {
			itemMap, ok := item.(map[string]any)
			if !ok || itemMap["type"] != "text" {
				continue
			}
			text, ok := itemMap["text"].(string)
			if !ok {
				continue
			}
			parsed, ok := parseJSONLike(text)
			if !ok {
				continue
			}
			if payloadBytes(parsed) < p.cfg.ResultMinPayloadBytes {
				continue
			}
			if resultcompress.Score(parsed) < p.cfg.ResultMinCompressibility {
				continue
			}
			env, err := resultcompress.Encode(parsed, opts, p.keyRegistry)
			if err != nil || !env.Compressed {
				continue
			}
			envValue := jsonRoundtrip(env)
			tokenDelta := p.counter.Count(parsed) - p.counter.Count(envValue)
			minRequired := maxInt(p.cfg.ResultMinTokenSavingsAbs, int(float64(p.counter.Count(parsed))*p.cfg.ResultMinTokenSavingsRatio))
			if tokenDelta < minRequired {
				if tokenDelta < 0 && outcome != health.Success {
					outcome = health.Hurt
				}
				continue
			}
			encoded, err := json.Marshal(env)
			if err != nil {
				continue
			}
			outItemMap, _ := outContent[i].(map[string]any)
			outItemMap["text"] = string(encoded)
			changed = true
			totalSaved += env.SavedBytes
			totalSavedTokens += tokenDelta
			outcome = health.Success
		}
		if changed {
			ext, _ := out["_"+extensionKey].(map[string]any)
			if ext == nil {
				ext = map[string]any{}
				out["_"+extensionKey] = ext
			}
			ext["result_compression"] = map[string]any{"saved_bytes": totalSaved, "saved_tokens": totalSavedTokens}
			p.metrics.ResultCompressed.Add(1)
			p.health.Record(featureKey, outcome)
			return out
		}
		p.health.Record(featureKey, outcome)
		return result
	}

	p.health.Record(featureKey, health.Neutral)
	return result
}

// payloadBytes returns the canonical marshaled byte size of v. A
// marshal failure is treated as zero size, so the caller's min-bytes
// gate rejects it rather than risking a panic on an unencodable value.
func payloadBytes(v any) int {
	b, err := canon.Marshal(canon.Canonicalize(v))
	if err != nil {
		return 0
	}
	return len(b)
}

func isCompressible(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	default:
		return false
	}
}

// parseJSONLike sniffs a content[].text string for a JSON object/array
// before paying for a full decode. gjson.Valid is a cheap structural
// scan (no allocation beyond the scan itself), so it rejects prose and
// partial fragments before canon.Decode does the real parse.
func parseJSONLike(text string) (any, bool) {
	trimmed := trimSpaceASCII(text)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	if !gjson.Valid(trimmed) {
		return nil, false
	}
	v, err := canon.Decode([]byte(trimmed))
	if err != nil {
		return nil, false
	}
	return v, true
}

func trimSpaceASCII(s string) string {
	start, end := 0, len(s)
	for start < end && isASCIISpace(s[start]) {
		start++
	}
	for end > start && isASCIISpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isASCIISpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// minifyRedundantText drops text content items whose payload exactly
// duplicates originalPayload, leaving a placeholder only if every item
// would otherwise be dropped.
func minifyRedundantText(content []any, originalPayload any) ([]any, bool) {
	kept := make([]any, 0, len(content))
	removed := false
	for _, item := range content {
		itemMap, ok := item.(map[string]any)
		if !ok || itemMap["type"] != "text" {
			kept = append(kept, item)
			continue
		}
		text, ok := itemMap["text"].(string)
		if !ok {
			kept = append(kept, item)
			continue
		}
		parsed, ok := parseJSONLike(text)
		if !ok {
			kept = append(kept, item)
			continue
		}
		if canon.Equal(parsed, originalPayload) {
			removed = true
			continue
		}
		kept = append(kept, item)
	}
	if removed && len(kept) == 0 {
		kept = []any{map[string]any{"type": "text", "text": "[ultra-lean-mcp-proxy] structured result"}}
	}
	return kept, removed
}

// applyDeltaResponse replaces result with a structural delta against the
// last response seen for historyKey when that saves tokens over the full
// payload, subject to the snapshot interval and per-tool override.
func (p *Proxy) applyDeltaResponse(result any, historyKey, toolName string) any {
	previous, hadPrevious := p.history.Get(historyKey)
	p.history.Set(historyKey, result)

	if !p.cfg.DeltaResponsesEnabled {
		return result
	}
	if !p.cfg.FeatureEnabledForTool(toolName, "delta_responses", true) {
		return result
	}
	if !hadPrevious {
		p.resetDeltaCounter(historyKey)
		return result
	}
	if p.deltaCounterAt(historyKey) >= p.cfg.DeltaSnapshotInterval {
		p.resetDeltaCounter(historyKey)
		return result
	}

	fullTokens := p.counter.Count(result)

	if canon.Equal(previous, result) {
		hash, err := canon.Hash(result)
		if err != nil {
			return result
		}
		payload := map[string]any{"delta": map[string]any{
			"encoding":    delta.Encoding,
			"unchanged":   true,
			"currentHash": hash,
		}}
		if p.counter.Count(payload) >= fullTokens {
			return result
		}
		p.incrDeltaCounter(historyKey)
		p.metrics.DeltaApplied.Add(1)
		return deltaResultEnvelope(payload)
	}

	env, ok := delta.Create(previous, result, p.cfg.DeltaMinSavingsRatio, p.cfg.DeltaMaxPatchBytes)
	if !ok {
		p.metrics.DeltaSkipped.Add(1)
		return result
	}
	patchRatio := 0.0
	if env.FullBytes > 0 {
		patchRatio = float64(env.PatchBytes) / float64(env.FullBytes)
	}
	if patchRatio > p.cfg.DeltaMaxPatchRatio {
		p.metrics.DeltaSkipped.Add(1)
		return result
	}
	payload := map[string]any{"delta": jsonRoundtrip(env)}
	if p.counter.Count(payload) >= fullTokens {
		p.metrics.DeltaSkipped.Add(1)
		return result
	}
	p.incrDeltaCounter(historyKey)
	p.metrics.DeltaApplied.Add(1)
	return deltaResultEnvelope(payload)
}

func deltaResultEnvelope(payload map[string]any) map[string]any {
	text, _ := json.Marshal(payload)
	return map[string]any{
		"structuredContent": payload,
		"content":           []any{map[string]any{"type": "text", "text": string(text)}},
	}
}

func (p *Proxy) deltaCounterAt(key string) int {
	p.deltaMu.Lock()
	defer p.deltaMu.Unlock()
	return p.deltaCounters[key]
}

func (p *Proxy) incrDeltaCounter(key string) {
	p.deltaMu.Lock()
	defer p.deltaMu.Unlock()
	p.deltaCounters[key]++
}

func (p *Proxy) resetDeltaCounter(key string) {
	p.deltaMu.Lock()
	defer p.deltaMu.Unlock()
	p.deltaCounters[key] = 0
}

// jsonRoundtrip converts a Go struct (an envelope with json tags) into the
// map[string]any/[]any/json.Number tree the canon package can canonicalize,
// hash, and count tokens against.
func jsonRoundtrip(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	decoded, err := canon.Decode(data)
	if err != nil {
		return v
	}
	return decoded
}
