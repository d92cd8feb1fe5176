// Package config loads and validates the proxy's configuration: a YAML
// document with ${VAR:-default} env expansion, feature toggles, numeric
// thresholds, and a per-tool override table. The core pipeline only
// ever consumes an already-resolved *ProxyConfig value; this package
// owns producing that value for the cmd entrypoint.
package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LazyMode selects how tools/list rewrites the visible tool catalog.
type LazyMode string

const (
	LazyOff        LazyMode = "off"
	LazyMinimal    LazyMode = "minimal"
	LazySearchOnly LazyMode = "search_only"
	LazyCatalog    LazyMode = "catalog"
)

// ResultCompressionMode selects how aggressively result compression
// looks for repeated keys.
type ResultCompressionMode string

const (
	ResultCompressionOff        ResultCompressionMode = "off"
	ResultCompressionBalanced   ResultCompressionMode = "balanced"
	ResultCompressionAggressive ResultCompressionMode = "aggressive"
)

// OverrideValue is a per-tool, per-feature override. The YAML value may
// be a bare bool or a map with Enabled/TTLSeconds; any other shape is
// treated as "inherit default".
type OverrideValue struct {
	Set        bool // whether this override was present at all
	Enabled    *bool
	TTLSeconds *int
}

// UnmarshalYAML accepts either a bool or a mapping
// {enabled?: bool, ttl_seconds?: int}.
func (o *OverrideValue) UnmarshalYAML(unmarshal func(any) error) error {
	var asBool bool
	if err := unmarshal(&asBool); err == nil {
		o.Set = true
		o.Enabled = &asBool
		return nil
	}

	var asMap struct {
		Enabled    *bool `yaml:"enabled"`
		TTLSeconds *int  `yaml:"ttl_seconds"`
	}
	if err := unmarshal(&asMap); err == nil {
		o.Set = true
		o.Enabled = asMap.Enabled
		o.TTLSeconds = asMap.TTLSeconds
		return nil
	}

	// Any other shape: inherit default, never fail config load over it.
	o.Set = false
	return nil
}

// ToolOverrides maps feature name -> override for a single tool.
type ToolOverrides map[string]OverrideValue

// ProxyConfig is the immutable, per-process configuration the core
// pipeline consumes. Fields omitted from the YAML document keep their
// defaults.
type ProxyConfig struct {
	SessionID  string `yaml:"session_id"`
	ServerName string `yaml:"server_name"`
	Stats      bool   `yaml:"stats"`

	DefinitionCompressionEnabled bool `yaml:"definition_compression_enabled"`

	LazyLoadingEnabled            bool     `yaml:"lazy_loading_enabled"`
	LazyMode                      LazyMode `yaml:"lazy_mode"`
	LazyTopK                      int      `yaml:"lazy_top_k"`
	LazyMinTools                  int      `yaml:"lazy_min_tools"`
	LazyMinTokens                 int      `yaml:"lazy_min_tokens"`
	LazyMinConfidenceScore        float64  `yaml:"lazy_min_confidence_score"`
	LazyFallbackFullOnLowConfidence bool   `yaml:"lazy_fallback_full_on_low_confidence"`

	ToolsHashSyncEnabled                bool   `yaml:"tools_hash_sync_enabled"`
	ToolsHashSyncAlgorithm              string `yaml:"tools_hash_sync_algorithm"`
	ToolsHashSyncRefreshInterval        int    `yaml:"tools_hash_sync_refresh_interval"`
	ToolsHashSyncIncludeServerFingerprint bool `yaml:"tools_hash_sync_include_server_fingerprint"`

	ResultCompressionEnabled      bool                  `yaml:"result_compression_enabled"`
	ResultCompressionMode         ResultCompressionMode `yaml:"result_compression_mode"`
	ResultMinPayloadBytes         int                   `yaml:"result_min_payload_bytes"`
	ResultStripNulls              bool                  `yaml:"result_strip_nulls"`
	ResultStripDefaults           bool                  `yaml:"result_strip_defaults"`
	ResultMinTokenSavingsAbs      int                   `yaml:"result_min_token_savings_abs"`
	ResultMinTokenSavingsRatio    float64               `yaml:"result_min_token_savings_ratio"`
	ResultMinCompressibility      float64               `yaml:"result_min_compressibility"`
	ResultSharedKeyRegistry       bool                  `yaml:"result_shared_key_registry"`
	ResultKeyBootstrapInterval    int                   `yaml:"result_key_bootstrap_interval"`
	ResultMinifyRedundantText     bool                  `yaml:"result_minify_redundant_text"`

	DeltaResponsesEnabled bool    `yaml:"delta_responses_enabled"`
	DeltaMinSavingsRatio  float64 `yaml:"delta_min_savings_ratio"`
	DeltaMaxPatchBytes    int     `yaml:"delta_max_patch_bytes"`
	DeltaMaxPatchRatio    float64 `yaml:"delta_max_patch_ratio"`
	DeltaSnapshotInterval int     `yaml:"delta_snapshot_interval"`

	CachingEnabled     bool `yaml:"caching_enabled"`
	CacheTTLSeconds    int  `yaml:"cache_ttl_seconds"`
	CacheMaxEntries    int  `yaml:"cache_max_entries"`
	CacheErrors        bool `yaml:"cache_errors"`
	CacheMutatingTools bool `yaml:"cache_mutating_tools"`
	CacheAdaptiveTTL   bool `yaml:"cache_adaptive_ttl"`
	CacheTTLMinSeconds int  `yaml:"cache_ttl_min_seconds"`
	CacheTTLMaxSeconds int  `yaml:"cache_ttl_max_seconds"`

	AutoDisableEnabled          bool `yaml:"auto_disable_enabled"`
	AutoDisableThreshold        int  `yaml:"auto_disable_threshold"`
	AutoDisableCooldownRequests int  `yaml:"auto_disable_cooldown_requests"`

	ToolOverrides map[string]ToolOverrides `yaml:"tool_overrides"`
}

// Default returns a ProxyConfig with every threshold at its default.
// A YAML document that sets session_id to "" gets a fresh uuid instead.
func Default() *ProxyConfig {
	return &ProxyConfig{
		SessionID:  "default",
		ServerName: "default",
		Stats:      false,

		DefinitionCompressionEnabled: true,

		LazyLoadingEnabled:              false,
		LazyMode:                        LazyOff,
		LazyTopK:                        8,
		LazyMinTools:                    30,
		LazyMinTokens:                   8000,
		LazyMinConfidenceScore:          2.0,
		LazyFallbackFullOnLowConfidence: true,

		ToolsHashSyncEnabled:                  false,
		ToolsHashSyncAlgorithm:                "sha256",
		ToolsHashSyncRefreshInterval:          50,
		ToolsHashSyncIncludeServerFingerprint: true,

		ResultCompressionEnabled:   false,
		ResultCompressionMode:      ResultCompressionBalanced,
		ResultMinPayloadBytes:      512,
		ResultStripNulls:           false,
		ResultStripDefaults:        false,
		ResultMinTokenSavingsAbs:   100,
		ResultMinTokenSavingsRatio: 0.05,
		ResultMinCompressibility:   0.2,
		ResultSharedKeyRegistry:    true,
		ResultKeyBootstrapInterval: 8,
		ResultMinifyRedundantText:  true,

		DeltaResponsesEnabled: false,
		DeltaMinSavingsRatio:  0.15,
		DeltaMaxPatchBytes:    65536,
		DeltaMaxPatchRatio:    0.8,
		DeltaSnapshotInterval: 5,

		CachingEnabled:     false,
		CacheTTLSeconds:    300,
		CacheMaxEntries:    5000,
		CacheErrors:        false,
		CacheMutatingTools: false,
		CacheAdaptiveTTL:   true,
		CacheTTLMinSeconds: 30,
		CacheTTLMaxSeconds: 1800,

		AutoDisableEnabled:          true,
		AutoDisableThreshold:        3,
		AutoDisableCooldownRequests: 20,

		ToolOverrides: map[string]ToolOverrides{},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvWithDefaults expands ${VAR} and ${VAR:-default} references
// in the raw document text before YAML decoding.
func expandEnvWithDefaults(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := envPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		if len(parts) > 2 {
			return parts[2]
		}
		return ""
	})
}

// LoadFromBytes parses YAML bytes over the defaults, after env-expanding
// the document text. Any field omitted in data keeps its default.
func LoadFromBytes(data []byte) (*ProxyConfig, error) {
	cfg := Default()
	expanded := expandEnvWithDefaults(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path and parses it via LoadFromBytes. A ".env" file in the
// working directory, if present, is loaded first so tool_overrides and
// threshold fields can reference ${VAR:-default} values the operator
// keeps out of the YAML file itself.
func Load(path string) (*ProxyConfig, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file %q: %w", path, err)
	}
	return LoadFromBytes(data)
}

// Validate checks cross-field invariants the YAML decoder can't.
func (c *ProxyConfig) Validate() error {
	if c.ToolsHashSyncAlgorithm != "" && c.ToolsHashSyncAlgorithm != "sha256" {
		return fmt.Errorf("config: tools_hash_sync_algorithm must be 'sha256', got %q", c.ToolsHashSyncAlgorithm)
	}
	switch c.LazyMode {
	case LazyOff, LazyMinimal, LazySearchOnly, LazyCatalog, "":
	default:
		return fmt.Errorf("config: unknown lazy_mode %q", c.LazyMode)
	}
	switch c.ResultCompressionMode {
	case ResultCompressionOff, ResultCompressionBalanced, ResultCompressionAggressive, "":
	default:
		return fmt.Errorf("config: unknown result_compression_mode %q", c.ResultCompressionMode)
	}
	if c.CacheTTLMinSeconds > c.CacheTTLMaxSeconds {
		return fmt.Errorf("config: cache_ttl_min_seconds (%d) exceeds cache_ttl_max_seconds (%d)", c.CacheTTLMinSeconds, c.CacheTTLMaxSeconds)
	}
	return nil
}

// ResolveOverride resolves the bool-or-map per-tool override for
// (tool, feature). Anything other than a recognized bool/map shape
// (caught during unmarshal) means "inherit default", signaled by
// ok=false.
func (c *ProxyConfig) ResolveOverride(tool, feature string) (OverrideValue, bool) {
	toolCfg, ok := c.ToolOverrides[tool]
	if !ok {
		return OverrideValue{}, false
	}
	ov, ok := toolCfg[feature]
	if !ok || !ov.Set {
		return OverrideValue{}, false
	}
	return ov, true
}

// FeatureEnabledForTool reports whether feature is enabled for tool,
// falling back to defaultEnabled when no override is set.
func (c *ProxyConfig) FeatureEnabledForTool(tool, feature string, defaultEnabled bool) bool {
	ov, ok := c.ResolveOverride(tool, feature)
	if !ok || ov.Enabled == nil {
		return defaultEnabled
	}
	return *ov.Enabled
}

// TTLOverrideSeconds returns the per-tool TTL override for feature, if
// any was set.
func (c *ProxyConfig) TTLOverrideSeconds(tool, feature string) (int, bool) {
	ov, ok := c.ResolveOverride(tool, feature)
	if !ok || ov.TTLSeconds == nil {
		return 0, false
	}
	return *ov.TTLSeconds, true
}
