// Package toolshash implements the tools-hash-sync conditional-fetch
// protocol: an ETag-style mechanism for "tools/list" built on the
// canonical hash of the visible tools payload.
package toolshash

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/compresr/context-gateway/internal/canon"
)

// Algorithm is the only hash algorithm the wire format accepts.
const Algorithm = "sha256"

var wireRe = regexp.MustCompile(`^sha256:[0-9a-f]{64}$`)

// Compute returns the wire-form hash ("sha256:<64 hex>") of the visible
// tools payload. When fingerprint is non-empty, it hashes
// {"tools": tools, "server_fingerprint": fingerprint} instead of tools
// alone, matching include_server_fingerprint semantics.
func Compute(tools any, fingerprint string) (string, error) {
	var target any = tools
	if fingerprint != "" {
		target = map[string]any{"tools": tools, "server_fingerprint": fingerprint}
	}
	hash, err := canon.Hash(target)
	if err != nil {
		return "", fmt.Errorf("toolshash: compute: %w", err)
	}
	return Algorithm + ":" + hash, nil
}

// Valid reports whether s matches the wire format exactly:
// lowercase "sha256:" followed by 64 lowercase hex digits.
func Valid(s string) bool {
	return wireRe.MatchString(s)
}

// ParseIfNoneMatch extracts and validates the client-supplied conditional
// hint from a "tools/list" request's params. The hint lives at
// params._ultra_lean_mcp_proxy.tools_hash_sync.if_none_match. The value
// is trimmed and lowercased before validation, so a correctly-formed
// hash with incidental whitespace or mixed case still matches. Returns
// ("", false) when absent, malformed, or not a string.
func ParseIfNoneMatch(params map[string]any) (string, bool) {
	ext, ok := params["_ultra_lean_mcp_proxy"].(map[string]any)
	if !ok {
		return "", false
	}
	sync, ok := ext["tools_hash_sync"].(map[string]any)
	if !ok {
		return "", false
	}
	raw, ok := sync["if_none_match"]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	if !ok {
		return "", false
	}
	s = strings.ToLower(strings.TrimSpace(s))
	if !Valid(s) {
		return "", false
	}
	return s, true
}

// ClientSupportsVersion inspects an "initialize" request's
// capabilities.experimental.<ext>.tools_hash_sync.version and reports
// whether it equals 1 or "1".
func ClientSupportsVersion(capabilities map[string]any, ext string) bool {
	experimental, ok := capabilities["experimental"].(map[string]any)
	if !ok {
		return false
	}
	extBlock, ok := experimental[ext].(map[string]any)
	if !ok {
		return false
	}
	sync, ok := extBlock["tools_hash_sync"].(map[string]any)
	if !ok {
		return false
	}
	switch v := sync["version"].(type) {
	case string:
		return v == "1"
	case float64:
		return v == 1
	default:
		return fmt.Sprintf("%v", v) == "1"
	}
}

// ServerCapability builds the advertisement the proxy injects into a
// successful "initialize" response:
// capabilities.experimental.<ext>.tools_hash_sync = {version:1, algorithm:"sha256"}.
func ServerCapability() map[string]any {
	return map[string]any{"version": 1, "algorithm": Algorithm}
}

// NotModifiedAnnotation builds the
// result._ultra_lean_mcp_proxy.tools_hash_sync annotation for a
// not-modified or fresh response.
func NotModifiedAnnotation(notModified bool, hash string) map[string]any {
	return map[string]any{"not_modified": notModified, "tools_hash": hash}
}
