package state

import (
	"strings"

	"github.com/compresr/context-gateway/internal/canon"
)

// mutatingVerbs is substring-matched, case-insensitively, against a
// tool name to decide whether calling it can invalidate cached reads.
// Includes browser/session-automation verbs alongside the usual write
// verbs.
var mutatingVerbs = []string{
	"create", "update", "delete", "remove", "set", "write", "insert",
	"patch", "post", "put", "merge", "upload", "commit",
	"navigate", "open", "close", "click", "type", "press", "select",
	"hover", "drag", "drop", "scroll", "evaluate", "execute", "goto",
	"reload", "back", "forward",
}

// IsMutatingToolName reports whether toolName looks like it performs a
// write or stateful side effect, by substring match against a fixed
// verb table.
func IsMutatingToolName(toolName string) bool {
	lower := strings.ToLower(toolName)
	for _, v := range mutatingVerbs {
		if strings.Contains(lower, v) {
			return true
		}
	}
	return false
}

// ArgsHash hashes arguments via the shared canonical hashing scheme,
// treating a nil value the same as an empty object.
func ArgsHash(arguments any) string {
	if arguments == nil {
		arguments = map[string]any{}
	}
	h, err := canon.Hash(arguments)
	if err != nil {
		return ""
	}
	return h
}

// MakeCacheKey builds the scoped cache/history key
// "{session}:{server}:{tool}:{argsHash}".
func MakeCacheKey(sessionID, serverName, toolName string, arguments any) string {
	return sessionID + ":" + serverName + ":" + toolName + ":" + ArgsHash(arguments)
}
