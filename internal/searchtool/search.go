// Package searchtool implements the search meta-tool that lazy loading
// exposes in place of the full tool catalog: a fixed weighted scoring
// formula over tool names, descriptions, and parameter names, with a
// full-catalog fallback when confidence is low.
package searchtool

import (
	"regexp"
	"sort"
	"strings"
)

// Name is the reserved tool name injected into the catalog when lazy
// loading is active.
const Name = "ultra_lean_mcp_proxy.search_tools"

// fallbackAnnotation is the reason string attached when the top score
// falls below the confidence floor and full-catalog fallback is on.
const fallbackAnnotation = "full_tools_due_low_confidence"

var termPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

func tokenize(s string) []string {
	matches := termPattern.FindAllString(strings.ToLower(s), -1)
	return matches
}

// Tool is the subset of a tool manifest the scorer needs.
type Tool struct {
	Name        string
	Description string
	ParamsText  string // space-joined property names of the tool's inputSchema
	InputSchema any
}

// Match is one scored search result.
type Match struct {
	Name        string
	Score       float64
	Description string
	InputSchema any
}

// Result is the full search_tools response payload.
type Result struct {
	Server   string  `json:"server"`
	Query    string  `json:"query"`
	Count    int     `json:"count"`
	Matches  []Match `json:"matches"`
	Fallback string  `json:"fallback,omitempty"`
}

func score(query string, tool Tool) float64 {
	terms := tokenize(query)
	if len(terms) == 0 {
		return 0
	}

	nameLower := strings.ToLower(tool.Name)
	descLower := strings.ToLower(tool.Description)
	paramsLower := strings.ToLower(tool.ParamsText)
	queryLower := strings.ToLower(query)

	var total float64
	if strings.Contains(nameLower, queryLower) {
		total += 4
	}
	for _, term := range terms {
		if strings.Contains(nameLower, term) {
			total += 2
		}
		if strings.Contains(descLower, term) {
			total += 1
		}
		if strings.Contains(paramsLower, term) {
			total += 1.25
		}
		if strings.Contains(nameLower, term) || strings.Contains(descLower, term) || strings.Contains(paramsLower, term) {
			total += 0.2
		}
	}
	return total
}

// Search scores tools against query, drops non-positive scores, sorts
// descending by score then name, and returns at most topK matches. When
// every tool scores zero, every tool is kept at score 0.01 (still cut to
// topK) so the client gets a non-empty result.
// includeSchema controls whether each Match carries its input schema,
// per the caller's include_schemas argument.
func Search(server, query string, tools []Tool, topK int, includeSchema bool) Result {
	matches := make([]Match, 0, len(tools))
	anyPositive := false

	for _, tool := range tools {
		s := score(query, tool)
		if s > 0 {
			anyPositive = true
		}
		matches = append(matches, Match{
			Name:        tool.Name,
			Score:       s,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}

	if !anyPositive {
		for i := range matches {
			matches[i].Score = 0.01
		}
	} else {
		filtered := matches[:0]
		for _, m := range matches {
			if m.Score > 0 {
				filtered = append(filtered, m)
			}
		}
		matches = filtered
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Name < matches[j].Name
	})

	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}

	for i := range matches {
		matches[i].Score = round3(matches[i].Score)
		if !includeSchema {
			matches[i].InputSchema = nil
		}
	}

	return Result{
		Server:  server,
		Query:   query,
		Count:   len(matches),
		Matches: matches,
	}
}

func round3(f float64) float64 {
	const factor = 1000.0
	if f >= 0 {
		return float64(int64(f*factor+0.5)) / factor
	}
	return float64(int64(f*factor-0.5)) / factor
}

// LowConfidence reports whether the result's top score is below
// minConfidence, meaning the caller should consider attaching the
// fallback annotation.
func LowConfidence(r Result, minConfidence float64) bool {
	if len(r.Matches) == 0 {
		return true
	}
	return r.Matches[0].Score < minConfidence
}

// WithFallbackAnnotation sets r.Fallback to the fixed reason string.
func WithFallbackAnnotation(r Result) Result {
	r.Fallback = fallbackAnnotation
	return r
}
