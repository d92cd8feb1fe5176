package searchtool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTools() []Tool {
	return []Tool{
		{Name: "get_repo_info", Description: "Fetches metadata about a repository", ParamsText: "owner repo"},
		{Name: "create_issue", Description: "Opens a new issue on a repository", ParamsText: "title body labels"},
		{Name: "search_code", Description: "Searches code across the org", ParamsText: "query path"},
	}
}

func TestSearchRanksSubstringNameMatchHighest(t *testing.T) {
	r := Search("srv", "repo info", sampleTools(), 10, false)
	require.NotEmpty(t, r.Matches)
	assert.Equal(t, "get_repo_info", r.Matches[0].Name)
}

func TestSearchTopKLimitsResults(t *testing.T) {
	r := Search("srv", "repo issue code", sampleTools(), 1, false)
	assert.Len(t, r.Matches, 1)
}

func TestSearchFallsBackToAllToolsWhenNoMatch(t *testing.T) {
	r := Search("srv", "zzz_nonexistent_term", sampleTools(), 10, false)
	assert.Equal(t, len(sampleTools()), r.Count, "expected fallback to all tools")
	for _, m := range r.Matches {
		assert.Equal(t, 0.01, m.Score, "fallback matches carry the floor score")
	}
}

func TestSearchOmitsSchemaUnlessRequested(t *testing.T) {
	tools := []Tool{{Name: "t", Description: "description text here for test", InputSchema: map[string]any{"type": "object"}}}
	r := Search("srv", "t", tools, 10, false)
	assert.Nil(t, r.Matches[0].InputSchema)

	r2 := Search("srv", "t", tools, 10, true)
	assert.NotNil(t, r2.Matches[0].InputSchema)
}

func TestLowConfidenceDetection(t *testing.T) {
	r := Search("srv", "zzz_nonexistent", sampleTools(), 10, false)
	assert.True(t, LowConfidence(r, 2.0), "fallback-scored result is low confidence")

	r2 := Search("srv", "repo info", sampleTools(), 10, false)
	assert.False(t, LowConfidence(r2, 0.5), "strong substring match is high confidence")
}
