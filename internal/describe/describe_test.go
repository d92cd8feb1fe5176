package describe

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressDescriptionShortensAndUppercases(t *testing.T) {
	in := "this tool is used to retrieve information from the repository in order to help you."
	out := CompressDescription(in)

	assert.NotContains(t, strings.ToLower(out), "this tool", "filler phrase must be removed")
	assert.Contains(t, strings.ToLower(out), "get", "retrieve must shorten to get")
	assert.Contains(t, out, "info", "information must shorten to info")
	assert.Contains(t, out, "repo", "repository must shorten to repo")
	assert.Regexp(t, `^[A-Z]`, out, "first letter must be uppercased")
}

func TestCompressDescriptionLeavesShortTextAlone(t *testing.T) {
	in := "short text"
	assert.Equal(t, in, CompressDescription(in), "text under 20 chars stays untouched")
}

func TestCompressDescriptionCollapsesWhitespaceAndDots(t *testing.T) {
	in := "fetches   the database config..  for  you, very simply"
	out := CompressDescription(in)
	assert.NotContains(t, out, "  ", "whitespace must collapse")
	assert.NotContains(t, out, "..", "dot runs must collapse")
}

func TestCompressDescriptionCapitalizesMidSentence(t *testing.T) {
	in := "This tool will fetch the repository info. simply run it again to get fresh data."
	out := CompressDescription(in)

	assert.Contains(t, out, ". Run", "word after a period must be capitalized")
	assert.NotContains(t, out, ". run")
}

func TestCompressDescriptionRuleTable(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"This server provides a way to sync files with respect to a remote.", "sync files for a remote"},
		{"Provides the ability to update records in the database.", "records in the DB"},
		{"Gives you access to the configuration file for this application.", "Access the config file for this app"},
	}
	for _, c := range cases {
		out := CompressDescription(c.in)
		assert.Contains(t, out, c.want, "CompressDescription(%q)", c.in)
	}
}

func TestStripSchemaMetadataDropsUnlistedKeys(t *testing.T) {
	schema := map[string]any{
		"type":                 "object",
		"title":                "drop me",
		"additionalProperties": false,
		"description":          "kept at root",
		"properties": map[string]any{
			"filter": map[string]any{
				"type":        "object",
				"description": "kept at depth 1",
				"default":     "x",
				"properties": map[string]any{
					"field": map[string]any{
						"type":        "string",
						"description": "dropped at depth 2",
					},
				},
			},
		},
		"required": []any{"filter"},
	}

	out := StripSchemaMetadata(schema, 0).(map[string]any)
	assert.NotContains(t, out, "title")
	assert.NotContains(t, out, "additionalProperties")
	assert.Equal(t, "kept at root", out["description"], "root description kept (depth <= 1)")

	filterSchema := out["properties"].(map[string]any)["filter"].(map[string]any)
	assert.Equal(t, "kept at depth 1", filterSchema["description"])
	assert.NotContains(t, filterSchema, "default")

	fieldSchema := filterSchema["properties"].(map[string]any)["field"].(map[string]any)
	assert.NotContains(t, fieldSchema, "description", "description dropped below depth 1")

	required := out["required"].([]any)
	required[0] = "mutated"
	origRequired := schema["required"].([]any)
	require.Equal(t, "filter", origRequired[0], "required slice must be copied, not shared")
}
