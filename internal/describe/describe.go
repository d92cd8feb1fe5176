// Package describe implements the fixed, ordered description-shortening
// rule table and JSON-Schema metadata pruning used to shrink tool
// manifests before they reach the client.
package describe

import (
	"regexp"
	"strings"
)

// minDescriptionLen is the length floor below which CompressDescription
// leaves text untouched.
const minDescriptionLen = 20

type rule struct {
	pattern *regexp.Regexp
	replace string
}

// rules is the ordered, case-insensitive replacement table. Order is
// part of the on-wire contract — do not reorder without re-deriving the
// golden outputs this package's tests assert against.
var rules = []rule{
	// Filler removal.
	{regexp.MustCompile(`(?i)\bThis tool (?:will |can |is used to |enables (?:you|users|LLMs|AI assistants) to |allows (?:you|users|LLMs|AI assistants) to )`), ""},
	{regexp.MustCompile(`(?i)\bThis server (?:enables|allows|provides)\b`), ""},
	{regexp.MustCompile(`(?i)\bThis operation (?:will|can)\b`), ""},
	{regexp.MustCompile(`(?i)\bYou can use this (?:tool |to )\b`), ""},
	{regexp.MustCompile(`(?i)\bProvides? (?:the )?ability to\b`), ""},
	{regexp.MustCompile(`(?i)\bProvides? access to\b`), "Access"},
	{regexp.MustCompile(`(?i)\bGives? (?:you )?access to\b`), "Access"},
	{regexp.MustCompile(`(?i)\bmust be provided\b`), "required"},
	{regexp.MustCompile(`(?i)\bshould be provided\b`), "recommended"},
	{regexp.MustCompile(`(?i)\bcan be used (?:to |for )\b`), "for "},
	{regexp.MustCompile(`(?i)\bEnables you to\b`), ""},
	{regexp.MustCompile(`(?i)\bAllows you to\b`), ""},

	// Simplifiers.
	{regexp.MustCompile(`(?i)\bin order to\b`), "to"},
	{regexp.MustCompile(`(?i)\bas well as\b`), "and"},
	{regexp.MustCompile(`(?i)\bprior to\b`), "before"},
	{regexp.MustCompile(`(?i)\bwith respect to\b`), "for"},

	// Qualifiers removed.
	{regexp.MustCompile(`(?i)\bvery\b`), ""},
	{regexp.MustCompile(`(?i)\bsimply\b`), ""},
	{regexp.MustCompile(`(?i)\bbasically\b`), ""},
	{regexp.MustCompile(`(?i)\bessentially\b`), ""},

	// Term shortenings.
	{regexp.MustCompile(`(?i)\brepository\b`), "repo"},
	{regexp.MustCompile(`(?i)\bconfiguration\b`), "config"},
	{regexp.MustCompile(`(?i)\binformation\b`), "info"},
	{regexp.MustCompile(`(?i)\bdocumentation\b`), "docs"},
	{regexp.MustCompile(`(?i)\bapplication\b`), "app"},
	{regexp.MustCompile(`(?i)\bdatabase\b`), "DB"},
	{regexp.MustCompile(`(?i)\benvironment\b`), "env"},
	{regexp.MustCompile(`(?i)\bparameters\b`), "params"},
	{regexp.MustCompile(`(?i)\bparameter\b`), "param"},

	// Verb shortenings.
	{regexp.MustCompile(`(?i)\bretrieve(?:s)?\b`), "get"},
	{regexp.MustCompile(`(?i)\bfetch(?:es)?\b`), "get"},
	{regexp.MustCompile(`(?i)\bexecute(?:s)?\b`), "run"},
	{regexp.MustCompile(`(?i)\bgenerate(?:s)?\b`), "create"},

	// Note shortenings.
	{regexp.MustCompile(`(?i)\bfor example\b`), "e.g."},
	{regexp.MustCompile(`(?i)\bsuch as\b`), "like"},

	// Clean up.
	{regexp.MustCompile(`  +`), " "},
	{regexp.MustCompile(` +([.,;:])`), "$1"},
	{regexp.MustCompile(`^\s+|\s+$`), ""},
}

var (
	multiDot           = regexp.MustCompile(`\.+`)
	midSentenceLower   = regexp.MustCompile(`(\. )([a-z])`)
)

// CompressDescription applies the ordered rule table to text. Text
// shorter than 20 characters is returned unchanged, matching the
// "applied ... to every description >= 20 characters" contract.
func CompressDescription(text string) string {
	if len(text) < minDescriptionLen {
		return text
	}

	out := text
	for _, r := range rules {
		out = r.pattern.ReplaceAllString(out, r.replace)
	}

	out = multiDot.ReplaceAllString(out, ".")
	out = midSentenceLower.ReplaceAllStringFunc(out, func(m string) string {
		groups := midSentenceLower.FindStringSubmatch(m)
		return groups[1] + strings.ToUpper(groups[2])
	})

	if out != "" && out[0] >= 'a' && out[0] <= 'z' {
		out = strings.ToUpper(out[:1]) + out[1:]
	}

	return strings.TrimSpace(out)
}

// schemaKeepKeys is the fixed set of JSON-Schema keys
// strip_schema_metadata preserves, independent of depth (depth-gated
// keys are handled separately in StripSchemaMetadata).
var schemaKeepKeys = map[string]bool{
	"type": true, "required": true, "enum": true, "format": true,
	"pattern": true, "const": true, "$ref": true,
	"minimum": true, "maximum": true,
	"minLength": true, "maxLength": true,
	"minItems": true, "maxItems": true,
	"properties": true, "items": true,
	"anyOf": true, "oneOf": true, "allOf": true, "not": true,
}

// StripSchemaMetadata keeps only the semantically significant
// JSON-Schema keys. description is kept only at
// depth <= 1. required/enum arrays are copied, never shared with the
// input, so a caller mutating the stripped schema cannot corrupt the
// original tool manifest.
func StripSchemaMetadata(schema any, depth int) any {
	switch t := schema.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, v := range t {
			switch {
			case k == "description" && depth <= 1:
				if s, ok := v.(string); ok {
					out[k] = CompressDescription(s)
				} else {
					out[k] = v
				}
			case k == "required" || k == "enum":
				out[k] = copySlice(v)
			case k == "properties":
				if props, ok := v.(map[string]any); ok {
					newProps := make(map[string]any, len(props))
					for pk, pv := range props {
						newProps[pk] = StripSchemaMetadata(pv, depth+1)
					}
					out[k] = newProps
				}
			case k == "items":
				out[k] = stripItems(v, depth)
			case k == "anyOf" || k == "oneOf" || k == "allOf":
				out[k] = stripList(v, depth)
			case k == "not":
				out[k] = StripSchemaMetadata(v, depth+1)
			case schemaKeepKeys[k]:
				out[k] = v
			}
		}
		return out
	default:
		return schema
	}
}

func stripItems(v any, depth int) any {
	if list, ok := v.([]any); ok {
		return stripList(list, depth)
	}
	return StripSchemaMetadata(v, depth+1)
}

func stripList(v any, depth int) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]any, len(list))
	for i, e := range list {
		out[i] = StripSchemaMetadata(e, depth+1)
	}
	return out
}

func copySlice(v any) any {
	list, ok := v.([]any)
	if !ok {
		return v
	}
	out := make([]any, len(list))
	copy(out, list)
	return out
}
