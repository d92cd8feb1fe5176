package resultcompress

import (
	"encoding/json"
	"sort"
)

// columnarTag is the marker key for a columnar-encoded list.
const columnarTag = "~t"

// columnarize recursively replaces every list of >= minRows maps sharing
// an identical, >= minFields key set with the {"~t":{"c":[...],"r":[...]}}
// form. Column names are whatever key names are already in v (aliased or
// not — callers run this after key recoding so columns come out aliased
// for free).
func columnarize(v any, minRows, minFields int) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = columnarize(val, minRows, minFields)
		}
		return out
	case []any:
		if isHomogeneousMapList(t) && len(t) >= minRows {
			first := t[0].(map[string]any)
			if len(first) >= minFields {
				cols := make([]string, 0, len(first))
				for k := range first {
					cols = append(cols, k)
				}
				sort.Strings(cols)

				rows := make([]any, len(t))
				for i, e := range t {
					m := e.(map[string]any)
					row := make([]any, len(cols))
					for j, c := range cols {
						row[j] = columnarize(m[c], minRows, minFields)
					}
					rows[i] = row
				}

				colsAny := make([]any, len(cols))
				for i, c := range cols {
					colsAny[i] = c
				}
				return map[string]any{
					columnarTag: map[string]any{"c": colsAny, "r": rows},
				}
			}
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = columnarize(e, minRows, minFields)
		}
		return out
	default:
		return v
	}
}

// decolumnarize reverses columnarize, expanding any {"~t":{...}} marker
// back into a list of maps.
func decolumnarize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if inner, ok := t[columnarTag]; ok && len(t) == 1 {
			if tbl, ok := inner.(map[string]any); ok {
				cols, _ := tbl["c"].([]any)
				rows, _ := tbl["r"].([]any)
				out := make([]any, len(rows))
				for i, r := range rows {
					row, _ := r.([]any)
					m := make(map[string]any, len(cols))
					for j, c := range cols {
						colName, _ := c.(string)
						if j < len(row) {
							m[colName] = decolumnarize(row[j])
						}
					}
					out[i] = m
				}
				return out
			}
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = decolumnarize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = decolumnarize(e)
		}
		return out
	default:
		return v
	}
}

// stripNulls recursively removes map entries whose value is nil.
func stripNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = stripNulls(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = stripNulls(e)
		}
		return out
	default:
		return v
	}
}

// stripDefaultish recursively removes map entries named "default" or
// "defaults" whose value is "defaultish": null, "", 0, false, [], {}.
func stripDefaultish(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if (k == "default" || k == "defaults") && isDefaultish(val) {
				continue
			}
			out[k] = stripDefaultish(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = stripDefaultish(e)
		}
		return out
	default:
		return v
	}
}

func isDefaultish(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return isZeroNumber(v)
	}
}

func isZeroNumber(v any) bool {
	switch n := v.(type) {
	case float64:
		return n == 0
	case int:
		return n == 0
	case json.Number:
		return n.String() == "0"
	default:
		return false
	}
}
