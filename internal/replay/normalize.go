package replay

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// normalizeValue implements the field-comparison normalization rule:
// strings are trimmed and case-folded, numbers are coerced to a canonical
// decimal form, booleans compare as-is, and any other value (object,
// array, null) compares as its canonical JSON text.
func normalizeValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(t)
	case string:
		return strings.ToLower(strings.TrimSpace(t))
	case float64:
		return canonicalNumber(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return strings.ToLower(strings.TrimSpace(t.String()))
		}
		return canonicalNumber(f)
	case int:
		return canonicalNumber(float64(t))
	default:
		return canonicalJSON(v)
	}
}

func canonicalNumber(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// canonicalJSON marshals maps with sorted keys so two structurally equal
// objects always produce the same text regardless of key order.
func canonicalJSON(v any) string {
	sorted := sortKeysDeep(v)
	b, err := json.Marshal(sorted)
	if err != nil {
		return ""
	}
	return string(b)
}

func sortKeysDeep(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			out[k] = sortKeysDeep(t[k])
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = sortKeysDeep(e)
		}
		return out
	default:
		return t
	}
}

// valuesMatch reports whether two values are equal under normalization.
func valuesMatch(a, b any) bool {
	return normalizeValue(a) == normalizeValue(b)
}

// fieldAt looks up a dotted-path-free top-level key on a parsed JSON value.
func fieldAt(parsed any, key string) (any, bool) {
	obj, ok := parsed.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := obj[key]
	return v, ok
}
