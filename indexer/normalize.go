package indexer

import (
	"encoding/json"
	"math"
	"strings"
)

// normalizeComponentJSON applies the componentJson normalization rule: a
// string-valued attribute whose trimmed content begins and ends with
// matching braces or brackets is recursively parsed as JSON; if parsing
// fails it is left as a plain string. Numbers preserve integer shape when
// the value is lossless (no fractional part), since encoding/json decodes
// all JSON numbers as float64 by default.
func normalizeComponentJSON(raw string) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, err
	}
	for k, v := range doc {
		doc[k] = normalizeValue(v)
	}
	return doc, nil
}

func normalizeValue(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return normalizeString(t)
	case float64:
		return normalizeNumber(t)
	case map[string]interface{}:
		for k, inner := range t {
			t[k] = normalizeValue(inner)
		}
		return t
	case []interface{}:
		for i, inner := range t {
			t[i] = normalizeValue(inner)
		}
		return t
	default:
		return v
	}
}

func looksLikeJSON(trimmed string) bool {
	if len(trimmed) < 2 {
		return false
	}
	first, last := trimmed[0], trimmed[len(trimmed)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}

func normalizeString(s string) interface{} {
	trimmed := strings.TrimSpace(s)
	if !looksLikeJSON(trimmed) {
		return s
	}
	var nested interface{}
	if err := json.Unmarshal([]byte(trimmed), &nested); err != nil {
		return s
	}
	return normalizeValue(nested)
}

// normalizeNumber returns an int64 when f is an exact, lossless integer,
// otherwise returns f unchanged, preserving integer shape in the rendered
// JSON instead of always emitting a trailing ".0".
func normalizeNumber(f float64) interface{} {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}
