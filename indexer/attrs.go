package indexer

import (
	"encoding/json"
	"fmt"
)

// describeValue renders a normalized attribute value into the four columns
// a LayerAttribute row stores: a human-formatted string, its raw JSON
// encoding, a short type tag, and whether it is a complex (object/array)
// value.
func describeValue(v interface{}) (formatted, rawJSON, typeTag string, isComplex bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		raw = []byte("null")
	}
	rawJSON = string(raw)

	switch t := v.(type) {
	case nil:
		return "", rawJSON, "null", false
	case string:
		return t, rawJSON, "string", false
	case bool:
		return fmt.Sprintf("%t", t), rawJSON, "boolean", false
	case int64:
		return fmt.Sprintf("%d", t), rawJSON, "integer", false
	case float64:
		return fmt.Sprintf("%v", t), rawJSON, "number", false
	case map[string]interface{}:
		return rawJSON, rawJSON, "object", true
	case []interface{}:
		return rawJSON, rawJSON, "array", true
	default:
		return fmt.Sprintf("%v", t), rawJSON, "unknown", false
	}
}
