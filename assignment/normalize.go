package assignment

import (
	"bytes"
	"encoding/json"
	"strings"
)

// NormalizeResponse extracts the data field of an assignment output and
// reduces it to a comparable key. Strings are trimmed and lower-cased;
// any other value becomes its compact JSON encoding with object keys
// sorted. A missing output, a missing data field or a null data field
// carries no response.
func NormalizeResponse(output json.RawMessage) (string, bool) {
	if len(output) == 0 {
		return "", false
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(output, &envelope); err != nil {
		return "", false
	}
	raw, ok := envelope["data"]
	if !ok {
		return "", false
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || v == nil {
		return "", false
	}

	switch t := v.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(t)), true
	case json.Number:
		return t.String(), true
	default:
		// encoding/json writes map keys in sorted order.
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}
