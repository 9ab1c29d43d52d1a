package toolservers

import (
	"bytes"
	"encoding/json"
	"strings"
)

// ShapeResult formats a tool server's raw structured payload into the
// string the LLM sees:
//
//   - a mapping with a "content" list of typed items concatenates the
//     textual items;
//   - a {"success": ..., "result": ...} envelope unwraps to the result;
//   - anything else serializes compactly, preserving structure.
//
// The raw payload itself still travels alongside the shaped string so
// event emission can deliver it untouched.
func ShapeResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var mapping map[string]json.RawMessage
	if err := json.Unmarshal(raw, &mapping); err == nil {
		if items, ok := mapping["content"]; ok {
			if text, ok := shapeContentList(items); ok {
				return text
			}
		}
		if result, ok := mapping["result"]; ok {
			if _, hasSuccess := mapping["success"]; hasSuccess {
				return shapeScalar(result)
			}
		}
	}

	return shapeScalar(raw)
}

// shapeContentList concatenates the text of typed content items,
// skipping non-text entries.
func shapeContentList(raw json.RawMessage) (string, bool) {
	var items []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return "", false
	}
	var parts []string
	for _, item := range items {
		if item.Type == "" || item.Type == "text" {
			if item.Text != "" {
				parts = append(parts, item.Text)
			}
		}
	}
	return strings.Join(parts, "\n"), true
}

// shapeScalar renders a JSON value as a plain string when it is one, and
// as compact JSON otherwise.
func shapeScalar(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
