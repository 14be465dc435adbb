package stream

import (
	"encoding/json"
	"fmt"
)

// FormatToolSegment renders a tool_use event as chat markdown, per the
// icon/body table in spec.md §6.2. Grounded on the teacher's
// internal/telegraph/format.go icon+body convention, generalized from a
// fixed Railyard event vocabulary to the assistant's tool vocabulary.
func FormatToolSegment(name string, input map[string]any) string {
	switch name {
	case "Bash":
		return fmt.Sprintf("🔧 ```\n%s\n```", stringField(input, "command"))
	case "Read":
		return fmt.Sprintf("📖 %s", stringField(input, "file_path"))
	case "Write":
		return fmt.Sprintf("📝 %s", stringField(input, "file_path"))
	case "Edit":
		return fmt.Sprintf("✏️ %s", stringField(input, "file_path"))
	case "Glob", "Grep":
		pattern := stringField(input, "pattern")
		if pattern == "" {
			pattern = stringField(input, "path")
		}
		return fmt.Sprintf("🔍 %s", pattern)
	case "WebFetch", "WebSearch":
		ref := stringField(input, "url")
		if ref == "" {
			ref = stringField(input, "query")
		}
		return fmt.Sprintf("🌐 %s", ref)
	default:
		if allEmptyOrNil(input) {
			return fmt.Sprintf("⚙️ `%s`", name)
		}
		data, err := json.Marshal(input)
		if err != nil {
			return fmt.Sprintf("⚙️ `%s`", name)
		}
		return fmt.Sprintf("⚙️ `%s` %s", name, string(data))
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func allEmptyOrNil(m map[string]any) bool {
	if len(m) == 0 {
		return true
	}
	for _, v := range m {
		if v != nil {
			return false
		}
	}
	return true
}
