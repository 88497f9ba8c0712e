package toolcall

import (
	"encoding/json"
	"strings"
)

// Normalize returns a new arguments map with null and empty-string
// values dropped and string values that encode nested JSON (a generator
// quirk: structures are sometimes double-encoded) parsed back into
// structured form. The transform is idempotent.
func Normalize(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for key, value := range args {
		normalized, keep := normalizeValue(value)
		if keep {
			out[key] = normalized
		}
	}
	return out
}

func normalizeValue(value any) (any, bool) {
	switch v := value.(type) {
	case nil:
		return nil, false
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil, false
		}
		if looksLikeJSON(trimmed) {
			var parsed any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				normalized, _ := normalizeValue(parsed)
				return normalized, true
			}
		}
		// Not JSON after all; keep the original string untouched.
		return v, true
	case map[string]any:
		return Normalize(v), true
	case []any:
		items := make([]any, 0, len(v))
		for _, item := range v {
			normalized, keep := normalizeValue(item)
			if keep {
				items = append(items, normalized)
			}
		}
		return items, true
	default:
		return v, true
	}
}

func looksLikeJSON(s string) bool {
	return (strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")) ||
		(strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]"))
}
