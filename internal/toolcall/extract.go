package toolcall

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// Delimiters the model is prompted to wrap tool invocations in.
const (
	OpenTag  = "<tool_call>"
	CloseTag = "</tool_call>"
)

// Contains reports whether text looks like it carries a tool invocation.
// Detection deliberately over-matches so that a model that drops one of
// the two delimiters is still caught; Parse decides what is actually
// usable.
func Contains(text string) bool {
	if strings.Contains(text, OpenTag) || strings.Contains(text, CloseTag) {
		return true
	}
	if strings.Contains(text, `"tool_calls"`) {
		return true
	}
	// Bare invocation object with the closing tag somewhere after it.
	return strings.Contains(text, `"name"`) &&
		strings.Contains(text, `"arguments"`) &&
		strings.Contains(text, CloseTag)
}

// Parse extracts every tool invocation it can find in text. Spans that
// fail to parse are logged and skipped; they never abort later spans.
// Callers typically use only the first result.
func Parse(text string) []Call {
	var calls []Call
	for _, span := range spans(text) {
		parsed, err := decodeSpan(jsonPayload(span))
		if err != nil {
			log.Printf("toolcall: skipping unparseable span: %v", err)
			continue
		}
		calls = append(calls, parsed...)
	}
	return calls
}

// spans returns the delimiter-bounded regions of text. When no complete
// pair exists, a lone opening tag claims everything after it and a lone
// closing tag claims everything before it.
func spans(text string) []string {
	var out []string
	rest := text
	for {
		i := strings.Index(rest, OpenTag)
		if i < 0 {
			break
		}
		rest = rest[i+len(OpenTag):]
		j := strings.Index(rest, CloseTag)
		if j < 0 {
			break
		}
		out = append(out, rest[:j])
		rest = rest[j+len(CloseTag):]
	}
	if len(out) > 0 {
		return out
	}
	if i := strings.Index(text, OpenTag); i >= 0 {
		return []string{text[i+len(OpenTag):]}
	}
	if j := strings.Index(text, CloseTag); j >= 0 {
		return []string{text[:j]}
	}
	return []string{text}
}

// jsonPayload locates the JSON value inside a span, scanning bracket
// depth while tracking quoted strings so braces inside string literals
// do not perturb the count. Text outside the payload (trailing model
// commentary) is discarded. When brackets never balance the raw span is
// returned verbatim and left for the JSON decoder to reject.
func jsonPayload(span string) string {
	start := strings.IndexAny(span, "{[")
	if start < 0 {
		return span
	}

	depth := 0
	inString := false
	escaped := false
	end := start

scan:
	for i := start; i < len(span); i++ {
		c := span[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				depth++
			}
		case '}', ']':
			if !inString {
				depth--
				if depth == 0 {
					end = i + 1
					break scan
				}
			}
		}
	}

	if end <= start {
		return span
	}
	return span[start:end]
}

// decodeSpan accepts the three payload shapes the model produces: a
// single invocation object, an array of them, or an object wrapping a
// "tool_calls" array. Arguments fall back to a "parameters" key.
func decodeSpan(payload string) ([]Call, error) {
	var value any
	if err := json.Unmarshal([]byte(payload), &value); err != nil {
		return nil, fmt.Errorf("invalid tool-call JSON: %w", err)
	}

	switch v := value.(type) {
	case map[string]any:
		if wrapped, ok := v["tool_calls"].([]any); ok {
			return callsFromList(wrapped)
		}
		call, err := callFromObject(v)
		if err != nil {
			return nil, err
		}
		return []Call{call}, nil
	case []any:
		return callsFromList(v)
	default:
		return nil, fmt.Errorf("tool-call payload is %T, not an object or array", value)
	}
}

func callsFromList(items []any) ([]Call, error) {
	calls := make([]Call, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tool_calls entry is %T, not an object", item)
		}
		call, err := callFromObject(obj)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, nil
}

func callFromObject(obj map[string]any) (Call, error) {
	name, _ := obj["name"].(string)
	if name == "" {
		return Call{}, fmt.Errorf("tool call has no name")
	}

	raw, ok := obj["arguments"]
	if !ok {
		raw = obj["parameters"]
	}

	args, _ := raw.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}

	return Call{Name: name, Arguments: args}, nil
}
