package toolcall

import (
	"reflect"
	"testing"
)

func TestContains(t *testing.T) {
	cases := []struct {
		name string
		text string
		want bool
	}{
		{"both tags", `<tool_call>{"name":"x","arguments":{}}</tool_call>`, true},
		{"open tag only", `<tool_call>{"name":"x"}`, true},
		{"close tag only", `{"name":"x"}</tool_call>`, true},
		{"tool_calls signature", `{"tool_calls":[{"name":"x"}]}`, true},
		{"bare object with close tag", `"name": "x", "arguments": {}}</tool_call>`, true},
		{"plain prose", "Sure, here is a haiku about rivers.", false},
		{"json without markers", `{"foo":"bar"}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Contains(tc.text); got != tc.want {
				t.Errorf("Contains(%q) = %v, want %v", tc.text, got, tc.want)
			}
		})
	}
}

func TestParseWellFormed(t *testing.T) {
	text := `Let me look that up. <tool_call>{"name":"create_delivery","arguments":{"sender":{"name":"Kobi"}}}</tool_call> Done!`

	calls := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "create_delivery" {
		t.Errorf("name = %q, want create_delivery", calls[0].Name)
	}
	sender, ok := calls[0].Arguments["sender"].(map[string]any)
	if !ok {
		t.Fatalf("sender argument missing or wrong type: %#v", calls[0].Arguments)
	}
	if sender["name"] != "Kobi" {
		t.Errorf("sender.name = %v, want Kobi", sender["name"])
	}
}

func TestParseMissingCloseTag(t *testing.T) {
	text := `<tool_call>{"name":"lookup","arguments":{"q":"rates"}}`

	calls := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "lookup" || calls[0].Arguments["q"] != "rates" {
		t.Errorf("unexpected call: %+v", calls[0])
	}
}

func TestParseMissingOpenTag(t *testing.T) {
	text := `{"name":"lookup","arguments":{"q":"rates"}}</tool_call> trailing chatter`

	calls := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "lookup" {
		t.Errorf("name = %q, want lookup", calls[0].Name)
	}
}

func TestParseBracesInsideStrings(t *testing.T) {
	// Braces and an escaped quote inside string values must not end the
	// payload scan early.
	text := `<tool_call>{"name":"note","arguments":{"body":"use {curly} braces and a \" quote"}}</tool_call> and then some {stray} commentary`

	calls := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	want := `use {curly} braces and a " quote`
	if calls[0].Arguments["body"] != want {
		t.Errorf("body = %q, want %q", calls[0].Arguments["body"], want)
	}
}

func TestParseParametersFallback(t *testing.T) {
	text := `<tool_call>{"name":"lookup","parameters":{"q":"fees"}}</tool_call>`

	calls := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments["q"] != "fees" {
		t.Errorf("arguments = %#v, want parameters promoted", calls[0].Arguments)
	}
}

func TestParseToolCallsWrapper(t *testing.T) {
	text := `<tool_call>{"tool_calls":[{"name":"a","arguments":{}},{"name":"b","arguments":{"k":"v"}}]}</tool_call>`

	calls := Parse(text)
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(calls))
	}
	if calls[0].Name != "a" || calls[1].Name != "b" {
		t.Errorf("unexpected order: %+v", calls)
	}
}

func TestParseArrayShape(t *testing.T) {
	text := `<tool_call>[{"name":"a","arguments":{"x":"1"}}]</tool_call>`

	calls := Parse(text)
	if len(calls) != 1 || calls[0].Name != "a" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
}

func TestParseBadSpanDoesNotBlockGoodSpan(t *testing.T) {
	text := `<tool_call>{"name": broken</tool_call> <tool_call>{"name":"good","arguments":{}}</tool_call>`

	calls := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Name != "good" {
		t.Errorf("name = %q, want good", calls[0].Name)
	}
}

func TestParseUnbalancedBrackets(t *testing.T) {
	// Depth never returns to zero, so the raw span is handed to the
	// decoder and rejected. No calls, no panic.
	text := `<tool_call>{"name":"x","arguments":{"a":"b"</tool_call>`

	if calls := Parse(text); len(calls) != 0 {
		t.Fatalf("expected no calls, got %+v", calls)
	}
}

func TestParseNoArguments(t *testing.T) {
	text := `<tool_call>{"name":"ping"}</tool_call>`

	calls := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if calls[0].Arguments == nil || len(calls[0].Arguments) != 0 {
		t.Errorf("arguments = %#v, want empty map", calls[0].Arguments)
	}
}

func TestJSONPayloadIgnoresCommentary(t *testing.T) {
	got := jsonPayload(` here you go: {"a":[1,2]} hope that helps`)
	want := `{"a":[1,2]}`
	if got != want {
		t.Errorf("jsonPayload = %q, want %q", got, want)
	}
}

func TestDefinitionMatches(t *testing.T) {
	def := Definition{Name: "create_delivery", Alias: "delivery"}

	if !def.Matches("create_delivery") || !def.Matches("delivery") {
		t.Error("expected name and alias to match")
	}
	if def.Matches("") || def.Matches("other") {
		t.Error("unexpected match")
	}
}

func TestDefinitionHTTPMethod(t *testing.T) {
	if got := (Definition{}).HTTPMethod(); got != "POST" {
		t.Errorf("default method = %q, want POST", got)
	}
	if got := (Definition{Method: "get"}).HTTPMethod(); got != "GET" {
		t.Errorf("method = %q, want GET", got)
	}
}

func TestParsePreservesArgumentStructure(t *testing.T) {
	text := `<tool_call>{"name":"t","arguments":{"n":3,"flag":true,"list":["a","b"]}}</tool_call>`

	calls := Parse(text)
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	want := map[string]any{"n": float64(3), "flag": true, "list": []any{"a", "b"}}
	if !reflect.DeepEqual(calls[0].Arguments, want) {
		t.Errorf("arguments = %#v, want %#v", calls[0].Arguments, want)
	}
}
