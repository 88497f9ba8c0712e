package orchestrator

import (
	"encoding/json"
	"fmt"
	"strings"

	"vibetune/internal/ledger"
	"vibetune/internal/toolcall"
)

// buildPrompt assembles the single prompt string for the first
// generation of a turn: system prompt (augmented with the tool catalogue
// when tools exist), a bounded window of prior prose messages, and the
// current user message.
func buildPrompt(systemPrompt string, tools []toolcall.Definition, history []ledger.Message, userText string) string {
	var b strings.Builder

	system := strings.TrimSpace(systemPrompt)
	if system == "" {
		system = "You are a helpful assistant."
	}
	b.WriteString(system)

	if len(tools) > 0 {
		b.WriteString("\n\n")
		b.WriteString(toolCatalogue(tools))
	}

	b.WriteString("\n\n")
	for _, msg := range history {
		switch msg.Role {
		case ledger.RoleUser:
			fmt.Fprintf(&b, "User: %s\n", msg.Content)
		case ledger.RoleAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n", msg.Content)
		}
	}

	fmt.Fprintf(&b, "User: %s\nAssistant:", userText)
	return b.String()
}

// toolCatalogue renders the machine-readable tool list and the calling
// convention the extractor understands.
func toolCatalogue(tools []toolcall.Definition) string {
	catalogue := make([]map[string]any, 0, len(tools))
	for _, def := range tools {
		entry := map[string]any{"name": def.Name}
		if len(def.Parameters) > 0 {
			entry["parameters"] = def.Parameters
		}
		catalogue = append(catalogue, entry)
	}

	encoded, err := json.Marshal(catalogue)
	if err != nil {
		encoded = []byte("[]")
	}

	return fmt.Sprintf(`You have access to the following tools:
%s

To use a tool, respond with exactly one invocation wrapped in delimiters:
%s{"name": "<tool name>", "arguments": {...}}%s

Only call a tool when the user's request requires it. Otherwise answer directly.`,
		encoded, toolcall.OpenTag, toolcall.CloseTag)
}

// buildSummaryPrompt assembles the second, narrower prompt of a
// tool-bearing turn: the model sees the already-obtained result and must
// produce only a natural-language summary.
func buildSummaryPrompt(systemPrompt, userText string, call toolcall.Call, result toolcall.Result) string {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		resultJSON = []byte(fmt.Sprintf(`{"success":%t}`, result.Success))
	}

	var b strings.Builder
	system := strings.TrimSpace(systemPrompt)
	if system != "" {
		b.WriteString(system)
		b.WriteString("\n\n")
	}

	fmt.Fprintf(&b, "The user asked: %s\n", userText)
	fmt.Fprintf(&b, "The tool %q was already executed with the user's request. Its result:\n%s\n\n", call.Name, resultJSON)
	b.WriteString("Summarize this result for the user in plain language. ")
	b.WriteString("If it indicates a failure, explain what went wrong without technical jargon, status codes, or JSON. ")
	b.WriteString("Do not call any tools.\nAssistant:")
	return b.String()
}

// fallbackReply renders a plain-text reply from the raw tool result when
// the summarization generation itself fails, so the user still gets an
// answer.
func fallbackReply(call toolcall.Call, result toolcall.Result) string {
	if !result.Success {
		reason := result.Error
		if reason == "" {
			reason = "an unknown error"
		}
		return fmt.Sprintf("I tried to run %s for you, but it did not go through: %s.", call.Name, reason)
	}

	data, err := json.Marshal(result.Data)
	if err != nil || string(data) == "null" {
		return fmt.Sprintf("Done - %s completed successfully.", call.Name)
	}
	return fmt.Sprintf("Done - %s completed successfully. Result: %s", call.Name, data)
}
