package toolcall

import "strings"

// Parameter describes one entry in a tool's parameter schema. Object and
// array parameters nest via Properties and Items.
type Parameter struct {
	Type        string               `json:"type,omitempty"`
	Required    bool                 `json:"required,omitempty"`
	Description string               `json:"description,omitempty"`
	Default     any                  `json:"default,omitempty"`
	Properties  map[string]Parameter `json:"properties,omitempty"`
	Items       *Parameter           `json:"items,omitempty"`
}

// Definition is an externally registered HTTP-callable tool. Either Name
// or Alias may be used by the model to refer to it.
type Definition struct {
	Name       string               `json:"name"`
	Alias      string               `json:"type,omitempty"`
	Endpoint   string               `json:"endpoint"`
	Method     string               `json:"method,omitempty"`
	Parameters map[string]Parameter `json:"parameters,omitempty"`
}

// HTTPMethod returns the declared method uppercased, defaulting to POST.
func (d Definition) HTTPMethod() string {
	m := strings.ToUpper(strings.TrimSpace(d.Method))
	if m == "" {
		return "POST"
	}
	return m
}

// Matches reports whether name refers to this definition by name or alias.
func (d Definition) Matches(name string) bool {
	return name != "" && (name == d.Name || name == d.Alias)
}

// Call is one tool invocation parsed out of model output. Arguments is
// passed through Normalize before dispatch.
type Call struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Result is the outcome of dispatching a Call. On failure Data still
// carries a best-effort structured payload so it can be persisted and
// summarized.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}
