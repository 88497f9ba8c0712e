package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can branch on the category
// without string-matching messages.
type Kind int

const (
	// Transport covers network-level failures: timeouts, refused
	// connections, DNS errors.
	Transport Kind = iota
	// Upstream covers non-2xx responses or explicit error fields from
	// the inference endpoint or a tool.
	Upstream
	// Parse covers malformed tool-call JSON or malformed response bodies.
	Parse
	// NotFound covers unresolvable tool names and missing bot registrations.
	NotFound
	// Persistence covers ledger append/read failures.
	Persistence
	// AuthRequired marks a 401 from a tool endpoint.
	AuthRequired
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case Upstream:
		return "upstream"
	case Parse:
		return "parse"
	case NotFound:
		return "not_found"
	case Persistence:
		return "persistence"
	case AuthRequired:
		return "auth_required"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error. Op names the operation that failed
// ("inference.generate", "dispatch.execute") for log lines.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with fmt.Errorf semantics for the message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err, or returns ok=false when err does
// not carry one.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return 0, false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
