// Package errkind defines the closed set of structured error kinds the
// orchestrator core uses to carry status up one frame instead of relying on
// ad-hoc exceptions. See SPEC_FULL.md §7 for the full contract.
package errkind

import "fmt"

// Kind is a closed variant identifying why an operation failed.
type Kind int

const (
	// Unknown is the zero value and should never be constructed deliberately.
	Unknown Kind = iota
	// Validation marks bad input: unknown feature key, non-absolute binary
	// path, a patch targeting a non-whitelisted file.
	Validation
	// Busy marks a single-holder resource already in use.
	Busy
	// Disconnected marks a dead agent process or rejected remote endpoint.
	Disconnected
	// Timeout marks an expired per-turn deadline or interrupt grace window.
	Timeout
	// Interrupted marks a user- or upstream-initiated cancellation.
	Interrupted
	// AgentError marks a structured agent error or malformed agent output.
	AgentError
	// PatchRejected marks a patch that failed whitelist or apply.
	PatchRejected
	// Fatal marks an internal invariant violation; the owning run must be
	// marked errored and is not resumable without operator intervention.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Busy:
		return "busy"
	case Disconnected:
		return "disconnected"
	case Timeout:
		return "timeout"
	case Interrupted:
		return "interrupted"
	case AgentError:
		return "agent_error"
	case PatchRejected:
		return "patch_rejected"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the structured error type carried across the orchestrator's
// internal package boundaries. Detail is a human-readable message; Err, if
// present, is the underlying cause and is reachable via errors.Unwrap.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// Wrap constructs an *Error carrying a wrapped cause.
func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

// Is reports whether err is an *Error of the given Kind. It follows the
// error chain via errors.As semantics through a direct type assertion,
// sufficient for the single-level wrapping this package produces.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
