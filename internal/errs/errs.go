// Package errs defines the engine's closed error taxonomy. Tool failures
// never cross the TE/CL boundary as Go errors — they are turned into result
// text. These kinds are for the stream/transport layer, where CL does need
// to branch on what happened.
package errs

// Kind is one of the error categories the engine distinguishes.
type Kind string

const (
	Transport            Kind = "transport"
	EmptyResponse        Kind = "empty_response"
	Truncated            Kind = "truncated"
	ToolArgsInvalid      Kind = "tool_args_invalid"
	ToolNotFound         Kind = "tool_not_found"
	ToolDenied           Kind = "tool_denied"
	ToolFailure          Kind = "tool_failure"
	TimeoutBash          Kind = "timeout_bash"
	ExternalUnreachable  Kind = "external_unreachable"
	BudgetExceeded       Kind = "budget_exceeded"
)

// EngineError is a typed error carrying one of the Kind values above so
// callers can switch on .Kind instead of matching strings.
type EngineError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind)
}

func (e *EngineError) Unwrap() error { return e.Err }

// New builds an EngineError with the given kind and message.
func New(kind Kind, message string) *EngineError {
	return &EngineError{Kind: kind, Message: message}
}

// Wrap builds an EngineError wrapping an underlying error.
func Wrap(kind Kind, err error) *EngineError {
	return &EngineError{Kind: kind, Err: err}
}
