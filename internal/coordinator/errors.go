package coordinator

import "fmt"

// ErrorKind is the closed set of coordination failure classes surfaced
// to callers. Transport problems inside a round are absorbed and never
// reach this level; everything here is actionable by the caller.
type ErrorKind string

const (
	KindNoLeader        ErrorKind = "NO_LEADER"
	KindResourceBusy    ErrorKind = "RESOURCE_BUSY"
	KindLockDenied      ErrorKind = "LOCK_DENIED"
	KindConsensusFailed ErrorKind = "CONSENSUS_FAILED"
	KindNotFound        ErrorKind = "NOT_FOUND"
	KindAlreadyClosed   ErrorKind = "ALREADY_CLOSED"
	KindNotAssigned     ErrorKind = "NOT_ASSIGNED"
	KindValidation      ErrorKind = "VALIDATION"
)

// Error is a coordination failure with its kind attached.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.Err }

// errf builds an Error with a formatted message.
func errf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// wrap attaches a kind to an underlying error.
func wrap(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the kind from any error, or "" for plain errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if ce, ok := err.(*Error); ok {
		return ce.Kind
	}
	return ""
}
