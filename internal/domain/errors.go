package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies coordinator failures for callers and the API layer.
type ErrorKind string

const (
	KindPreconditionMissing  ErrorKind = "precondition_missing"
	KindRetryBudgetExhausted ErrorKind = "retry_budget_exhausted"
	KindCheckTimedOut        ErrorKind = "check_timed_out"
	KindCheckUnavailable     ErrorKind = "check_unavailable"
	KindNotFound             ErrorKind = "not_found"
	KindInvalidTransition    ErrorKind = "invalid_transition"
)

// Error is a failure with a kind. InvalidTransition is always a usage error,
// never something callers should recover from.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// E builds an Error with a formatted message.
func E(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
