// Package apperr defines the error kinds shared across the trading engine so
// callers can branch on what went wrong instead of sniffing message strings.
package apperr

import "errors"

type Kind string

const (
	InvalidInput     Kind = "invalid_input"
	InsufficientFund Kind = "insufficient_funds"
	NotFound         Kind = "not_found"
	Conflict         Kind = "conflict"
	Expired          Kind = "expired"
	Unauthorized     Kind = "unauthorized"
	ChainTransient   Kind = "chain_transient"
	ChainPermanent   Kind = "chain_permanent"
	Timeout          Kind = "timeout"
	Internal         Kind = "internal"
)

// Error wraps a Kind with a human message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(k Kind, msg string) error { return &Error{Kind: k, Message: msg} }

func Wrap(k Kind, msg string, cause error) error { return &Error{Kind: k, Message: msg, Cause: cause} }

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retryable reports whether a task-queue worker should retry on this error
// rather than go straight to dead_letter.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ChainTransient, Timeout, Internal:
		return true
	default:
		return false
	}
}
