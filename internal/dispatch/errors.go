package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies a dispatch failure. Every error the engine returns
// carries exactly one kind; the API layer maps kinds to HTTP statuses.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindAuthorization
	KindConflict
	KindDependency
	KindConcurrencyTimeout
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindDependency:
		return "dependency"
	case KindConcurrencyTimeout:
		return "concurrency_timeout"
	}
	return "unknown"
}

// Error is a classified dispatch failure.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Errf builds a classified error with a formatted message.
func Errf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around a cause.
func Wrap(k Kind, cause error, message string) *Error {
	return &Error{Kind: k, Message: message, Cause: cause}
}

// KindOf extracts the kind from err; ok is false for unclassified errors.
func KindOf(err error) (Kind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	got, ok := KindOf(err)
	return ok && got == k
}
