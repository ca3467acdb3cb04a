package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies errors for handling purposes
type Kind int

const (
	// KindValidation represents bad input; never retried
	KindValidation Kind = iota
	// KindNotFound represents a referenced object that is absent
	KindNotFound
	// KindConflict represents a uniqueness or overlap violation
	KindConflict
	// KindTransient represents a timeout or connection failure; retryable
	KindTransient
	// KindInvariant represents a broken internal invariant, e.g. a detected
	// double allocation. Logged at highest severity, never retried.
	KindInvariant
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with its classification. ConflictID
// carries the identity of the conflicting entity for conflict errors so
// callers can produce actionable messages.
type Error struct {
	Kind       Kind
	Message    string
	ConflictID string
	Err        error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		if e.Message != "" {
			return fmt.Sprintf("%s: %v", e.Message, e.Err)
		}
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Validation creates a validation error
func Validation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error
func NotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict creates a conflict error carrying the conflicting entity's identity
func Conflict(conflictID, format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, ConflictID: conflictID, Message: fmt.Sprintf(format, args...)}
}

// Transient creates a retryable external error
func Transient(format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...)}
}

// TransientWrap wraps err as a retryable external error
func TransientWrap(err error, message string) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// Invariant creates an invariant-violation error
func Invariant(format string, args ...interface{}) *Error {
	return &Error{Kind: KindInvariant, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the classification of err, or KindInvariant for
// unclassified errors so that nothing unknown is ever blindly retried.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInvariant
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindValidation
}

// IsNotFound checks if an error is a not-found error
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindNotFound
}

// IsConflict checks if an error is a conflict error
func IsConflict(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindConflict
}

// IsTransient checks if an error is transient and may be retried
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindTransient
}

// IsInvariant checks if an error is an invariant violation
func IsInvariant(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindInvariant
}
