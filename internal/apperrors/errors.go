// Package apperrors classifies job lifecycle failures so callers can decide
// between retrying, compensating, and giving up.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	// ErrValidation marks a malformed request.
	ErrValidation = errors.New("validation error")
	// ErrFatal marks misconfiguration or a violated topology assumption. Never retried.
	ErrFatal = errors.New("fatal error")
	// ErrConflict marks a lost optimistic-concurrency race on the job record.
	ErrConflict = errors.New("conflict")
	// ErrNotFound marks a missing job record or executor.
	ErrNotFound = errors.New("not found")
	// ErrUnreachable marks a peer whose state cannot be determined.
	ErrUnreachable = errors.New("unreachable")
	// ErrInternal marks a backend or storage failure that may succeed on retry.
	ErrInternal = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "jobClass")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "k8s.createPod")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// Fatal creates a non-retryable error for the given operation.
func Fatal(op, message string) error {
	return &Error{
		Sentinel: ErrFatal,
		Message:  fmt.Sprintf("%s: %s", op, message),
		Op:       op,
	}
}

// FatalCause is Fatal with an underlying cause attached.
func FatalCause(op string, cause error) error {
	return &Error{
		Sentinel: ErrFatal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  fmt.Sprintf("%s %s: %s", resource, id, reason),
		Resource: resource,
	}
}

// Unreachable creates an error for a peer that could not be contacted.
func Unreachable(op string, cause error) error {
	return &Error{
		Sentinel: ErrUnreachable,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Retryable reports whether an operation that failed with err may be tried again.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrFatal) && !errors.Is(err, ErrValidation)
}
