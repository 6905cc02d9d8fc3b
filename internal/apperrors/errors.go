// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrInvalidSpec  = errors.New("invalid job spec")
	ErrSecretDenied = errors.New("secret access denied")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrTransient    = errors.New("transient backend error")
	ErrPermanent    = errors.New("permanent submission error")
	ErrInternal     = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For spec validation errors (e.g., "backendType", "resources.cpu")
	Resource string // For not found/conflict (e.g., "job", "secret")
	Op       string // Operation that failed (e.g., "kubernetes.submit")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// InvalidSpec creates a spec validation error for a specific field.
func InvalidSpec(field, message string) error {
	return &Error{
		Sentinel: ErrInvalidSpec,
		Message:  message,
		Field:    field,
	}
}

// SecretDenied creates an access error for a secret reference owned by
// another workspace. The owning workspace is deliberately not included in
// the message.
func SecretDenied(ref string) error {
	return &Error{
		Sentinel: ErrSecretDenied,
		Message:  fmt.Sprintf("secret %s is not accessible from the submitting workspace", ref),
		Resource: "secret",
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
		Message:  reason,
		Resource: resource,
	}
}

// Transient creates a retryable backend error (timeouts, rate limiting).
func Transient(op string, cause error) error {
	return &Error{
		Sentinel: ErrTransient,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Permanent creates a non-retryable submission error: the backend rejected
// the job definition as invalid.
func Permanent(op string, cause error) error {
	return &Error{
		Sentinel: ErrPermanent,
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
