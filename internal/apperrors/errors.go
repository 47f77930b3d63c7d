// Package apperrors provides structured application errors and their
// classification for goal results, HTTP responses and process exit codes.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal error")
	ErrDependencyFailed   = errors.New("dependency failed")
	ErrConfiguration      = errors.New("configuration error")
	ErrMissingRealisation = errors.New("missing realisation")
	ErrInvariant          = errors.New("scheduler invariant violated")
	ErrInterrupted        = errors.New("interrupted")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "maxJobs")
	Resource string // For not found/conflict (e.g., "derivation")
	Op       string // Operation that failed (e.g., "worker.run")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and the cause, so errors.Is matches both.
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

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// DependencyFailed summarises failed dependencies of a goal.
func DependencyFailed(count int, target, first string) error {
	msg := fmt.Sprintf("%d dependencies of %s failed", count, target)
	if count == 1 {
		msg = fmt.Sprintf("1 dependency of %s failed", target)
	}
	if first != "" {
		msg += fmt.Sprintf(" (first: %s)", first)
	}
	return &Error{
		Sentinel: ErrDependencyFailed,
		Message:  msg,
		Resource: target,
	}
}

// Configuration reports a recipe or settings error detected by op.
func Configuration(op, message string) error {
	return &Error{
		Sentinel: ErrConfiguration,
		Message:  message,
		Op:       op,
	}
}

// MissingRealisation reports an output whose path is not known.
func MissingRealisation(drv, output string) error {
	return &Error{
		Sentinel: ErrMissingRealisation,
		Message:  fmt.Sprintf("cannot operate on output '%s' of derivation '%s' because it has not been realised yet", output, drv),
		Resource: drv,
	}
}

// Invariant reports a scheduler bug; it aborts the whole run.
func Invariant(op, message string) error {
	return &Error{
		Sentinel: ErrInvariant,
		Message:  fmt.Sprintf("%s: %s", op, message),
		Op:       op,
	}
}

// Interrupted reports that a run was abandoned.
func Interrupted(op string, cause error) error {
	return &Error{
		Sentinel: ErrInterrupted,
		Message:  fmt.Sprintf("%s: interrupted", op),
		Op:       op,
		Cause:    cause,
	}
}
