// Package errs defines the error taxonomy shared by every dispatch component.
//
// Each kind follows the same shape: a sentinel error for errors.Is checks and a
// typed struct carrying details for errors.As. Typed errors unwrap to their
// sentinel, so callers can classify without knowing the concrete type.
//
//   - ValidationError: malformed input, never retried
//   - NotFoundError: unknown id
//   - ConflictError: lost a compare-and-swap race; an expected outcome, not a fault
//   - InvalidTransitionError: illegal lifecycle move
//   - PermissionError: actor mismatch
//   - TransientError: storage or transport unavailable, safe to retry at the boundary
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("version conflict")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrPermission        = errors.New("permission denied")
	ErrTransient         = errors.New("transient failure")
)

// ValidationError reports a malformed input field.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, sanitize(e.Reason))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError reports an unknown entity id.
type NotFoundError struct {
	Kind string
	ID   string
}

func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Kind, ErrNotFound, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ConflictError is returned when the stored version or status of a job no
// longer matches what the caller observed.
type ConflictError struct {
	JobID           string
	ExpectedVersion int64
	ActualVersion   int64
	ExpectedStatus  string
	ActualStatus    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s on job %s: expected v%d/%s, stored v%d/%s",
		ErrConflict, e.JobID, e.ExpectedVersion, e.ExpectedStatus, e.ActualVersion, e.ActualStatus)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InvalidTransitionError reports a lifecycle move that is not a legal successor.
type InvalidTransitionError struct {
	From string
	To   string
}

func NewInvalidTransitionError(from, to string) *InvalidTransitionError {
	return &InvalidTransitionError{From: from, To: to}
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// PermissionError reports an actor acting on something it does not own.
type PermissionError struct {
	Actor  string
	Action string
	Reason string
}

func NewPermissionError(actor, action, reason string) *PermissionError {
	return &PermissionError{Actor: actor, Action: action, Reason: reason}
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("%s: %s may not %s (%s)", ErrPermission, e.Actor, e.Action, e.Reason)
}

func (e *PermissionError) Unwrap() error { return ErrPermission }

// TransientError wraps an infrastructure failure. It matches both ErrTransient
// and the underlying cause.
type TransientError struct {
	Op    string
	Cause error
}

func NewTransientError(op string, cause error) *TransientError {
	return &TransientError{Op: op, Cause: cause}
}

func (e *TransientError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", ErrTransient, e.Op)
	}
	return fmt.Sprintf("%s: %s (cause: %v)", ErrTransient, e.Op, e.Cause)
}

func (e *TransientError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrTransient}
	}
	return []error{ErrTransient, e.Cause}
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, "\n", " ")
}
