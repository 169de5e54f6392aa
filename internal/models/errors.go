package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every engine component. Callers match with
// errors.Is; concrete errors wrap one of these.
var (
	// ErrNotFound is returned when an ad, session, creator, impression or
	// click does not exist.
	ErrNotFound = errors.New("entity not found")
	// ErrAuthorizationDenied is returned when the caller does not own the
	// resource it is acting on.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrValidation marks malformed input.
	ErrValidation = errors.New("validation error")
	// ErrUpstreamUnavailable marks a transient embedding provider or store
	// failure.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrBudgetExhausted marks a campaign with no budget left. It is a
	// selection outcome, not a failure.
	ErrBudgetExhausted = errors.New("budget exhausted")
	// ErrBillingConflict marks a lost race between concurrent billing
	// attempts. It is resolved by retrying.
	ErrBillingConflict = errors.New("billing conflict")
)

// ValidationError describes a single malformed input field.
type ValidationError struct {
	Field string
	Msg   string
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
