// Package errors provides reason-coded error types shared across the control plane.
//
// Every error that crosses a component boundary carries a stable reason code;
// the HTTP and CLI surfaces render it as {"ok":false,"error":"<reason>"}.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ReasonError is an error with a machine-readable reason code.
type ReasonError struct {
	Reason     string   `json:"error"`
	Message    string   `json:"message,omitempty"`
	StatusCode int      `json:"-"`
	Recovery   []string `json:"recovery,omitempty"`
	Details    any      `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ReasonError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Reason
}

// Is reports reason-code equality so sentinel values work with errors.Is.
func (e *ReasonError) Is(target error) bool {
	var re *ReasonError
	if errors.As(target, &re) {
		return e.Reason == re.Reason
	}
	return false
}

// WithMessage returns a copy of the error with a custom message.
func (e *ReasonError) WithMessage(message string) *ReasonError {
	c := *e
	c.Message = message
	return &c
}

// WithMessagef returns a copy of the error with a formatted message.
func (e *ReasonError) WithMessagef(format string, args ...any) *ReasonError {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithRecovery returns a copy of the error with recovery suggestions.
func (e *ReasonError) WithRecovery(steps ...string) *ReasonError {
	c := *e
	c.Recovery = steps
	return &c
}

// WithDetails returns a copy of the error with structured details.
func (e *ReasonError) WithDetails(details any) *ReasonError {
	c := *e
	c.Details = details
	return &c
}

// Standard error definitions.
var (
	// ErrWriterLockBusy is returned when another process holds the repo writer lock.
	ErrWriterLockBusy = &ReasonError{
		Reason:     "writer_lock_busy",
		Message:    "another process holds the writer lock for this repo",
		StatusCode: http.StatusConflict,
	}

	// ErrIdentityNotLinked is returned when a command requires a linked identity.
	ErrIdentityNotLinked = &ReasonError{
		Reason:     "identity_not_linked",
		Message:    "no active identity binding for this channel principal",
		StatusCode: http.StatusForbidden,
		Recovery:   []string{"link this channel identity with /mu link"},
	}

	// ErrMissingScope is returned when the binding lacks the command's required scope.
	ErrMissingScope = &ReasonError{
		Reason:     "missing_scope",
		Message:    "identity binding does not carry the required scope",
		StatusCode: http.StatusForbidden,
	}

	// ErrIdempotencyConflict is returned when an idempotency key is reused with a
	// different fingerprint.
	ErrIdempotencyConflict = &ReasonError{
		Reason:     "idempotency_conflict",
		Message:    "idempotency key was already used for a different command",
		StatusCode: http.StatusConflict,
	}

	// ErrBindingExists is returned when linking reuses a known binding id.
	ErrBindingExists = &ReasonError{
		Reason:     "binding_exists",
		Message:    "binding id already exists",
		StatusCode: http.StatusConflict,
	}

	// ErrPrincipalAlreadyLinked is returned when a channel principal already has an
	// active binding.
	ErrPrincipalAlreadyLinked = &ReasonError{
		Reason:     "principal_already_linked",
		Message:    "this channel principal already has an active binding",
		StatusCode: http.StatusConflict,
	}

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = &ReasonError{
		Reason:     "not_found",
		Message:    "not found",
		StatusCode: http.StatusNotFound,
	}

	// ErrInvalidActor is returned when an actor is not allowed to perform the mutation.
	ErrInvalidActor = &ReasonError{
		Reason:     "invalid_actor",
		Message:    "actor is not allowed to perform this action",
		StatusCode: http.StatusForbidden,
	}

	// ErrAlreadyInactive is returned when unlinking or revoking a non-active binding.
	ErrAlreadyInactive = &ReasonError{
		Reason:     "already_inactive",
		Message:    "binding is already unlinked or revoked",
		StatusCode: http.StatusConflict,
	}

	// ErrInvalidJSON is returned when a request body fails to decode.
	ErrInvalidJSON = &ReasonError{
		Reason:     "invalid_json",
		Message:    "request body is not valid JSON",
		StatusCode: http.StatusBadRequest,
	}

	// ErrUnauthorized is returned when a control API caller fails authentication.
	ErrUnauthorized = &ReasonError{
		Reason:     "unauthorized",
		Message:    "authentication required",
		StatusCode: http.StatusUnauthorized,
	}

	// ErrRateLimited is returned when the in-process rate limiter rejects a request.
	ErrRateLimited = &ReasonError{
		Reason:     "rate_limited",
		Message:    "too many requests",
		StatusCode: http.StatusTooManyRequests,
	}

	// ErrInternal is returned for unexpected server errors.
	ErrInternal = &ReasonError{
		Reason:     "internal_error",
		Message:    "an internal error occurred",
		StatusCode: http.StatusInternalServerError,
	}
)

// NewVerificationError creates a 401 error for a channel verification failure,
// e.g. "invalid_slack_signature" or "stale_discord_timestamp".
func NewVerificationError(reason string) *ReasonError {
	return &ReasonError{
		Reason:     reason,
		StatusCode: http.StatusUnauthorized,
	}
}

// NewValidationError creates a validation error for a specific field.
func NewValidationError(field, message string) *ReasonError {
	return &ReasonError{
		Reason:     "validation_error",
		Message:    fmt.Sprintf("validation failed: %s", message),
		StatusCode: http.StatusBadRequest,
		Details: map[string]string{
			"field": field,
			"error": message,
		},
	}
}

// New creates a ReasonError with an arbitrary reason code.
func New(reason string, status int) *ReasonError {
	return &ReasonError{Reason: reason, StatusCode: status}
}

// Reason extracts the reason code from an error, or "internal_error".
func Reason(err error) string {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ErrInternal.Reason
}

// AsReasonError converts an error to a ReasonError if possible.
// Returns ErrInternal if the error carries no reason code.
func AsReasonError(err error) *ReasonError {
	var re *ReasonError
	if errors.As(err, &re) {
		return re
	}
	return ErrInternal
}
