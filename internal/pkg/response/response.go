// Package response provides JSON response helpers for control-plane handlers.
package response

import (
	"encoding/json"
	"net/http"

	cperrors "github.com/getmu/control-plane/internal/pkg/errors"
)

// Envelope is the wire shape shared by the HTTP API and the CLI:
// successes carry {"ok":true,"result":...}, failures {"ok":false,"error":"<reason>"}.
type Envelope struct {
	OK       bool     `json:"ok"`
	Result   any      `json:"result,omitempty"`
	Error    string   `json:"error,omitempty"`
	Message  string   `json:"message,omitempty"`
	Recovery []string `json:"recovery,omitempty"`
	Details  any      `json:"details,omitempty"`
}

// JSON writes an arbitrary JSON body with the given status code.
func JSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Too late to change the status; the body is best-effort from here.
		http.Error(w, `{"ok":false,"error":"internal_error"}`, http.StatusInternalServerError)
	}
}

// OK writes a 200 envelope with a result payload.
func OK(w http.ResponseWriter, result any) {
	JSON(w, http.StatusOK, Envelope{OK: true, Result: result})
}

// Created writes a 201 envelope with a result payload.
func Created(w http.ResponseWriter, result any) {
	JSON(w, http.StatusCreated, Envelope{OK: true, Result: result})
}

// Accepted writes a 202 envelope with a result payload.
func Accepted(w http.ResponseWriter, result any) {
	JSON(w, http.StatusAccepted, Envelope{OK: true, Result: result})
}

// NoContent writes a 204 response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error writes a reason-coded error envelope.
func Error(w http.ResponseWriter, err error) {
	re := cperrors.AsReasonError(err)
	JSON(w, re.StatusCode, Envelope{
		OK:       false,
		Error:    re.Reason,
		Message:  re.Message,
		Recovery: re.Recovery,
		Details:  re.Details,
	})
}

// ErrorWithStatus writes a reason-coded error envelope with an overridden status.
func ErrorWithStatus(w http.ResponseWriter, status int, err error) {
	re := cperrors.AsReasonError(err)
	JSON(w, status, Envelope{
		OK:       false,
		Error:    re.Reason,
		Message:  re.Message,
		Recovery: re.Recovery,
		Details:  re.Details,
	})
}

// BadRequest writes a 400 validation failure.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, cperrors.ErrInvalidJSON.WithMessage(message))
}

// Unauthorized writes a 401 envelope.
func Unauthorized(w http.ResponseWriter) {
	Error(w, cperrors.ErrUnauthorized)
}

// NotFound writes a 404 envelope.
func NotFound(w http.ResponseWriter) {
	Error(w, cperrors.ErrNotFound)
}

// InternalError writes a 500 envelope.
func InternalError(w http.ResponseWriter) {
	Error(w, cperrors.ErrInternal)
}

// ValidationError writes a 400 envelope for a single invalid field.
func ValidationError(w http.ResponseWriter, field, message string) {
	Error(w, cperrors.NewValidationError(field, message))
}
