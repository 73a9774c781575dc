// Package api is the HTTP surface of the consent core: route handlers,
// identity and surge middleware, idempotency replay, and the uniform error
// envelope every failure returns.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MacroAcon/Tavren-sub000/pkg/agent"
	"github.com/MacroAcon/Tavren-sub000/pkg/blob"
	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/insight"
	"github.com/MacroAcon/Tavren-sub000/pkg/packaging"
	"github.com/MacroAcon/Tavren-sub000/pkg/store"
)

// Error codes carried by the envelope. Clients branch on these, never on
// message text.
const (
	CodeValidation  = "VALIDATION_ERROR"
	CodeAuth        = "AUTH_ERROR"
	CodeForbidden   = "FORBIDDEN"
	CodeNotFound    = "NOT_FOUND"
	CodeRateLimited = "RATE_LIMITED"
	CodeConflict    = "CONFLICT"
	CodeIntegrity   = "INTEGRITY_ERROR"
	CodeDependency  = "DEPENDENCY_ERROR"
	CodeInternal    = "INTERNAL_ERROR"
)

// Envelope is the uniform error response body.
type Envelope struct {
	ErrorCode  string         `json:"error_code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"status_code"`
	Details    map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Envelope) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorCode, e.Message)
}

// WriteError writes the error envelope with the given status and code.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteErrorDetails(w, status, code, message, nil)
}

// WriteErrorDetails writes the envelope with an optional details block for
// failures that carry structured context, such as restricted-user counts.
func WriteErrorDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&Envelope{
		ErrorCode:  code,
		Message:    message,
		StatusCode: status,
		Details:    details,
	})
}

// WriteValidationError writes a 400 response.
func WriteValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidation, message)
}

// WriteAuthError writes a 401 response.
func WriteAuthError(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, CodeAuth, message)
}

// WriteForbidden writes a 403 response.
func WriteForbidden(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// WriteNotFound writes a 404 response.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// WriteConflict writes a 409 response.
func WriteConflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeConflict, message)
}

// WriteRateLimited writes a 429 response with a Retry-After header.
func WriteRateLimited(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded. Retry after the specified interval.")
}

// WriteIntegrityError writes a 500 response for hash or decrypt mismatches.
func WriteIntegrityError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeIntegrity, message)
}

// WriteDependencyError writes a 503 response for unreachable backends.
func WriteDependencyError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusServiceUnavailable, CodeDependency, message)
}

// WriteInternal writes a 500 response. The error is logged but never sent
// to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, CodeInternal, "An unexpected error occurred. Please try again later.")
}

// WriteDomainError maps a typed error from the service layer onto the
// envelope taxonomy. Unrecognized errors become INTERNAL_ERROR and are
// logged, never leaked.
func WriteDomainError(w http.ResponseWriter, err error) {
	var tokenErr *packaging.TokenError
	switch {
	case errors.Is(err, packaging.ErrBadRequest),
		errors.Is(err, insight.ErrInvalidParams),
		errors.Is(err, insight.ErrUnknownMethod),
		errors.Is(err, insight.ErrUnknownQuery),
		errors.Is(err, agent.ErrBadMessage),
		errors.Is(err, consent.ErrInvalidEvent):
		WriteValidationError(w, err.Error())
	case errors.As(err, &tokenErr):
		WriteAuthError(w, err.Error())
	case errors.Is(err, packaging.ErrPackageExpired):
		WriteError(w, http.StatusGone, CodeForbidden, err.Error())
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, consent.ErrEventNotFound),
		errors.Is(err, blob.ErrNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, packaging.ErrDecrypt):
		WriteIntegrityError(w, err.Error())
	case errors.Is(err, consent.ErrLedgerWrite):
		WriteDependencyError(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

// writeJSON writes a success payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
