// Package apierr provides a standardised error response format for the
// scenelink HTTP API.
//
// Every error response returned by the API uses the same JSON envelope:
//
//	{
//	  "ok":       false,
//	  "error":    "human-readable description",
//	  "code":     "MACHINE_READABLE_CODE",
//	  "status":   400
//	}
//
// This makes error handling predictable for all API consumers: clients can
// branch on the "code" field for programmatic handling and show the "error"
// field to humans.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/denizumutdereli/scenelink/pkg/core"
)

// ---------------------------------------------------------------------------
// Error codes: stable, machine-readable identifiers.
//
// These codes form part of the public API contract. Removing or renaming a
// code is a breaking change; adding new codes is always safe.
// ---------------------------------------------------------------------------

const (
	// General
	CodeBadRequest       = "BAD_REQUEST"
	CodeInvalidJSON      = "INVALID_JSON"
	CodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeNotFound         = "NOT_FOUND"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeConflict         = "CONFLICT"
	CodeUnavailable      = "UNAVAILABLE"

	// Scene domain
	CodeServerRequired  = "SERVER_REQUIRED"
	CodeServerNotFound  = "SERVER_NOT_FOUND"
	CodeLineRequired    = "LINE_REQUIRED"
	CodeModeConflict    = "MODE_CONFLICT"
	CodeEditorOnly      = "EDITOR_ONLY"
	CodeActorNotFound   = "ACTOR_NOT_FOUND"
	CodePresetNotFound  = "PRESET_NOT_FOUND"
	CodeInvalidArgs     = "INVALID_ARGS"
	CodeJournalDisabled = "JOURNAL_DISABLED"
)

// ---------------------------------------------------------------------------
// Response type
// ---------------------------------------------------------------------------

// Response is the standard error envelope returned to API clients.
type Response struct {
	OK     bool   `json:"ok"`
	Error  string `json:"error"`
	Code   string `json:"code"`
	Status int    `json:"status"`
}

// ---------------------------------------------------------------------------
// Writer helpers
// ---------------------------------------------------------------------------

// Write serialises an error Response and writes it to w with the appropriate
// HTTP status code. Content-Type is always set to application/json.
func Write(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(Response{
		OK:     false,
		Error:  message,
		Code:   code,
		Status: status,
	})
}

// ---------------------------------------------------------------------------
// Convenience shortcuts for the most common error patterns.
// Each function maps to a specific HTTP status + error code pair so that
// handler code stays concise.
// ---------------------------------------------------------------------------

// BadRequest writes a 400 response with the given code and message.
func BadRequest(w http.ResponseWriter, code, msg string) {
	Write(w, http.StatusBadRequest, code, msg)
}

// NotFound writes a 404 response.
func NotFound(w http.ResponseWriter, code, msg string) {
	Write(w, http.StatusNotFound, code, msg)
}

// MethodNotAllowed writes a 405 response.
func MethodNotAllowed(w http.ResponseWriter) {
	Write(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
}

// Unauthorized writes a 401 response.
func Unauthorized(w http.ResponseWriter, msg string) {
	Write(w, http.StatusUnauthorized, CodeUnauthorized, msg)
}

// TooManyRequests writes a 429 response.
func TooManyRequests(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "too many requests"
	}
	Write(w, http.StatusTooManyRequests, CodeRateLimited, msg)
}

// Conflict writes a 409 response.
func Conflict(w http.ResponseWriter, code, msg string) {
	Write(w, http.StatusConflict, code, msg)
}

// Internal writes a 500 response.
func Internal(w http.ResponseWriter, msg string) {
	Write(w, http.StatusInternalServerError, CodeInternalError, msg)
}

// InvalidJSON writes a 400 response for malformed request bodies.
func InvalidJSON(w http.ResponseWriter) {
	BadRequest(w, CodeInvalidJSON, "invalid JSON in request body")
}

// PayloadTooLarge writes a 413 response when body/content exceeds configured bounds.
func PayloadTooLarge(w http.ResponseWriter, msg string) {
	if msg == "" {
		msg = "payload too large"
	}
	Write(w, http.StatusRequestEntityTooLarge, CodePayloadTooLarge, msg)
}

// ServerRequired writes a 400 response when no protocol server is named.
func ServerRequired(w http.ResponseWriter) {
	BadRequest(w, CodeServerRequired, "server query parameter or field required")
}

// LineRequired writes a 400 response when a command line is empty.
func LineRequired(w http.ResponseWriter) {
	BadRequest(w, CodeLineRequired, "line field required")
}

// Unavailable writes a 503 response.
func Unavailable(w http.ResponseWriter, msg string) {
	Write(w, http.StatusServiceUnavailable, CodeUnavailable, msg)
}

// Classify maps a scene error onto an HTTP status and error code.
func Classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrModeConflict):
		return http.StatusConflict, CodeModeConflict
	case errors.Is(err, core.ErrEditorOnly):
		return http.StatusConflict, CodeEditorOnly
	case errors.Is(err, core.ErrPresetNotFound):
		return http.StatusNotFound, CodePresetNotFound
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, CodeActorNotFound
	case errors.Is(err, core.ErrArgs), errors.Is(err, core.ErrEmptyArgs),
		errors.Is(err, core.ErrParse), errors.Is(err, core.ErrUnknownCommand):
		return http.StatusBadRequest, CodeInvalidArgs
	case errors.Is(err, core.ErrNoWorld):
		return http.StatusServiceUnavailable, CodeUnavailable
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}

// FromError writes err with the status and code Classify picks.
func FromError(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	Write(w, status, code, err.Error())
}
