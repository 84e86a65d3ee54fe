package http

import (
	"encoding/json"
	"errors"
	"net/http"
)

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error   string      `json:"error"`             // Machine-readable error code
	Message string      `json:"message"`           // Human-readable message
	Details interface{} `json:"details,omitempty"` // Optional additional context
}

// AppError is a typed application error carrying its HTTP status and a
// machine-readable code. Err is the wrapped cause and is never sent to
// clients.
type AppError struct {
	Status  int
	Code    string
	Message string
	Details interface{}
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// AsAppError unwraps err to an *AppError if one is in the chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

func NewValidationError(message string, details interface{}) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: "validation_error", Message: message, Details: details}
}

func NewBadRequestError(message string) *AppError {
	return &AppError{Status: http.StatusBadRequest, Code: "bad_request", Message: message}
}

func NewAuthenticationError(message string) *AppError {
	return &AppError{Status: http.StatusUnauthorized, Code: "unauthorized", Message: message}
}

func NewAuthorizationError(message string) *AppError {
	return &AppError{Status: http.StatusForbidden, Code: "forbidden", Message: message}
}

func NewNotFoundError(message string) *AppError {
	return &AppError{Status: http.StatusNotFound, Code: "not_found", Message: message}
}

func NewConflictError(message string) *AppError {
	return &AppError{Status: http.StatusConflict, Code: "conflict", Message: message}
}

func NewLockedError(message string, details interface{}) *AppError {
	return &AppError{Status: http.StatusLocked, Code: "account_locked", Message: message, Details: details}
}

func NewRateLimitError(message string) *AppError {
	return &AppError{Status: http.StatusTooManyRequests, Code: "rate_limit_exceeded", Message: message}
}

// NewInternalError wraps an unexpected error behind a generic message.
func NewInternalError(err error) *AppError {
	return &AppError{Status: http.StatusInternalServerError, Code: "internal_error", Message: "An unexpected error occurred", Err: err}
}

// WriteJSON writes v as a JSON body with the given status code
func WriteJSON(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	WriteErrorWithDetails(w, statusCode, errorCode, message, nil)
}

// WriteErrorWithDetails writes a JSON error response with additional details
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, errorCode, message string, details interface{}) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error:   errorCode,
		Message: message,
		Details: details,
	})
}

// WriteAppError renders an AppError.
func WriteAppError(w http.ResponseWriter, err *AppError) {
	WriteErrorWithDetails(w, err.Status, err.Code, err.Message, err.Details)
}

// Common error writers for consistency
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func WriteForbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, "forbidden", message)
}
