package errors

import (
	"fmt"
	"net/http"
)

// API error codes, carried as the error_code problem extension
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeInvalidParameter = "INVALID_PARAMETER"
)

// APIError is a request-level failure found before the engine is called:
// an undecodable body, a rejected field, a bad query parameter.
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// ValidationError describes one rejected request field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func badRequest(code, message string, details interface{}) *APIError {
	return &APIError{StatusCode: http.StatusBadRequest, ErrorCode: code, Message: message, Details: details}
}

// InvalidRequestWithError reports a body that could not be decoded
func InvalidRequestWithError(err error) *APIError {
	return badRequest(CodeInvalidRequest, "Invalid request format", err.Error())
}

// NewValidationErrors reports every field that failed validation
func NewValidationErrors(errs []ValidationError) *APIError {
	return badRequest(CodeValidationFailed, "Request validation failed", errs)
}

// ErrInvalidParameter reports a malformed query or path parameter
func ErrInvalidParameter(name, reason string) *APIError {
	return badRequest(CodeInvalidParameter, fmt.Sprintf("invalid value for %s", name),
		ValidationError{Field: name, Message: reason})
}
