package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies engine failures. Each type maps onto one problem
// status in the HTTP layer.
type ErrorType string

const (
	// ErrTypeValidation is malformed input: empty names, negative limits
	ErrTypeValidation ErrorType = "VALIDATION"
	// ErrTypeNotFound is a missing product, tier or license
	ErrTypeNotFound ErrorType = "NOT_FOUND"
	// ErrTypeIntegrity is a broken reference, like a tier of another product
	ErrTypeIntegrity ErrorType = "INTEGRITY"
	// ErrTypeConflict is a mutation refused in the current state, like
	// deleting a product that still owns tiers
	ErrTypeConflict ErrorType = "CONFLICT"
	// ErrTypeStorage is a failing backing store
	ErrTypeStorage ErrorType = "STORAGE"
	// ErrTypeConfig is an unusable configuration at startup
	ErrTypeConfig ErrorType = "CONFIG"
)

// AppError is a typed engine error. Context entries become problem
// extension members, except for storage errors.
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("[%s] %s", e.Type, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
}

func (e *AppError) Unwrap() error { return e.Cause }

// WithContext attaches key=value and returns e for chaining
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = map[string]interface{}{}
	}
	e.Context[key] = value
	return e
}

func newError(t ErrorType, msg string, cause error) *AppError {
	return &AppError{Type: t, Message: msg, Cause: cause}
}

// NewAppValidationError reports rejected input
func NewAppValidationError(message string) *AppError {
	return newError(ErrTypeValidation, message, nil)
}

// NewNotFoundError reports that resource does not exist
func NewNotFoundError(resource string) *AppError {
	return newError(ErrTypeNotFound, resource+" not found", nil)
}

// NewIntegrityError reports a reference that does not hold
func NewIntegrityError(message string) *AppError {
	return newError(ErrTypeIntegrity, message, nil)
}

// NewConflictError reports a mutation blocked by dependents
func NewConflictError(message string) *AppError {
	return newError(ErrTypeConflict, message, nil)
}

// NewStorageError wraps a backend failure
func NewStorageError(message string, cause error) *AppError {
	return newError(ErrTypeStorage, message, cause)
}

// NewConfigError reports a configuration the server cannot start with
func NewConfigError(message string, cause error) *AppError {
	return newError(ErrTypeConfig, message, cause)
}

// TypeOf returns the type of the outermost AppError in err's chain, or ""
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return ""
	}
	return appErr.Type
}

// IsType reports whether err wraps an AppError of type t
func IsType(err error, t ErrorType) bool {
	return TypeOf(err) == t && t != ""
}
