package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Validation and lookup error codes
const (
	ErrValidation   ErrorCode = "VALIDATION"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrInvalidState ErrorCode = "INVALID_STATE"
)

// Transient error codes (retriable)
const (
	ErrTransient  ErrorCode = "TRANSIENT"
	ErrTimeout    ErrorCode = "TIMEOUT"
	ErrRateLimit  ErrorCode = "RATE_LIMIT"
	ErrConnection ErrorCode = "CONNECTION"
)

// Policy and concurrency error codes
const (
	ErrAuthorization      ErrorCode = "AUTHORIZATION"
	ErrManualIntervention ErrorCode = "MANUAL_INTERVENTION"
	ErrVersionConflict    ErrorCode = "VERSION_CONFLICT"
	ErrConcurrency        ErrorCode = "CONCURRENCY"
	ErrCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	ErrCancelled          ErrorCode = "CANCELLED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Resource  string    `json:"resource,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithResource sets the resource the error relates to (agent name,
// thread id, request id).
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// GetErrorCode extracts the error code from an error, unwrapping as needed.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// IsRetryable checks if an error is retryable. Timeouts, connection
// failures, and rate-limit signals count as retryable even when not
// explicitly flagged.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		if e.Retryable {
			return true
		}
		switch e.Code {
		case ErrTransient, ErrTimeout, ErrRateLimit, ErrConnection:
			return true
		}
	}
	return false
}
