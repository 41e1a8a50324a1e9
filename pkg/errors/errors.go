package errors

import (
	"errors"
	"fmt"
)

// Standard error codes shared across packages. Domain packages are free to
// define their own codes as long as they follow the same UPPER_SNAKE_CASE
// convention.
const (
	CodeNotFound        = "NOT_FOUND"
	CodeInvalidArgument  = "INVALID_ARGUMENT"
	CodeAlreadyExists    = "ALREADY_EXISTS"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeUnavailable      = "UNAVAILABLE"
	CodeInternal         = "INTERNAL"
	CodeTimeout          = "TIMEOUT"
	CodeConflict         = "CONFLICT"
)

// AppError is the standard structured error used across the system.
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// New builds an AppError with the given code, message and optional cause.
func New(code, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// Wrap attaches a message to err, preserving it as the chain's cause.
// If err is already an *AppError its code is preserved.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return &AppError{Code: ae.Code, Message: message, Cause: err}
	}
	return &AppError{Code: CodeInternal, Message: message, Cause: err}
}

// Is reports whether err (or its chain) is an AppError carrying the given code.
func Is(err error, code string) bool {
	var ae *AppError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == code
}

// Code returns the AppError code for err, or "" if err is not an AppError.
func Code(err error) string {
	var ae *AppError
	if !errors.As(err, &ae) {
		return ""
	}
	return ae.Code
}
