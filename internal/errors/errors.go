package errors

import (
	"errors"
	"fmt"
)

// Error is the typed error carried across service boundaries. It pairs a
// machine-readable code with structured context so callers can build
// deterministic user-facing messages.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	cause   error
}

// New creates a typed error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithDetail returns the error with an added structured detail field.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches errors by code so sentinel-style comparison works:
//
//	errors.Is(err, apierrors.New(apierrors.ErrCodeOrderNotFound, ""))
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers don't need to import both this package and the
// standard library errors package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// CodeOf extracts the ErrorCode from any error, or ErrCodeInternalError
// when the error is not typed.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternalError
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// InvalidState builds the order invalid-state error with the current and
// required states attached, the shape handlers rely on for messaging.
func InvalidState(current, required string) *Error {
	return New(ErrCodeOrderInvalidState, "order is not in a state that permits this operation").
		WithDetail("current_state", current).
		WithDetail("required_state", required)
}

// InvalidAmount builds the payment invalid-amount error with expected and
// received amounts attached.
func InvalidAmount(expected, received, currency string) *Error {
	return New(ErrCodeInvalidAmount, "payment amount does not match invoice").
		WithDetail("expected", expected).
		WithDetail("received", received).
		WithDetail("currency", currency)
}

// Banned builds the user-banned error carrying the ban reason.
func Banned(reason string) *Error {
	return New(ErrCodeUserBanned, "user is banned").WithDetail("reason", reason)
}
