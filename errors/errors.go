// Package errors provides structured errors for the session manager: every
// failure carries a stable code so callers can branch on failure class with
// errors.Is instead of matching message text.
package errors

import (
	"errors"
	"time"
)

// Error code constants for structured errors.
const (
	CodeConfigError      = "CONFIG_ERROR"
	CodeSessionDisposed  = "SESSION_DISPOSED"
	CodeNotConnected     = "NOT_CONNECTED"
	CodeConnectTimeout   = "CONNECT_TIMEOUT"
	CodeRetriesExhausted = "RETRIES_EXHAUSTED"
	CodeInvalidCall      = "INVALID_CALL"
	CodeChannelClosed    = "CHANNEL_CLOSED"
	CodeRemoteError      = "REMOTE_ERROR"
)

// Error represents a structured error with a code and optional cause.
type Error struct {
	Code      string
	Message   string
	Cause     error
	Timestamp time.Time
	Context   map[string]interface{}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is matching by error code, allowing comparison
// against sentinel errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code != "" && e.Code == t.Code
}

// WithContext adds context to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewError creates a structured error with the given code, message and cause.
func NewError(code, message string, cause error) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Cause:     cause,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// ErrConfigError creates a config error.
func ErrConfigError(message string, cause error) *Error {
	return NewError(CodeConfigError, message, cause)
}

// ErrSessionDisposed creates a session disposed error. Calls made through a
// stable handle after the session was replaced or the manager was closed
// surface this error.
func ErrSessionDisposed(reason string) *Error {
	if reason == "" {
		reason = "session has been disposed"
	}
	return NewError(CodeSessionDisposed, reason, nil)
}

// ErrNotConnected creates a not connected error.
func ErrNotConnected(operation string) *Error {
	return NewError(CodeNotConnected, "not connected during "+operation, nil).
		WithContext("operation", operation)
}

// ErrConnectTimeout creates a connect timeout error.
func ErrConnectTimeout(endpoint string, timeout time.Duration) *Error {
	return NewError(CodeConnectTimeout, "connect to "+endpoint+" timed out after "+timeout.String(), nil).
		WithContext("endpoint", endpoint)
}

// ErrRetriesExhausted creates a retries exhausted error.
func ErrRetriesExhausted() *Error {
	return NewError(CodeRetriesExhausted, "max retries reached", nil)
}

// ErrInvalidCall creates an invalid call error.
func ErrInvalidCall(method string, cause error) *Error {
	return NewError(CodeInvalidCall, "invalid call to method '"+method+"'", cause).
		WithContext("method", method)
}

// ErrChannelClosed creates a channel closed error.
func ErrChannelClosed(reason string) *Error {
	if reason == "" {
		reason = "channel closed"
	}
	return NewError(CodeChannelClosed, reason, nil)
}

// ErrRemoteError wraps an application-level error returned by the remote peer.
func ErrRemoteError(message string) *Error {
	return NewError(CodeRemoteError, message, nil)
}

// Sentinel errors that can be used with errors.Is comparisons.
var (
	// ErrSessionDisposedSentinel matches any session disposed error.
	ErrSessionDisposedSentinel = &Error{Code: CodeSessionDisposed}

	// ErrNotConnectedSentinel matches any not connected error.
	ErrNotConnectedSentinel = &Error{Code: CodeNotConnected}

	// ErrConnectTimeoutSentinel matches any connect timeout error.
	ErrConnectTimeoutSentinel = &Error{Code: CodeConnectTimeout}

	// ErrRetriesExhaustedSentinel matches any retries exhausted error.
	ErrRetriesExhaustedSentinel = &Error{Code: CodeRetriesExhausted}

	// ErrInvalidCallSentinel matches any invalid call error.
	ErrInvalidCallSentinel = &Error{Code: CodeInvalidCall}

	// ErrChannelClosedSentinel matches any channel closed error.
	ErrChannelClosedSentinel = &Error{Code: CodeChannelClosed}

	// ErrRemoteErrorSentinel matches any remote application error.
	ErrRemoteErrorSentinel = &Error{Code: CodeRemoteError}
)

// IsSessionDisposed checks if the error is a session disposed error.
func IsSessionDisposed(err error) bool {
	return Is(err, ErrSessionDisposedSentinel)
}

// IsNotConnected checks if the error is a not connected error.
func IsNotConnected(err error) bool {
	return Is(err, ErrNotConnectedSentinel)
}

// IsConnectTimeout checks if the error is a connect timeout error.
func IsConnectTimeout(err error) bool {
	return Is(err, ErrConnectTimeoutSentinel)
}

// IsRetriesExhausted checks if the error is a retries exhausted error.
func IsRetriesExhausted(err error) bool {
	return Is(err, ErrRetriesExhaustedSentinel)
}

// IsInvalidCall checks if the error is an invalid call error.
func IsInvalidCall(err error) bool {
	return Is(err, ErrInvalidCallSentinel)
}

// IsChannelClosed checks if the error is a channel closed error.
func IsChannelClosed(err error) bool {
	return Is(err, ErrChannelClosedSentinel)
}

// IsRemoteError checks if the error is an application error from the peer.
func IsRemoteError(err error) bool {
	return Is(err, ErrRemoteErrorSentinel)
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around errors.Is from the standard library.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around errors.As from the standard library.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if any.
// This is a convenience wrapper around errors.Unwrap from the standard library.
func Unwrap(err error) error {
	return errors.Unwrap(err)
}

// New returns an error that formats as the given text.
// This is a convenience wrapper around errors.New from the standard library.
func New(text string) error {
	return errors.New(text)
}
