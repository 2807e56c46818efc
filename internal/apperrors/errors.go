// Package apperrors provides structured application errors with HTTP status mapping.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation          = errors.New("validation error")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrInternal            = errors.New("internal error")
	ErrNotConnected        = errors.New("not connected")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrStartupTimeout      = errors.New("startup timeout")
	ErrProcessSpawn        = errors.New("process spawn error")
	ErrUpstream            = errors.New("upstream error")
	ErrTimeout             = errors.New("timeout")
	ErrCancelled           = errors.New("cancelled")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "prompt", "scene_name")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "comfyui.submit")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and the cause so both match errors.Is().
func (e *Error) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Sentinel, e.Cause}
	}
	return []error{e.Sentinel}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// NotConnected reports that no peer session is available for an outbound message.
func NotConnected(op string) error {
	return &Error{
		Sentinel: ErrNotConnected,
		Message:  fmt.Sprintf("%s: no connected session", op),
		Op:       op,
	}
}

// ConnectionClosed reports that the session carrying a request went away.
func ConnectionClosed(op string) error {
	return &Error{
		Sentinel: ErrConnectionClosed,
		Message:  fmt.Sprintf("%s: connection closed", op),
		Op:       op,
	}
}

// ProviderUnavailable reports that no healthy provider could take the work.
func ProviderUnavailable(message string) error {
	return &Error{
		Sentinel: ErrProviderUnavailable,
		Message:  message,
	}
}

// StartupTimeout reports that a supervised process never became ready.
func StartupTimeout(op string, waited fmt.Stringer) error {
	return &Error{
		Sentinel: ErrStartupTimeout,
		Message:  fmt.Sprintf("%s: not ready after %s", op, waited),
		Op:       op,
	}
}

// ProcessSpawn reports that a supervised process could not be launched.
func ProcessSpawn(op string, cause error) error {
	return &Error{
		Sentinel: ErrProcessSpawn,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// Upstream reports a non-2xx answer from a provider.
func Upstream(op string, statusCode int, body string) error {
	msg := fmt.Sprintf("%s: upstream returned HTTP %d", op, statusCode)
	if body != "" {
		msg += ": " + body
	}
	return &Error{
		Sentinel: ErrUpstream,
		Message:  msg,
		Op:       op,
		Cause:    &StatusError{StatusCode: statusCode},
	}
}

// Timeout reports that an RPC or polling bound was exceeded.
func Timeout(op string, waited fmt.Stringer) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("%s: timed out after %s", op, waited),
		Op:       op,
	}
}

// Cancelled reports work stopped by someone other than the caller, such as
// a provider dropping a queued job.
func Cancelled(resource, id, by string) error {
	return &Error{
		Sentinel: ErrCancelled,
		Message:  fmt.Sprintf("%s %s was cancelled by %s", resource, id, by),
		Resource: resource,
	}
}

// StatusError carries the HTTP status code of an upstream failure.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsServerError reports whether err wraps a 5xx upstream status.
func IsServerError(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500
	}
	return false
}
