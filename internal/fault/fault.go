// ABOUTME: Stable wire-level error codes and the structured error envelope
// ABOUTME: Every failure leaving a gateway is translated into one of these

package fault

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code identifies a failure class. Codes are part of the wire contract and
// must remain stable across releases.
type Code string

const (
	CodeAgentUnavailable Code = "AGENT_UNAVAILABLE"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeToolTimeout      Code = "TOOL_TIMEOUT"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeMessageExpired   Code = "MESSAGE_EXPIRED"
	CodeNotFound         Code = "NOT_FOUND"
	CodeVersionInUse     Code = "VERSION_IN_USE"
	CodeVersionConflict  Code = "VERSION_CONFLICT"
	CodeInternal         Code = "INTERNAL"
)

// Error is a structured failure with a stable code. It implements error and
// serializes to the envelope shape clients depend on.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	// RetryAfter is a hint for transient failures. Zero means no hint.
	RetryAfter time.Duration `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates a fault with the given code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a detail key/value and returns the fault for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRetryAfter sets the retry hint and returns the fault for chaining.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// From extracts a *Error from err. Unclassified errors map to INTERNAL so a
// stable code always reaches the caller.
func From(err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// CodeOf returns the stable code for err, or INTERNAL if unclassified.
func CodeOf(err error) Code {
	return From(err).Code
}

// Is lets errors.Is match faults by code: errors.Is(err, &Error{Code: c}).
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e.Code == fe.Code
}

// HTTPStatus maps a code to the HTTP status the gateway responds with.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeVersionInUse, CodeVersionConflict:
		return http.StatusConflict
	case CodeMessageExpired:
		return http.StatusGone
	case CodeToolTimeout:
		return http.StatusGatewayTimeout
	case CodeAgentUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the failure class is transient. Validation and
// permission failures are never retried.
func (e *Error) Retryable() bool {
	return e.Code == CodeAgentUnavailable || e.Code == CodeInternal
}
