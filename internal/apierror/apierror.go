// Package apierror defines the typed error kinds surfaced by the runtime's
// HTTP surface and SSE protocol, per spec section 7 ("Error handling
// design"). Every error kind carries a trace id for correlation.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code enumerates the closed set of error kinds the runtime can surface.
type Code string

const (
	// BadRequest indicates malformed input (missing required field, unknown
	// enum value).
	BadRequest Code = "BAD_REQUEST"
	// Unauthorized indicates missing or invalid tenant/user identification.
	Unauthorized Code = "UNAUTHORIZED"
	// Forbidden indicates the caller is identified but not permitted.
	Forbidden Code = "FORBIDDEN"
	// SessionNotFound indicates the referenced session does not exist or has
	// been evicted and cannot be rehydrated.
	SessionNotFound Code = "SESSION_NOT_FOUND"
	// InvalidTransition indicates the FSM refused the event in the current
	// state.
	InvalidTransition Code = "INVALID_TRANSITION"
	// Conflict indicates the atomic FSM advance lost the race beyond the
	// retry budget.
	Conflict Code = "CONFLICT"
	// RateLimited indicates too many in-flight requests for the tenant.
	RateLimited Code = "RATE_LIMITED"
	// UpstreamError indicates the LLM, data service, or object store failed.
	UpstreamError Code = "UPSTREAM_ERROR"
	// InternalError indicates an unexpected condition.
	InternalError Code = "INTERNAL_ERROR"
)

// HTTPStatus maps an error Code to the HTTP status used before any SSE frame
// has been emitted.
func (c Code) HTTPStatus() int {
	switch c {
	case BadRequest:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case SessionNotFound:
		return http.StatusNotFound
	case InvalidTransition, Conflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case UpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether callers should expect a retry of the same
// request to plausibly succeed.
func (c Code) Retryable() bool {
	switch c {
	case RateLimited, UpstreamError, Conflict:
		return true
	default:
		return false
	}
}

// Error is a structured runtime error carrying a Code, a human-readable
// message, a trace id for correlation, and an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	TraceID string
	Cause   error
}

// New constructs an Error with the given code, message, and trace id.
func New(code Code, traceID, message string) *Error {
	return &Error{Code: code, Message: message, TraceID: traceID}
}

// Wrap constructs an Error that carries an underlying cause.
func Wrap(code Code, traceID string, cause error) *Error {
	if cause == nil {
		return nil
	}
	var existing *Error
	if errors.As(cause, &existing) {
		return existing
	}
	return &Error{Code: code, Message: cause.Error(), TraceID: traceID, Cause: cause}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s (trace=%s)", e.Code, e.Message, e.TraceID)
}

// Unwrap returns the wrapped cause, supporting errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Retryable reports whether the error's code signals a retryable condition.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Code.Retryable()
}
