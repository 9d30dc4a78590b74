// Package fault defines the error taxonomy shared by every courier process.
// Each error carries a Kind that maps one-to-one to an HTTP status, so
// handlers and clients agree on retriability without string matching.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error.
type Kind int

const (
	// Internal is an unexpected bug. Maps to 500.
	Internal Kind = iota
	// Validation is malformed input per contract. Maps to 400.
	Validation
	// Authentication is a missing or invalid certificate or token. Maps to 401.
	Authentication
	// Authorization is an authenticated caller lacking permission. Maps to 403.
	Authorization
	// NotFound is a resource that does not exist. Maps to 404.
	NotFound
	// Conflict is a duplicate or stale state. Maps to 409.
	Conflict
	// RateLimited is an exhausted per-client budget. Maps to 429.
	RateLimited
	// Transient is a retriable downstream failure (store, queue, authority
	// unreachable). Maps to 503; workers sleep and requeue.
	Transient
	// Permanent is a non-retriable downstream failure. Workers mark the
	// message failed and never requeue. Maps to 502 when surfaced over HTTP.
	Permanent
)

// String returns the wire tag for the kind.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation_error"
	case Authentication:
		return "authentication_error"
	case Authorization:
		return "authorization_error"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case RateLimited:
		return "rate_limit_exceeded"
	case Transient:
		return "transient_dependency_error"
	case Permanent:
		return "permanent_dependency_error"
	default:
		return "internal_error"
	}
}

// HTTPStatus returns the response code for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case Validation:
		return http.StatusBadRequest
	case Authentication:
		return http.StatusUnauthorized
	case Authorization:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case Transient:
		return http.StatusServiceUnavailable
	case Permanent:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified error. Field is set for validation failures,
// RetryAfter (seconds) for rate-limit rejections.
type Error struct {
	Kind       Kind
	Message    string
	Field      string
	RetryAfter int
	err        error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, e.Message)
	}
	if e.err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// New builds an error of the given kind.
func New(k Kind, msg string) *Error {
	return &Error{Kind: k, Message: msg}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. Returns nil if err is nil.
func Wrap(k Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Message: msg, err: err}
}

// Invalid builds a validation error for a named field.
func Invalid(field, reason string) *Error {
	return &Error{Kind: Validation, Field: field, Message: reason}
}

// Limited builds a rate-limit error with a retry hint in seconds.
func Limited(retryAfter int) *Error {
	return &Error{Kind: RateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// KindOf extracts the kind from any error in the chain.
// Unclassified errors report Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, k Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == k
	}
	return false
}

// Retriable reports whether a worker should sleep and requeue after err.
func Retriable(err error) bool {
	return Is(err, Transient)
}
