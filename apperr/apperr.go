// Package apperr provides the error taxonomy shared across ingestion,
// graph storage, and GraphRAG components. Errors carry a stable Code so
// callers across process boundaries (control-plane API, drivers, sinks)
// can branch on failure kind without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable error classification shared by every component.
type Code string

const (
	InvalidInput        Code = "INVALID_INPUT"
	NotFound            Code = "NOT_FOUND"
	PermissionDenied    Code = "PERMISSION_DENIED"
	TenantMismatch      Code = "TENANT_MISMATCH"
	AlreadyExists       Code = "ALREADY_EXISTS"
	Conflict            Code = "CONFLICT"
	RateLimited         Code = "RATE_LIMITED"
	UpstreamUnavailable Code = "UPSTREAM_UNAVAILABLE"
	RetriableTransport  Code = "RETRIABLE_TRANSPORT"
	Internal            Code = "INTERNAL"
)

// Error wraps an underlying cause with a stable Code and optional field.
type Error struct {
	Code    Code
	Message string
	Field   string
	cause   error
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error that preserves cause for errors.Is/As chains.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithField attaches a field name to an error (e.g. the invalid config key).
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// CodeOf extracts the Code from err, defaulting to Internal for unclassified errors.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return Internal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retriable reports whether the scheduler should retry the operation that
// produced err. Only RETRIABLE_TRANSPORT and RATE_LIMITED are retriable;
// everything else stops the run per spec.md §4.1.
func Retriable(err error) bool {
	c := CodeOf(err)
	return c == RetriableTransport || c == RateLimited
}
