// Package apperr defines the error kinds surfaced to websocket clients.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind string

const (
	// KindValidation marks malformed or contradictory requests, rejected before any side effect.
	KindValidation Kind = "validation"
	// KindAuthorization marks an actor that does not own the target.
	KindAuthorization Kind = "authorization"
	// KindCapacity marks size, count or rate limits being exceeded.
	KindCapacity Kind = "capacity"
	// KindStorage marks persistence or blob-store failures.
	KindStorage Kind = "storage"
	// KindNotFound marks an unknown message, group or user.
	KindNotFound Kind = "not_found"
)

// Error is a domain error carrying a Kind and a client-safe message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error without a cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Validation creates a validation error.
func Validation(msg string) *Error {
	return New(KindValidation, msg)
}

// Unauthorized creates an authorization error.
func Unauthorized(msg string) *Error {
	return New(KindAuthorization, msg)
}

// NotFound creates a not-found error.
func NotFound(msg string) *Error {
	return New(KindNotFound, msg)
}

// Capacity creates a capacity error.
func Capacity(msg string) *Error {
	return New(KindCapacity, msg)
}

// From converts err into an *Error. Errors that already carry a Kind are
// returned unchanged; anything else is wrapped with kind and msg.
func From(err error, kind Kind, msg string) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf extracts the Kind of err, defaulting to KindStorage for foreign errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindStorage
}

// Message returns the client-safe message for err.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}
