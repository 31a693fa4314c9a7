package models

import (
	"errors"
	"fmt"
)

// Code classifies errors reported to clients.
type Code string

const (
	CodeUnauthenticated  Code = "unauthenticated"
	CodeNotJoined        Code = "not_joined"
	CodeInvalidMessage   Code = "invalid_message"
	CodeInvalidPayload   Code = "invalid_payload"
	CodeForbidden        Code = "forbidden"
	CodeNotFound         Code = "not_found"
	CodeStoreUnavailable Code = "store_unavailable"
	CodeInternal         Code = "internal"
)

// Error is a classified error. Two Errors match with errors.Is when their codes are equal.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrUnauthenticated  = New(CodeUnauthenticated, "authentication required")
	ErrNotJoined        = New(CodeNotJoined, "join a channel before sending")
	ErrInvalidMessage   = New(CodeInvalidMessage, "message text is empty")
	ErrInvalidPayload   = New(CodeInvalidPayload, "invalid payload")
	ErrForbidden        = New(CodeForbidden, "forbidden")
	ErrNotFound         = New(CodeNotFound, "not found")
	ErrStoreUnavailable = New(CodeStoreUnavailable, "message store unavailable")
)

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func NotFound(format string, args ...any) error {
	return New(CodeNotFound, fmt.Sprintf(format, args...))
}

func Forbidden(format string, args ...any) error {
	return New(CodeForbidden, fmt.Sprintf(format, args...))
}

func InvalidPayload(format string, args ...any) error {
	return New(CodeInvalidPayload, fmt.Sprintf(format, args...))
}

// Unavailable wraps a storage backend failure.
func Unavailable(op string, cause error) error {
	return Wrap(CodeStoreUnavailable, op, cause)
}

// CodeOf returns the code of the first classified error in err's chain,
// or CodeInternal for unclassified errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsRetryable reports whether the operation that produced err may succeed if repeated.
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeStoreUnavailable
}
