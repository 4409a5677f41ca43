package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidArgument       ErrorCode = "INVALID_ARGUMENT"
	ErrorNotFound              ErrorCode = "NOT_FOUND"
	ErrorAlreadyExists         ErrorCode = "ALREADY_EXISTS"
	ErrorUnavailable           ErrorCode = "UNAVAILABLE"
	ErrorInternalInconsistency ErrorCode = "INTERNAL_INCONSISTENCY"
)

// Error is the error type returned by every store and service in the module.
// Code is the coarse taxonomy callers branch on; Reason names the concrete
// condition and is stable enough to assert on in tests.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by code, and by reason when the target has one.
// This lets errors.Is(err, ErrNotFound) match every NOT_FOUND error while
// errors.Is(err, ErrProfileNotFound) only matches the profile variant.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Code != e.Code {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// NewError builds an *Error.
func NewError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func InvalidArgument(reason string) *Error {
	return &Error{Code: ErrorInvalidArgument, Reason: reason}
}

func NotFound(reason string) *Error {
	return &Error{Code: ErrorNotFound, Reason: reason}
}

func AlreadyExists(reason string) *Error {
	return &Error{Code: ErrorAlreadyExists, Reason: reason}
}

// Unavailable wraps a store failure that is safe to retry with backoff.
func Unavailable(reason string, err error) *Error {
	return &Error{Code: ErrorUnavailable, Reason: reason, Err: err}
}

// Code-only sentinels for errors.Is.
var (
	ErrInvalidArgument       = &Error{Code: ErrorInvalidArgument}
	ErrNotFound              = &Error{Code: ErrorNotFound}
	ErrAlreadyExists         = &Error{Code: ErrorAlreadyExists}
	ErrUnavailable           = &Error{Code: ErrorUnavailable}
	ErrInternalInconsistency = &Error{Code: ErrorInternalInconsistency}
)

// CodeOf returns the taxonomy code of err, or "" when err is not an *Error.
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ReasonOf returns the reason of err, or "" when err is not an *Error.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
