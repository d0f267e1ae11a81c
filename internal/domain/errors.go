package domain

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable, machine-readable error classification that survives
// transport boundaries.  Every error returned by an orchestrator operation
// carries exactly one code.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeInvalidArgument    Code = "invalid_argument"
	CodeCredentialsMissing Code = "credentials_missing"
	CodeAuthFailed         Code = "authentication_failed"
	CodeRateLimited        Code = "rate_limited"
	CodeRemoteUnavailable  Code = "remote_unavailable"
	CodeProcessStartFailed Code = "process_start_failed"
	CodeUnknown            Code = "unknown"
)

// Error is the taxonomy error type shared across packages.  Message is safe
// to show to an operator; Detail may contain raw provider output or stderr
// text and must only ever reach logs.
type Error struct {
	Code       Code
	Message    string
	Detail     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds a taxonomy error with a formatted operator-safe message.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and operator-safe message to an underlying error.
func Wrap(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the taxonomy code from err, walking the wrap chain.
// Errors outside the taxonomy report [CodeUnknown].
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// RetryAfterOf returns the retry hint carried by err, or zero.
func RetryAfterOf(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.RetryAfter
	}
	return 0
}
