// Package apperr defines the domain error type shared by the battle packages.
//
// Every error returned to a UI-layer caller can be classified with CodeOf. The
// Message of an Error is safe to show to a player; Cause holds the internal detail.
package apperr

import "errors"

// Code is a machine-readable error code.
type Code string

const (
	CodeUnknown Code = "UNKNOWN"

	// Not-found: referenced session, invitation or objective is absent.
	CodeNotFound Code = "NOT_FOUND"

	// Precondition failures. Never retried.
	CodePreconditionFailed Code = "PRECONDITION_FAILED"
	CodeBattleFull         Code = "BATTLE_FULL"
	CodeAlreadyMember      Code = "ALREADY_MEMBER"
	CodeAlreadyResolved    Code = "ALREADY_RESOLVED"
	CodeLockHeld           Code = "LOCK_HELD"
	CodeWaveMissing        Code = "WAVE_MISSING"

	// Transient store conditions (propagation lag, contention, network).
	CodeTransient Code = "TRANSIENT"

	// Faults raised inside the store client itself.
	CodeStoreInternal Code = "STORE_INTERNAL"
)

// Error is the domain error type.
type Error struct {
	Code    Code
	Message string
	Cause   error
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

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and user-facing message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether a bounded retry may succeed.
func Retryable(err error) bool {
	return Is(err, CodeTransient)
}

// UserMessage returns the message to show a player. Internal and unknown
// failures collapse to a generic message.
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "Something went wrong. Please try again."
	}
	switch e.Code {
	case CodeTransient, CodeStoreInternal, CodeUnknown:
		return "Something went wrong. Please try again."
	}
	return e.Message
}
