package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents a contract violation detected by the engine.
//
// Runtime errors include:
//   - Stale handles: a killed timer or a context used after its callback
//   - Late registration: registering a source after the first Main
//   - Reentrancy: calling Main from inside one of its own callbacks
//
// Sentinels such as ErrStaleTimer match any RuntimeError with the same
// code through errors.Is, so callers need not inspect details.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Dispatcher is the index of the affected dispatcher, or -1.
	Dispatcher int

	// Details contains additional context.
	Details map[string]string
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeStaleTimer indicates a killed, foreign or never created timer.
	ErrCodeStaleTimer RuntimeErrorCode = "STALE_TIMER"

	// ErrCodeStaleContext indicates a context used after its callback returned.
	ErrCodeStaleContext RuntimeErrorCode = "STALE_CONTEXT"

	// ErrCodeRegistrationClosed indicates registration after Main has run.
	ErrCodeRegistrationClosed RuntimeErrorCode = "REGISTRATION_CLOSED"

	// ErrCodeReentrant indicates Main was called from within Main.
	ErrCodeReentrant RuntimeErrorCode = "REENTRANT_MAIN"

	// ErrCodeInvalidArgument indicates a bad period, delay or callback.
	ErrCodeInvalidArgument RuntimeErrorCode = "INVALID_ARGUMENT"

	// ErrCodeIllegalState indicates an operation not allowed for the
	// current event, such as replacing the callback of an internal source.
	ErrCodeIllegalState RuntimeErrorCode = "ILLEGAL_STATE"

	// ErrCodeExhausted indicates the memory pool or timer budget ran out.
	ErrCodeExhausted RuntimeErrorCode = "EXHAUSTED"
)

// Sentinels for errors.Is.
var (
	ErrStaleTimer         = &RuntimeError{Code: ErrCodeStaleTimer}
	ErrStaleContext       = &RuntimeError{Code: ErrCodeStaleContext}
	ErrRegistrationClosed = &RuntimeError{Code: ErrCodeRegistrationClosed}
	ErrReentrant          = &RuntimeError{Code: ErrCodeReentrant}
	ErrInvalidArgument    = &RuntimeError{Code: ErrCodeInvalidArgument}
	ErrIllegalState       = &RuntimeError{Code: ErrCodeIllegalState}
	ErrExhausted          = &RuntimeError{Code: ErrCodeExhausted}
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	if e.Dispatcher >= 0 {
		return fmt.Sprintf("%s: %s (dispatcher=%d)", e.Code, e.Message, e.Dispatcher)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is a RuntimeError with the same code.
func (e *RuntimeError) Is(target error) bool {
	var re *RuntimeError
	if errors.As(target, &re) {
		return re.Code == e.Code
	}
	return false
}

func newRuntimeError(code RuntimeErrorCode, disp int, format string, args ...any) *RuntimeError {
	return &RuntimeError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Dispatcher: disp,
		Details:    map[string]string{"dispatcher": fmt.Sprintf("%d", disp)},
	}
}

// IsStaleError returns true if the error reports a stale timer or context.
// Uses errors.As to handle wrapped errors.
func IsStaleError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeStaleTimer || re.Code == ErrCodeStaleContext
	}
	return false
}

// IsContractError returns true for any engine-detected contract violation
// other than resource exhaustion.
func IsContractError(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code != ErrCodeExhausted
	}
	return false
}
