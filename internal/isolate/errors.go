package isolate

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode categorizes errors raised while running a function.
type ErrorCode string

const (
	// ErrCodeFunction means the function itself failed: a thrown error, a
	// bad argument to a host call, or a result that cannot be encoded.
	// Never retried.
	ErrCodeFunction ErrorCode = "FUNCTION_ERROR"

	// ErrCodeTimeout means the user or system budget was exceeded.
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeContractViolation means the function asked for something the
	// sandbox cannot provide, e.g. a module that does not exist or an
	// unknown syscall.
	ErrCodeContractViolation ErrorCode = "CONTRACT_VIOLATION"

	// ErrCodeInternal means the host broke one of its own invariants.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// TimeoutKind says which budget ran out.
type TimeoutKind string

const (
	TimeoutUser   TimeoutKind = "user"
	TimeoutSystem TimeoutKind = "system"
)

// Error is the error type returned by the isolate and its environments.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description. For function errors it is
	// the message raised by the function, unaltered.
	Message string

	// Timeout is set for ErrCodeTimeout.
	Timeout TimeoutKind

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Code == ErrCodeTimeout {
		return fmt.Sprintf("%s: %s budget exceeded: %s", e.Code, e.Timeout, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewFunctionError creates an error raised by function code.
func NewFunctionError(format string, args ...any) *Error {
	return &Error{Code: ErrCodeFunction, Message: fmt.Sprintf(format, args...)}
}

// NewTimeoutError creates an error for an exhausted budget.
func NewTimeoutError(kind TimeoutKind, budget time.Duration) *Error {
	return &Error{
		Code:    ErrCodeTimeout,
		Timeout: kind,
		Message: fmt.Sprintf("function ran longer than %s", budget),
	}
}

// NewContractViolation creates an error for a host request the sandbox
// refuses.
func NewContractViolation(format string, args ...any) *Error {
	return &Error{Code: ErrCodeContractViolation, Message: fmt.Sprintf(format, args...)}
}

// NewInternalError creates an error for a broken host invariant.
func NewInternalError(format string, args ...any) *Error {
	return &Error{Code: ErrCodeInternal, Message: fmt.Sprintf(format, args...)}
}

func hasCode(err error, code ErrorCode) bool {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Code == code
	}
	return false
}

// IsFunctionError reports whether err is a function-level error.
func IsFunctionError(err error) bool {
	return hasCode(err, ErrCodeFunction)
}

// IsTimeout reports whether err is a timeout. Uses errors.As to handle
// wrapped errors.
func IsTimeout(err error) bool {
	return hasCode(err, ErrCodeTimeout)
}

// IsContractViolation reports whether err is a sandbox contract violation.
func IsContractViolation(err error) bool {
	return hasCode(err, ErrCodeContractViolation)
}

// IsInternal reports whether err is an internal consistency error.
func IsInternal(err error) bool {
	return hasCode(err, ErrCodeInternal)
}
