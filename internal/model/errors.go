package model

import (
	"errors"
	"fmt"
)

// Error is a coded error. Two errors match under errors.Is when their codes
// are equal, so wrapped causes never hide the classification.
type Error struct {
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is matching by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WrapError creates a new error with the same code but with a cause.
func WrapError(base *Error, cause error) *Error {
	return &Error{
		Code:    base.Code,
		Message: base.Message,
		Cause:   cause,
	}
}

var (
	// Credentials and session
	ErrInvalidSecret        = &Error{Code: "INVALID_SECRET", Message: "totp secret is malformed"}
	ErrAuthenticationFailed = &Error{Code: "AUTHENTICATION_FAILED", Message: "broker login failed"}
	ErrUnauthorized         = &Error{Code: "UNAUTHORIZED", Message: "broker rejected session token"}

	// Dispatch
	ErrRateLimitTimeout  = &Error{Code: "RATE_LIMIT_TIMEOUT", Message: "timed out waiting for rate limit token"}
	ErrDispatchFailed    = &Error{Code: "DISPATCH_FAILED", Message: "broker call failed after retries"}
	ErrTransient         = &Error{Code: "TRANSIENT", Message: "transient broker failure"}
	ErrBrokerUnavailable = &Error{Code: "BROKER_UNAVAILABLE", Message: "broker circuit open"}

	// Orders
	ErrRejected          = &Error{Code: "REJECTED", Message: "order rejected by broker"}
	ErrInvalidIntent     = &Error{Code: "INVALID_INTENT", Message: "trade intent is invalid"}
	ErrOrderNotFound     = &Error{Code: "ORDER_NOT_FOUND", Message: "order not found"}
	ErrInvalidTransition = &Error{Code: "INVALID_TRANSITION", Message: "order state does not allow this operation"}
	ErrHalted            = &Error{Code: "HALTED", Message: "order submission halted after ledger failure"}

	// Reconciliation
	ErrDiscrepancy = &Error{Code: "DISCREPANCY", Message: "reconciliation mismatch"}

	// Configuration
	ErrConfigMissing = &Error{Code: "CONFIG_MISSING", Message: "required configuration missing"}
	ErrConfigInvalid = &Error{Code: "CONFIG_INVALID", Message: "configuration value invalid"}
)

// Rejection builds an ErrRejected carrying the broker's reason.
func Rejection(reason string) *Error {
	return WrapError(ErrRejected, errors.New(reason))
}
