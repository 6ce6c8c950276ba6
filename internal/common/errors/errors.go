// Package errors provides standardized error handling for the subscription engine.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Caller-correctable input problems. Never retried.
	ErrCodeSubscriptionInvalid ErrorCode = "SUBSCRIPTION_INVALID"

	// Authorization handler denied the subscription or panicked.
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// Per-user active subscription ceiling hit.
	ErrCodeSubscriptionLimitReached ErrorCode = "SUBSCRIPTION_LIMIT_REACHED"

	// Underlying persistence failure. Possibly transient; retry is the
	// caller's responsibility.
	ErrCodeStoreFailure ErrorCode = "STORE_FAILURE"

	// Catch-all for unexpected failures inside event processing.
	ErrCodeOperationFailed ErrorCode = "OPERATION_FAILED"

	// Attempted transition out of a terminal status, or any other
	// disallowed status move.
	ErrCodeIllegalStatusTransition ErrorCode = "ILLEGAL_STATUS_TRANSITION"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is / errors.As chains.
func (e *StandardError) Unwrap() error {
	return e.cause
}

// Is matches StandardErrors by code so callers can check with
// errors.Is(err, &StandardError{Code: ErrCodeStoreFailure}).
func (e *StandardError) Is(target error) bool {
	var se *StandardError
	if !errors.As(target, &se) {
		return false
	}
	return e.Code == se.Code
}

// CodeOf extracts the ErrorCode from err, or empty string if err is not a
// StandardError.
func CodeOf(err error) ErrorCode {
	var se *StandardError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsRetryable reports whether err carries a retryable StandardError.
func IsRetryable(err error) bool {
	var se *StandardError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// NewValidationError creates a non-retryable invalid subscription error.
func NewValidationError(details string) *StandardError {
	return &StandardError{
		Code:      ErrCodeSubscriptionInvalid,
		Message:   "Subscription failed validation",
		Details:   details,
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewPermissionDeniedError creates a non-retryable authorization error.
func NewPermissionDeniedError(userID, subscriptionType string) *StandardError {
	return &StandardError{
		Code:      ErrCodePermissionDenied,
		Message:   "Not authorized to create this subscription",
		Details:   fmt.Sprintf("userId: %s, type: %s", userID, subscriptionType),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}

// NewLimitReachedError creates a non-retryable quota error.
func NewLimitReachedError(userID string, limit int) *StandardError {
	return &StandardError{
		Code:      ErrCodeSubscriptionLimitReached,
		Message:   "Active subscription limit reached for user",
		Details:   fmt.Sprintf("userId: %s, limit: %d", userID, limit),
		Retryable: false,
		Metadata:  map[string]interface{}{"limit": limit},
		Timestamp: time.Now().UTC(),
	}
}

// NewStoreError wraps an underlying persistence failure. Retryable because
// store failures are commonly transient (I/O, network).
func NewStoreError(op string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeStoreFailure,
		Message:   "Subscription store operation failed",
		Details:   fmt.Sprintf("op: %s, error: %v", op, err),
		Retryable: true,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewOperationFailedError wraps an unexpected failure during event processing.
func NewOperationFailedError(op string, err error) *StandardError {
	return &StandardError{
		Code:      ErrCodeOperationFailed,
		Message:   "Engine operation failed",
		Details:   fmt.Sprintf("op: %s, error: %v", op, err),
		Retryable: false,
		Timestamp: time.Now().UTC(),
		cause:     err,
	}
}

// NewIllegalTransitionError creates a non-retryable status transition error.
func NewIllegalTransitionError(from, to string) *StandardError {
	return &StandardError{
		Code:      ErrCodeIllegalStatusTransition,
		Message:   "Illegal subscription status transition",
		Details:   fmt.Sprintf("from: %s, to: %s", from, to),
		Retryable: false,
		Timestamp: time.Now().UTC(),
	}
}
