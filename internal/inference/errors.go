package inference

import (
	"errors"
	"fmt"
)

// Error types for classifying inference errors.

// TransientError represents a temporary error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// RateLimitError is returned when the provider throttles the caller.
type RateLimitError struct {
	err error
}

func (e *RateLimitError) Error() string {
	return "rate limited: " + e.err.Error()
}

func (e *RateLimitError) Unwrap() error {
	return e.err
}

// NewRateLimitError wraps an error as a rate-limit rejection.
func NewRateLimitError(err error) error {
	return &RateLimitError{err: err}
}

// SecurityError is returned when a request violates provider or platform
// policy. It always halts the interaction.
type SecurityError struct {
	err error
}

func (e *SecurityError) Error() string {
	return "security policy violation: " + e.err.Error()
}

func (e *SecurityError) Unwrap() error {
	return e.err
}

// NewSecurityError wraps an error as a policy violation.
func NewSecurityError(err error) error {
	return &SecurityError{err: err}
}

// SchemaError is returned when a structured response does not match the
// declared schema.
type SchemaError struct {
	Operation string
	Raw       string
	Err       error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: response does not match schema: %v", e.Operation, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsRateLimit reports whether err is a rate-limit rejection.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// IsSecurity reports whether err is a policy violation.
func IsSecurity(err error) bool {
	var sec *SecurityError
	return errors.As(err, &sec)
}

// IsSchemaMismatch reports whether err is a structured-output mismatch.
func IsSchemaMismatch(err error) bool {
	var schema *SchemaError
	return errors.As(err, &schema)
}

// retryable reports whether the delegated retry loop may try again.
// Unclassified errors count as transient.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, errToolLoop) {
		return false
	}
	return !IsFatal(err) && !IsRateLimit(err) && !IsSecurity(err) && !IsSchemaMismatch(err)
}
