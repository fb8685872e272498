// Package faults defines the error taxonomy shared by the orchestration layer:
// transient I/O, validation, exchange (retryable or not) and fatal errors.
package faults

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
)

// Category is the coarse class an error belongs to. Every category has its
// own counter in observability.
type Category string

const (
	CategoryNone       Category = ""
	CategoryTransient  Category = "transient_io"
	CategoryValidation Category = "validation"
	CategoryExchange   Category = "exchange"
	CategoryFatal      Category = "fatal"
)

// ValidationError rejects malformed input synchronously. No state is mutated
// when one is returned.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransientError marks network or store timeouts. These are retried at the
// next natural tick, never in a loop.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// ExchangeError is a failure reported by the exchange collaborator.
type ExchangeError struct {
	Op        string
	Code      int64
	Message   string
	Retryable bool
	Err       error
}

func (e *ExchangeError) Error() string {
	kind := "non-retryable"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Code != 0 {
		return fmt.Sprintf("exchange %s (%s, code %d): %s", e.Op, kind, e.Code, e.Message)
	}
	return fmt.Sprintf("exchange %s (%s): %s", e.Op, kind, e.Message)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// Sentinels for the non-retryable exchange conditions that invalidate a
// session's credentials.
var (
	ErrAuth                = errors.New("authentication failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRateLimited         = errors.New("rate limited")
	ErrTimeout             = errors.New("timeout")
)

// NewExchangeError classifies a raw exchange failure.
func NewExchangeError(op string, code int64, message string, cause error) *ExchangeError {
	e := &ExchangeError{Op: op, Code: code, Message: message, Err: cause}
	switch {
	case errors.Is(cause, ErrRateLimited), errors.Is(cause, ErrTimeout):
		e.Retryable = true
	case errors.Is(cause, ErrAuth), errors.Is(cause, ErrInsufficientBalance):
		e.Retryable = false
	default:
		e.Retryable = isRetryableMessage(message)
	}
	return e
}

// FatalError is an unexpected failure (usually a recovered panic) caught at
// a per-session or per-strategy boundary.
type FatalError struct {
	Value interface{}
	Stack string
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal: %v", e.Value) }

// Recover converts a panic into a FatalError stored in *errp. Use as
// `defer faults.Recover(&err)`.
func Recover(errp *error) {
	if r := recover(); r != nil {
		*errp = &FatalError{Value: r, Stack: string(debug.Stack())}
	}
}

// Classify returns the category of err. Typed errors win; untyped errors
// fall back to message patterns.
func Classify(err error) Category {
	if err == nil {
		return CategoryNone
	}

	var validation *ValidationError
	var transient *TransientError
	var exchange *ExchangeError
	var fatal *FatalError

	switch {
	case errors.As(err, &validation):
		return CategoryValidation
	case errors.As(err, &exchange):
		return CategoryExchange
	case errors.As(err, &transient):
		return CategoryTransient
	case errors.As(err, &fatal):
		return CategoryFatal
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTransient
	}

	if isRetryableMessage(strings.ToLower(err.Error())) {
		return CategoryTransient
	}
	return CategoryFatal
}

// IsRetryable reports whether err may succeed on a later tick.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var exchange *ExchangeError
	if errors.As(err, &exchange) {
		return exchange.Retryable
	}
	return Classify(err) == CategoryTransient
}

// InvalidatesCredentials reports whether err means the session's credentials
// should be treated as invalid until corrected.
func InvalidatesCredentials(err error) bool {
	var exchange *ExchangeError
	if !errors.As(err, &exchange) || exchange.Retryable {
		return false
	}
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrInsufficientBalance)
}

var retryablePatterns = []string{
	"rate limit",
	"timeout",
	"connection refused",
	"connection reset",
	"temporary failure",
	"service unavailable",
	"gateway timeout",
	"too many requests",
	"deadlock",
	"serialization failure",
	"429",
	"503",
	"504",
}

func isRetryableMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
