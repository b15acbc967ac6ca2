package errors

import (
	"errors"
	"fmt"
)

// Authentication outcomes. Only the coarse kind is surfaced to callers.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrMalformedCredential = errors.New("malformed credential")
	ErrVerifierUnavailable = errors.New("verifier unavailable")
)

// Client errors.
var (
	ErrInvalidSource = errors.New("invalid source override")
	ErrInvalidQuery  = errors.New("invalid query request")
	ErrKeyNotFound   = errors.New("api key not found")

	ErrInvalidKeyRequest = errors.New("invalid key request")
)

// Server/transport errors.
var (
	ErrExecutorRequest  = errors.New("executor request failed")
	ErrExecutorResponse = errors.New("unexpected executor response")
)

// ExecutorClass separates executor failures the caller can fix from
// ones it should retry.
type ExecutorClass string

const (
	ExecutorClient ExecutorClass = "client"
	ExecutorServer ExecutorClass = "server"
)

// ExecutorError is a failure reported by, or on the way to, the query
// executor. It is passed through to callers with its class intact.
type ExecutorError struct {
	Class   ExecutorClass
	Status  int
	Message string
	// RetryAfter is the executor's Retry-After header, if it sent one.
	RetryAfter string
	Err        error
}

func (e *ExecutorError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("executor %s error (HTTP %d): %s", e.Class, e.Status, e.Message)
	}

	return fmt.Sprintf("executor %s error: %s", e.Class, e.Message)
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}

// IsClient reports whether the caller caused the failure.
func (e *ExecutorError) IsClient() bool {
	return e.Class == ExecutorClient
}

// AsExecutorError unwraps err to an *ExecutorError if it holds one.
func AsExecutorError(err error) (*ExecutorError, bool) {
	var ee *ExecutorError
	if errors.As(err, &ee) {
		return ee, true
	}

	return nil, false
}
