// Package errs classifies failures across the autoland pipeline.
//
// Fallible operations wrap their errors as either transient (retryable
// within the caller's budget) or fatal (abort immediately). The sentinel
// errors name the terminal failure kinds that surface to users.
package errs

import "errors"

// Sentinel errors for terminal failure kinds.
var (
	// ErrNotFound marks an unknown branch, bug, or attachment.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput marks malformed request data, an invalid attachment
	// body, or a missing required patch header.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPermissionDenied marks a reviewer, approver, or landing user who
	// is not in the required directory group.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTreeClosed marks a branch that currently refuses landings.
	ErrTreeClosed = errors.New("tree closed")

	// ErrTimeout marks a wall-clock ceiling being hit.
	ErrTimeout = errors.New("timed out")
)

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

// Transient wraps an error as transient (retryable).
func Transient(err error) error {
	if err == nil {
		return nil
	}
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

// Fatal wraps an error as fatal (non-retryable).
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{err: err}
}

// IsTransient returns true if the error should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
