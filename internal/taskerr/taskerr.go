// Copyright 2025 James Ross

// Package taskerr defines the sentinel error kinds shared across the
// pipeline, plus IsRetryable, which sorts them into terminal kinds and
// everything else.
package taskerr

import "errors"

var (
	// ErrNotFound means a task id has no corresponding row in the task store.
	ErrNotFound = errors.New("task not found")

	// ErrInvalidInput means a caller-supplied submission failed validation
	// (bad URL, unknown platform, unknown dimension, oversized/unsupported video).
	ErrInvalidInput = errors.New("invalid task input")

	// ErrLocked means a task's Redis lock is currently held by another worker.
	ErrLocked = errors.New("task is locked by another worker")

	// ErrRetriesExhausted means a task's retry budget has been spent and it
	// has been moved to the failed-job list.
	ErrRetriesExhausted = errors.New("task retries exhausted")

	// ErrCircuitOpen means the model provider circuit breaker is open and
	// calls are being short-circuited.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrDimensionRejected means a single dimension's generation or
	// parsing failed; it does not count against the task's retry budget.
	ErrDimensionRejected = errors.New("dimension tagging rejected")
)

// IsRetryable reports whether err (or one wrapped inside it) is a kind
// that a retry.Policy should ever attempt again. ErrInvalidInput,
// ErrRetriesExhausted and ErrNotFound are terminal; everything else is left to the
// caller's Classifier, which inspects the underlying transport error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrRetriesExhausted) || errors.Is(err, ErrNotFound) {
		return false
	}
	return true
}
