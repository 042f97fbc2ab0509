package domain

import (
	"context"
	"errors"
)

type Failure string

const (
	FailureNone                   Failure = ""
	FailureInvalidRequest         Failure = "invalid_request"
	FailureNotFound               Failure = "not_found"
	FailureInsufficientStock      Failure = "insufficient_stock"
	FailureConflict               Failure = "conflict"
	FailureLockTimeout            Failure = "lock_timeout"
	FailureCoordinatorUnavailable Failure = "coordinator_unavailable"
	FailureCanceled               Failure = "canceled"
	FailureInternal               Failure = "internal"
)

type DecrementResult struct {
	OK       bool
	Quantity int64 // set only when OK
	Failure  Failure
	Err      error
}

func Succeeded(quantity int64) DecrementResult {
	return DecrementResult{OK: true, Quantity: quantity}
}

func Failed(err error) DecrementResult {
	return DecrementResult{Failure: Classify(err), Err: err}
}

// Classify maps an error returned by the engine onto the result taxonomy.
func Classify(err error) Failure {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidStrategy):
		return FailureInvalidRequest
	case errors.Is(err, ErrNotFound):
		return FailureNotFound
	case errors.Is(err, ErrInsufficientStock):
		return FailureInsufficientStock
	case errors.Is(err, ErrCoordinatorUnavailable):
		return FailureCoordinatorUnavailable
	case errors.Is(err, ErrLockTimeout):
		return FailureLockTimeout
	case errors.Is(err, ErrConflict):
		return FailureConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return FailureCanceled
	default:
		return FailureInternal
	}
}
