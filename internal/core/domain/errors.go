package domain

import "errors"

var (
	ErrInvalidID       = errors.New("invalid stock id")
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrInvalidStrategy = errors.New("invalid lock strategy")

	ErrNotFound          = errors.New("stock record not found")
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrConflict is a version mismatch on a conditional write.
	ErrConflict = errors.New("version conflict")
	// ErrLockTimeout means the lock could not be obtained within its wait budget.
	ErrLockTimeout = errors.New("lock wait timeout")
	// ErrCoordinatorUnavailable is never retried and never downgraded to an
	// unsynchronized write.
	ErrCoordinatorUnavailable = errors.New("lock coordinator unavailable")

	ErrNotHolder = errors.New("lock not held by caller")
)

// Retryable reports whether the engine may retry an attempt that failed with err.
func Retryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrLockTimeout)
}
