package port

import (
	"context"
	"time"

	"github.com/rl1809/stocklock/internal/core/domain"
)

type StockStore interface {
	// Begin opens a new, independent unit of work. It never joins a
	// transaction carried by ctx.
	Begin(ctx context.Context) (Scope, error)

	// AcquireNamedLock takes a session-level advisory lock. It is not tied to
	// any Scope and survives commit and rollback until ReleaseNamedLock.
	AcquireNamedLock(ctx context.Context, name string, timeout time.Duration) (*domain.LockToken, error)

	// ReleaseNamedLock releases a lock returned by AcquireNamedLock.
	ReleaseNamedLock(ctx context.Context, token *domain.LockToken) error

	// Seed creates or overwrites a record. Provisioning only.
	Seed(ctx context.Context, id string, quantity int64) error
}

// Scope is one unit of work against the store. Writes become visible on
// Commit only; Rollback after Commit is a no-op.
type Scope interface {
	// Get returns domain.ErrNotFound when no record exists.
	Get(ctx context.Context, id string) (domain.StockRecord, error)

	// CompareAndWrite writes only if the stored version still equals
	// expectedVersion, and reports false otherwise.
	CompareAndWrite(ctx context.Context, id string, newQuantity, expectedVersion int64) (bool, error)

	// Write stores newQuantity without a version check.
	Write(ctx context.Context, id string, newQuantity int64) error

	// AcquireRowLock takes an exclusive row lock held until Commit or Rollback.
	// It returns domain.ErrLockTimeout if timeout elapses first.
	AcquireRowLock(ctx context.Context, id string, timeout time.Duration) (*domain.LockToken, error)

	// ReleaseRowLock marks the token released; the lock itself ends with the scope.
	ReleaseRowLock(ctx context.Context, token *domain.LockToken) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
