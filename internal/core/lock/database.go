package lock

import (
	"context"
	"errors"
	"time"

	"github.com/rl1809/stocklock/internal/core/domain"
	"github.com/rl1809/stocklock/internal/port"
)

// Pessimistic locks the stock row inside the attempt's scope. The row lock
// lives until the scope commits or rolls back.
type Pessimistic struct {
	wait time.Duration
}

func NewPessimistic(lockWaitTimeout time.Duration) *Pessimistic {
	return &Pessimistic{wait: lockWaitTimeout}
}

func (p *Pessimistic) Kind() Kind { return KindPessimistic }

func (p *Pessimistic) Acquire(ctx context.Context, scope port.Scope, id string) (*domain.LockToken, error) {
	if scope == nil {
		return nil, errors.New("pessimistic lock requires a scope")
	}
	return scope.AcquireRowLock(ctx, id, p.wait)
}

func (p *Pessimistic) Release(ctx context.Context, scope port.Scope, token *domain.LockToken) error {
	if token == nil || scope == nil {
		return nil
	}
	return scope.ReleaseRowLock(ctx, token)
}

// Optimistic takes no lock; the write is conditioned on the version read at
// the start of the attempt and the engine retries on mismatch.
type Optimistic struct{}

func NewOptimistic() *Optimistic { return &Optimistic{} }

func (*Optimistic) Kind() Kind { return KindOptimistic }

func (*Optimistic) Acquire(context.Context, port.Scope, string) (*domain.LockToken, error) {
	return nil, nil
}

func (*Optimistic) Release(context.Context, port.Scope, *domain.LockToken) error { return nil }

func (*Optimistic) BindVersion(rec domain.StockRecord) int64 { return rec.Version }

// Named holds a store-level advisory lock on its own session. The lock does
// not end with the scope and must be released explicitly.
type Named struct {
	store port.StockStore
	wait  time.Duration
}

func NewNamed(store port.StockStore, lockWaitTimeout time.Duration) *Named {
	return &Named{store: store, wait: lockWaitTimeout}
}

func (n *Named) Kind() Kind { return KindNamed }

func (n *Named) Acquire(ctx context.Context, _ port.Scope, id string) (*domain.LockToken, error) {
	if n.store == nil {
		return nil, errors.New("named lock requires a store")
	}
	return n.store.AcquireNamedLock(ctx, domain.ResourceKey(id), n.wait)
}

func (n *Named) Release(ctx context.Context, _ port.Scope, token *domain.LockToken) error {
	if token == nil {
		return nil
	}
	ctx, cancel := cleanupContext(ctx)
	defer cancel()
	return n.store.ReleaseNamedLock(ctx, token)
}
