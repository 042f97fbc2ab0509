package lock

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rl1809/stocklock/internal/core/domain"
	"github.com/rl1809/stocklock/internal/port"
)

type Kind string

const (
	KindNone        Kind = "none"
	KindMutex       Kind = "mutex"
	KindPessimistic Kind = "pessimistic"
	KindOptimistic  Kind = "optimistic"
	KindNamed       Kind = "named"
	KindSpin        Kind = "spin"
	KindPubSub      Kind = "pubsub"
)

var kinds = []Kind{KindNone, KindMutex, KindPessimistic, KindOptimistic, KindNamed, KindSpin, KindPubSub}

func ParseKind(s string) (Kind, error) {
	for _, k := range kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown %q", domain.ErrInvalidStrategy, s)
}

// Conditional reports whether writes under this strategy must be
// version-checked. Leased locks can be held twice after an expiry, so the
// distributed variants re-validate like the optimistic one.
func (k Kind) Conditional() bool {
	return k == KindOptimistic || k == KindSpin || k == KindPubSub
}

// ScopeBound reports whether the lock lives inside the attempt's scope. Every
// other kind is acquired before the scope opens, so a waiter holds no store
// connection.
func (k Kind) ScopeBound() bool {
	return k == KindPessimistic
}

// Distributed reports whether the strategy depends on a remote coordinator.
func (k Kind) Distributed() bool {
	return k == KindSpin || k == KindPubSub
}

// Strategy guards the critical section of one decrement attempt.
type Strategy interface {
	Kind() Kind

	// Acquire blocks until the resource for id is held, the wait budget runs
	// out (domain.ErrLockTimeout) or ctx is done. A nil token means nothing
	// needs releasing.
	Acquire(ctx context.Context, scope port.Scope, id string) (*domain.LockToken, error)

	Release(ctx context.Context, scope port.Scope, token *domain.LockToken) error
}

// VersionBinder is implemented by strategies that enforce ordering through the
// version read at the start of the attempt instead of a lock.
type VersionBinder interface {
	BindVersion(rec domain.StockRecord) int64
}

type Config struct {
	LockWaitTimeout time.Duration
	LeaseDuration   time.Duration
	Retry           RetryPolicy
}

// Registry holds one instance of every strategy the wiring can support.
type Registry struct {
	strategies map[Kind]Strategy
}

// NewRegistry builds every strategy. The distributed ones are left out when
// coord is nil.
func NewRegistry(store port.StockStore, coord port.Coordinator, cfg Config) *Registry {
	r := &Registry{strategies: map[Kind]Strategy{
		KindNone:        noneStrategy{},
		KindMutex:       NewMutex(),
		KindPessimistic: NewPessimistic(cfg.LockWaitTimeout),
		KindOptimistic:  NewOptimistic(),
		KindNamed:       NewNamed(store, cfg.LockWaitTimeout),
	}}
	if coord != nil {
		r.strategies[KindSpin] = NewSpin(coord, cfg)
		r.strategies[KindPubSub] = NewPubSub(coord, cfg)
	}
	return r
}

func (r *Registry) Get(kind Kind) (Strategy, error) {
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", domain.ErrInvalidStrategy, kind)
	}
	return s, nil
}

func (r *Registry) Kinds() []Kind {
	out := make([]Kind, 0, len(r.strategies))
	for k := range r.strategies {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// noneStrategy performs no synchronization. Concurrent callers can lose
// updates; it exists as a baseline.
type noneStrategy struct{}

func (noneStrategy) Kind() Kind { return KindNone }

func (noneStrategy) Acquire(context.Context, port.Scope, string) (*domain.LockToken, error) {
	return nil, nil
}

func (noneStrategy) Release(context.Context, port.Scope, *domain.LockToken) error { return nil }

const releaseTimeout = 5 * time.Second

// cleanupContext keeps releases running after the caller has given up.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
}
