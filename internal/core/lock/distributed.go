package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/stocklock/internal/core/domain"
	"github.com/rl1809/stocklock/internal/port"
)

type leased struct {
	coord port.Coordinator
	cfg   Config
}

func (l leased) trySet(ctx context.Context, key, holder string) (*domain.LockToken, bool, error) {
	start := time.Now()
	ok, err := l.coord.TrySet(ctx, key, holder, l.cfg.LeaseDuration)
	if err != nil {
		if ctx.Err() != nil {
			// The SET may have landed before the caller went away.
			l.abandon(ctx, key, holder)
			return nil, false, ctx.Err()
		}
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &domain.LockToken{
		ResourceKey: key,
		HolderID:    holder,
		Expiry:      start.Add(l.cfg.LeaseDuration),
	}, true, nil
}

func (l leased) release(ctx context.Context, token *domain.LockToken) error {
	if token == nil {
		return nil
	}
	ctx, cancel := cleanupContext(ctx)
	defer cancel()

	ok, err := l.coord.Delete(ctx, token.ResourceKey, token.HolderID)
	if err != nil {
		return fmt.Errorf("release %s: %w", token.ResourceKey, err)
	}
	if !ok {
		// Lease ran out and someone else may own the key now.
		return fmt.Errorf("release %s: %w", token.ResourceKey, domain.ErrNotHolder)
	}
	return nil
}

func (l leased) abandon(ctx context.Context, key, holder string) {
	ctx, cancel := cleanupContext(ctx)
	defer cancel()
	_, _ = l.coord.Delete(ctx, key, holder)
}

func (l leased) timeout(key string) error {
	return fmt.Errorf("acquire %s within %s: %w", key, l.cfg.LockWaitTimeout, domain.ErrLockTimeout)
}

// Spin polls the coordinator with set-if-absent, sleeping a backoff interval
// between failed attempts until the lock wait timeout. Every failed attempt
// is a round trip to the coordinator.
type Spin struct {
	leased
}

func NewSpin(coord port.Coordinator, cfg Config) *Spin {
	return &Spin{leased{coord: coord, cfg: cfg}}
}

func (s *Spin) Kind() Kind { return KindSpin }

func (s *Spin) Acquire(ctx context.Context, _ port.Scope, id string) (*domain.LockToken, error) {
	key := domain.ResourceKey(id)
	holder := uuid.NewString()
	deadline := time.Now().Add(s.cfg.LockWaitTimeout)

	for attempt := 1; ; attempt++ {
		token, ok, err := s.trySet(ctx, key, holder)
		if err != nil {
			return nil, err
		}
		if ok {
			return token, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, s.timeout(key)
		}
		if err := Wait(ctx, min(s.cfg.Retry.Backoff(attempt), remaining)); err != nil {
			return nil, err
		}
	}
}

func (s *Spin) Release(ctx context.Context, _ port.Scope, token *domain.LockToken) error {
	return s.release(ctx, token)
}

// PubSub tries once, then parks on the key's release channel instead of
// polling. A missed notification costs at most one lease duration because
// each wait is capped by it.
type PubSub struct {
	leased
}

func NewPubSub(coord port.Coordinator, cfg Config) *PubSub {
	return &PubSub{leased{coord: coord, cfg: cfg}}
}

func (p *PubSub) Kind() Kind { return KindPubSub }

func (p *PubSub) Acquire(ctx context.Context, _ port.Scope, id string) (*domain.LockToken, error) {
	key := domain.ResourceKey(id)
	holder := uuid.NewString()
	deadline := time.Now().Add(p.cfg.LockWaitTimeout)

	var sub port.Subscription
	defer func() {
		if sub != nil {
			_ = sub.Close()
		}
	}()

	for wakes := 0; ; {
		token, ok, err := p.trySet(ctx, key, holder)
		if err != nil {
			return nil, err
		}
		if ok {
			return token, nil
		}

		if sub == nil {
			// Subscribe, then try again before waiting: a release between
			// the first attempt and the subscription would otherwise be lost.
			sub, err = p.coord.SubscribeToRelease(ctx, key)
			if err != nil {
				return nil, fmt.Errorf("subscribe %s: %w", key, err)
			}
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, p.timeout(key)
		}

		timer := time.NewTimer(min(remaining, p.cfg.LeaseDuration))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		case <-sub.C():
			timer.Stop()
		}

		// Waiters that already lost a wake-up race back off before the next
		// try so one release does not stampede the coordinator.
		wakes++
		if wakes > 1 {
			if err := Wait(ctx, min(p.cfg.Retry.Backoff(wakes-1), time.Until(deadline))); err != nil {
				return nil, err
			}
		}
	}
}

func (p *PubSub) Release(ctx context.Context, _ port.Scope, token *domain.LockToken) error {
	return p.release(ctx, token)
}
