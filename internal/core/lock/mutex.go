package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/rl1809/stocklock/internal/core/domain"
	"github.com/rl1809/stocklock/internal/port"
)

// Mutex excludes callers within this process only. Once more than one
// instance serves traffic it no longer prevents overselling.
type Mutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem    chan struct{}
	holder string
	refs   int
}

func NewMutex() *Mutex {
	return &Mutex{slots: make(map[string]*slot)}
}

func (m *Mutex) Kind() Kind { return KindMutex }

// Acquire waits without a deadline; only ctx can abort it.
func (m *Mutex) Acquire(ctx context.Context, _ port.Scope, id string) (*domain.LockToken, error) {
	key := domain.ResourceKey(id)
	s := m.ref(key)

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		m.unref(key)
		return nil, ctx.Err()
	}

	holder := uuid.NewString()
	m.mu.Lock()
	s.holder = holder
	m.mu.Unlock()

	return &domain.LockToken{ResourceKey: key, HolderID: holder}, nil
}

func (m *Mutex) Release(_ context.Context, _ port.Scope, token *domain.LockToken) error {
	if token == nil {
		return nil
	}

	m.mu.Lock()
	s, ok := m.slots[token.ResourceKey]
	if !ok || s.holder != token.HolderID {
		m.mu.Unlock()
		return fmt.Errorf("release %s: %w", token.ResourceKey, domain.ErrNotHolder)
	}
	s.holder = ""
	m.mu.Unlock()

	<-s.sem
	m.unref(token.ResourceKey)
	return nil
}

func (m *Mutex) ref(key string) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *Mutex) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}
