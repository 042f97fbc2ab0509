package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/stocklock/internal/core/domain"
	"github.com/rl1809/stocklock/internal/port"
)

var _ port.Coordinator = (*Coordinator)(nil)

// Coordinator is an in-process stand-in for the remote lock service with the
// same lease and notification semantics.
type Coordinator struct {
	mu      sync.Mutex
	entries map[string]*entry
	subs    map[string]map[*subscription]struct{}
	gen     uint64

	down     atomic.Bool
	setCalls atomic.Int64
}

type entry struct {
	holder string
	expiry time.Time
	gen    uint64
	timer  *time.Timer
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		entries: make(map[string]*entry),
		subs:    make(map[string]map[*subscription]struct{}),
	}
}

// SetAvailable simulates losing or regaining the connection to the service.
func (c *Coordinator) SetAvailable(up bool) {
	c.down.Store(!up)
}

// TrySetCalls counts TrySet round trips, successful or not.
func (c *Coordinator) TrySetCalls() int64 {
	return c.setCalls.Load()
}

// Holder returns the current owner of key, if the lease is still live.
func (c *Coordinator) Holder(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !time.Now().Before(e.expiry) {
		return "", false
	}
	return e.holder, true
}

func (c *Coordinator) TrySet(_ context.Context, key, holderID string, lease time.Duration) (bool, error) {
	c.setCalls.Add(1)
	if err := c.check(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		if time.Now().Before(e.expiry) {
			return false, nil
		}
		e.timer.Stop()
	}

	c.gen++
	gen := c.gen
	c.entries[key] = &entry{
		holder: holderID,
		expiry: time.Now().Add(lease),
		gen:    gen,
		timer:  time.AfterFunc(lease, func() { c.expire(key, gen) }),
	}
	return true, nil
}

func (c *Coordinator) Delete(_ context.Context, key, holderID string) (bool, error) {
	if err := c.check(); err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.holder != holderID || !time.Now().Before(e.expiry) {
		return false, nil
	}
	e.timer.Stop()
	delete(c.entries, key)
	c.notify(key)
	return true, nil
}

func (c *Coordinator) SubscribeToRelease(_ context.Context, key string) (port.Subscription, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sub := &subscription{c: c, key: key, ch: make(chan struct{}, 1)}
	if c.subs[key] == nil {
		c.subs[key] = make(map[*subscription]struct{})
	}
	c.subs[key][sub] = struct{}{}
	return sub, nil
}

func (c *Coordinator) expire(key string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && e.gen == gen {
		delete(c.entries, key)
		c.notify(key)
	}
}

// notify must be called with c.mu held.
func (c *Coordinator) notify(key string) {
	for sub := range c.subs[key] {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

func (c *Coordinator) check() error {
	if c.down.Load() {
		return fmt.Errorf("memory coordinator: %w", domain.ErrCoordinatorUnavailable)
	}
	return nil
}

type subscription struct {
	c    *Coordinator
	key  string
	ch   chan struct{}
	once sync.Once
}

func (s *subscription) C() <-chan struct{} { return s.ch }

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.c.mu.Lock()
		defer s.c.mu.Unlock()

		delete(s.c.subs[s.key], s)
		if len(s.c.subs[s.key]) == 0 {
			delete(s.c.subs, s.key)
		}
	})
	return nil
}
