// Package memory holds process-local implementations of the store and the
// lock coordinator. They back the "memory" drivers and the unit tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rl1809/stocklock/internal/core/domain"
	"github.com/rl1809/stocklock/internal/port"
)

// defaultWriteWait mirrors InnoDB's default innodb_lock_wait_timeout.
const defaultWriteWait = 50 * time.Second

var _ port.StockStore = (*Store)(nil)

// Store keeps committed records in memory. Each record has an exclusive row
// lock that a scope holds from its first write (or AcquireRowLock) until it
// commits or rolls back, which gives the same write ordering as InnoDB.
type Store struct {
	mu      sync.Mutex
	records map[string]*row
	named   map[string]*namedLock
}

type row struct {
	rec  domain.StockRecord
	lock chan struct{}
}

type namedLock struct {
	sem    chan struct{}
	holder string
}

func NewStore() *Store {
	return &Store{
		records: make(map[string]*row),
		named:   make(map[string]*namedLock),
	}
}

func (s *Store) Seed(_ context.Context, id string, quantity int64) error {
	if quantity < 0 {
		return fmt.Errorf("seed %s: %w", id, domain.ErrInvalidAmount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		r = &row{lock: make(chan struct{}, 1), rec: domain.StockRecord{Version: -1}}
		s.records[id] = r
	}
	r.rec = domain.StockRecord{ID: id, Quantity: quantity, Version: r.rec.Version + 1, UpdatedAt: time.Now()}
	return nil
}

// Record returns the committed state of id.
func (s *Store) Record(id string) (domain.StockRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return domain.StockRecord{}, false
	}
	return r.rec, true
}

func (s *Store) Begin(_ context.Context) (port.Scope, error) {
	return &scope{
		store:   s,
		id:      uuid.NewString(),
		locked:  make(map[string]*row),
		pending: make(map[string]int64),
	}, nil
}

func (s *Store) AcquireNamedLock(ctx context.Context, name string, timeout time.Duration) (*domain.LockToken, error) {
	s.mu.Lock()
	l, ok := s.named[name]
	if !ok {
		l = &namedLock{sem: make(chan struct{}, 1)}
		s.named[name] = l
	}
	s.mu.Unlock()

	if err := acquire(ctx, l.sem, timeout); err != nil {
		return nil, fmt.Errorf("named lock %s: %w", name, err)
	}

	holder := uuid.NewString()
	s.mu.Lock()
	l.holder = holder
	s.mu.Unlock()

	return &domain.LockToken{ResourceKey: name, HolderID: holder}, nil
}

func (s *Store) ReleaseNamedLock(_ context.Context, token *domain.LockToken) error {
	s.mu.Lock()
	l, ok := s.named[token.ResourceKey]
	if !ok || l.holder != token.HolderID {
		s.mu.Unlock()
		return fmt.Errorf("named lock %s: %w", token.ResourceKey, domain.ErrNotHolder)
	}
	l.holder = ""
	s.mu.Unlock()

	<-l.sem
	return nil
}

func (s *Store) row(id string) (*row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("stock %s: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

// acquire takes sem, giving up after timeout (if positive) or when ctx ends.
func acquire(ctx context.Context, sem chan struct{}, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case sem <- struct{}{}:
		return nil
	case <-expired:
		return domain.ErrLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

type scope struct {
	store   *Store
	id      string
	locked  map[string]*row
	pending map[string]int64
	done    bool
}

func (sc *scope) Get(_ context.Context, id string) (domain.StockRecord, error) {
	sc.store.mu.Lock()
	defer sc.store.mu.Unlock()

	if q, ok := sc.pending[id]; ok {
		rec := sc.locked[id].rec
		rec.Quantity = q
		return rec, nil
	}

	r, ok := sc.store.records[id]
	if !ok {
		return domain.StockRecord{}, fmt.Errorf("stock %s: %w", id, domain.ErrNotFound)
	}
	return r.rec, nil
}

func (sc *scope) CompareAndWrite(ctx context.Context, id string, newQuantity, expectedVersion int64) (bool, error) {
	r, err := sc.lockRow(ctx, id, defaultWriteWait)
	if err != nil {
		return false, err
	}

	sc.store.mu.Lock()
	version := r.rec.Version
	sc.store.mu.Unlock()

	if version != expectedVersion {
		return false, nil
	}
	sc.pending[id] = newQuantity
	return true, nil
}

func (sc *scope) Write(ctx context.Context, id string, newQuantity int64) error {
	if _, err := sc.lockRow(ctx, id, defaultWriteWait); err != nil {
		return err
	}
	sc.pending[id] = newQuantity
	return nil
}

func (sc *scope) AcquireRowLock(ctx context.Context, id string, timeout time.Duration) (*domain.LockToken, error) {
	if _, err := sc.lockRow(ctx, id, timeout); err != nil {
		return nil, err
	}
	return &domain.LockToken{ResourceKey: domain.ResourceKey(id), HolderID: sc.id}, nil
}

func (sc *scope) ReleaseRowLock(_ context.Context, token *domain.LockToken) error {
	if token.HolderID != sc.id {
		return fmt.Errorf("row lock %s: %w", token.ResourceKey, domain.ErrNotHolder)
	}
	return nil
}

func (sc *scope) Commit(_ context.Context) error {
	if sc.done {
		return fmt.Errorf("commit: scope already finished")
	}

	now := time.Now()
	sc.store.mu.Lock()
	for id, q := range sc.pending {
		r := sc.locked[id]
		r.rec.Quantity = q
		r.rec.Version++
		r.rec.UpdatedAt = now
	}
	sc.store.mu.Unlock()

	sc.finish()
	return nil
}

func (sc *scope) Rollback(_ context.Context) error {
	if sc.done {
		return nil
	}
	sc.finish()
	return nil
}

func (sc *scope) finish() {
	for id, r := range sc.locked {
		<-r.lock
		delete(sc.locked, id)
	}
	clear(sc.pending)
	sc.done = true
}

func (sc *scope) lockRow(ctx context.Context, id string, timeout time.Duration) (*row, error) {
	if sc.done {
		return nil, fmt.Errorf("stock %s: scope already finished", id)
	}
	if r, ok := sc.locked[id]; ok {
		return r, nil
	}

	r, err := sc.store.row(id)
	if err != nil {
		return nil, err
	}
	if err := acquire(ctx, r.lock, timeout); err != nil {
		return nil, fmt.Errorf("row lock %s: %w", id, err)
	}
	sc.locked[id] = r
	return r, nil
}
