package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rl1809/stocklock/internal/core/domain"
	"github.com/rl1809/stocklock/internal/port"
)

const (
	pgLockNotAvailable   = "55P03"
	pgDeadlockDetected   = "40P01"
	pgSerializationError = "40001"
)

var _ port.StockStore = (*PostgresAdapter)(nil)

type PostgresAdapter struct {
	pool     *pgxpool.Pool
	lockPool *pgxpool.Pool

	mu       sync.Mutex
	sessions map[string]*pgxpool.Conn
}

func NewPostgresPool(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// NewPostgresAdapter runs transactions on pool and advisory-lock sessions on
// lockPool. A nil lockPool shares pool.
func NewPostgresAdapter(pool, lockPool *pgxpool.Pool) *PostgresAdapter {
	if lockPool == nil {
		lockPool = pool
	}
	return &PostgresAdapter{pool: pool, lockPool: lockPool, sessions: make(map[string]*pgxpool.Conn)}
}

func (p *PostgresAdapter) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS stock (
			id         TEXT        PRIMARY KEY,
			quantity   BIGINT      NOT NULL CHECK (quantity >= 0),
			version    BIGINT      NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("create stock table: %w", err)
	}
	return nil
}

func (p *PostgresAdapter) Seed(ctx context.Context, id string, quantity int64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO stock (id, quantity, version, updated_at) VALUES ($1, $2, 0, now())
		ON CONFLICT (id) DO UPDATE
		SET quantity = EXCLUDED.quantity, version = stock.version + 1, updated_at = now()`,
		id, quantity,
	)
	if err != nil {
		return fmt.Errorf("seed stock %s: %w", id, err)
	}
	return nil
}

func (p *PostgresAdapter) Begin(ctx context.Context) (port.Scope, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &postgresScope{tx: tx, id: uuid.NewString()}, nil
}

// AcquireNamedLock takes a session-level advisory lock on a pinned pool
// connection. The lock survives commits and is freed by unlock or by the
// session ending.
func (p *PostgresAdapter) AcquireNamedLock(ctx context.Context, name string, timeout time.Duration) (*domain.LockToken, error) {
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := p.lockPool.Acquire(connCtx)
	if err != nil {
		if ctx.Err() == nil && connCtx.Err() != nil {
			err = domain.ErrLockTimeout
		}
		cancel()
		return nil, fmt.Errorf("named lock %s: %w", name, err)
	}
	cancel()

	if _, err := conn.Exec(ctx, `SELECT set_config('lock_timeout', $1, false)`, lockTimeoutSetting(timeout)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("named lock %s: %w", name, err)
	}

	_, err = conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, name)
	if err != nil {
		if ctx.Err() != nil {
			// The lock may have been granted before the cancel landed.
			hijackClose(conn)
			return nil, fmt.Errorf("named lock %s: %w", name, ctx.Err())
		}
		_, _ = conn.Exec(ctx, `RESET lock_timeout`)
		conn.Release()
		return nil, fmt.Errorf("named lock %s: %w", name, classifyPostgres(err))
	}
	_, _ = conn.Exec(ctx, `RESET lock_timeout`)

	token := &domain.LockToken{ResourceKey: name, HolderID: uuid.NewString()}
	p.mu.Lock()
	p.sessions[token.HolderID] = conn
	p.mu.Unlock()

	return token, nil
}

func (p *PostgresAdapter) ReleaseNamedLock(ctx context.Context, token *domain.LockToken) error {
	p.mu.Lock()
	conn, ok := p.sessions[token.HolderID]
	delete(p.sessions, token.HolderID)
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("named lock %s: %w", token.ResourceKey, domain.ErrNotHolder)
	}

	var unlocked bool
	err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, token.ResourceKey).Scan(&unlocked)
	if err != nil || !unlocked {
		hijackClose(conn)
		if err == nil {
			err = domain.ErrNotHolder
		}
		return fmt.Errorf("release named lock %s: %w", token.ResourceKey, err)
	}
	conn.Release()
	return nil
}

// hijackClose takes conn out of the pool and ends its session.
func hijackClose(conn *pgxpool.Conn) {
	raw := conn.Hijack()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = raw.Close(ctx)
}

type postgresScope struct {
	tx pgx.Tx
	id string
}

func (s *postgresScope) Get(ctx context.Context, id string) (domain.StockRecord, error) {
	var rec domain.StockRecord
	err := s.tx.QueryRow(ctx, `
		SELECT id, quantity, version, updated_at
		FROM stock WHERE id = $1`, id,
	).Scan(&rec.ID, &rec.Quantity, &rec.Version, &rec.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StockRecord{}, fmt.Errorf("stock %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("query stock: %w", classifyPostgres(err))
	}
	return rec, nil
}

func (s *postgresScope) CompareAndWrite(ctx context.Context, id string, newQuantity, expectedVersion int64) (bool, error) {
	tag, err := s.tx.Exec(ctx, `
		UPDATE stock
		SET quantity = $1, version = version + 1, updated_at = now()
		WHERE id = $2 AND version = $3`,
		newQuantity, id, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update stock: %w", classifyPostgres(err))
	}
	return tag.RowsAffected() == 1, nil
}

func (s *postgresScope) Write(ctx context.Context, id string, newQuantity int64) error {
	tag, err := s.tx.Exec(ctx, `
		UPDATE stock
		SET quantity = $1, version = version + 1, updated_at = now()
		WHERE id = $2`,
		newQuantity, id,
	)
	if err != nil {
		return fmt.Errorf("update stock: %w", classifyPostgres(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("stock %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// AcquireRowLock bounds SELECT ... FOR UPDATE with a transaction-local
// lock_timeout.
func (s *postgresScope) AcquireRowLock(ctx context.Context, id string, timeout time.Duration) (*domain.LockToken, error) {
	if _, err := s.tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, lockTimeoutSetting(timeout)); err != nil {
		return nil, fmt.Errorf("set lock timeout: %w", err)
	}

	var locked string
	err := s.tx.QueryRow(ctx, `SELECT id FROM stock WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("stock %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("row lock %s: %w", id, classifyPostgres(err))
	}
	return &domain.LockToken{ResourceKey: domain.ResourceKey(id), HolderID: s.id}, nil
}

func (s *postgresScope) ReleaseRowLock(_ context.Context, token *domain.LockToken) error {
	if token.HolderID != s.id {
		return fmt.Errorf("row lock %s: %w", token.ResourceKey, domain.ErrNotHolder)
	}
	return nil
}

func (s *postgresScope) Commit(ctx context.Context) error {
	if err := s.tx.Commit(ctx); err != nil {
		return classifyPostgres(err)
	}
	return nil
}

func (s *postgresScope) Rollback(ctx context.Context) error {
	if err := s.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func classifyPostgres(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgLockNotAvailable, pgDeadlockDetected:
		return fmt.Errorf("%w: %v", domain.ErrLockTimeout, err)
	case pgSerializationError:
		return fmt.Errorf("%w: %v", domain.ErrConflict, err)
	}
	return err
}

// lockTimeoutSetting renders d for lock_timeout. Zero would disable the
// timeout, so it is clamped to 1ms.
func lockTimeoutSetting(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10) + "ms"
}
