package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/stocklock/internal/core/domain"
	"github.com/rl1809/stocklock/internal/port"
)

const (
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213

	// mysqlMaxLockName is the longest name GET_LOCK accepts.
	mysqlMaxLockName = 64
)

var _ port.StockStore = (*MySQLAdapter)(nil)

type MySQLAdapter struct {
	db     *sql.DB
	lockDB *sql.DB

	mu       sync.Mutex
	sessions map[string]namedSession // by holder id
}

type namedSession struct {
	conn *sql.Conn
	name string
}

// NewMySQLAdapter serves transactions from db. Named-lock sessions come from
// lockDB so waiters for a lock never hold connections transactions need; a
// nil lockDB shares db.
func NewMySQLAdapter(db, lockDB *sql.DB) *MySQLAdapter {
	if lockDB == nil {
		lockDB = db
	}
	return &MySQLAdapter{db: db, lockDB: lockDB, sessions: make(map[string]namedSession)}
}

func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS stock (
			id         VARCHAR(64) NOT NULL PRIMARY KEY,
			quantity   BIGINT      NOT NULL,
			version    BIGINT      NOT NULL DEFAULT 0,
			updated_at TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			CONSTRAINT stock_quantity_non_negative CHECK (quantity >= 0)
		) ENGINE=InnoDB`)
	if err != nil {
		return fmt.Errorf("create stock table: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) Seed(ctx context.Context, id string, quantity int64) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO stock (id, quantity, version, updated_at) VALUES (?, ?, 0, NOW(6))
		ON DUPLICATE KEY UPDATE quantity = VALUES(quantity), version = version + 1, updated_at = NOW(6)`,
		id, quantity,
	)
	if err != nil {
		return fmt.Errorf("seed stock %s: %w", id, err)
	}
	return nil
}

func (m *MySQLAdapter) Begin(ctx context.Context) (port.Scope, error) {
	// A fresh transaction from the pool: nothing on ctx is joined.
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &mysqlScope{tx: tx, id: uuid.NewString()}, nil
}

// AcquireNamedLock runs GET_LOCK on a connection pinned for the lifetime of
// the lock. MySQL keeps the lock across commits on that session. Waiting for
// a free session counts against timeout.
func (m *MySQLAdapter) AcquireNamedLock(ctx context.Context, name string, timeout time.Duration) (*domain.LockToken, error) {
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := m.lockDB.Conn(connCtx)
	if err != nil {
		if ctx.Err() == nil && connCtx.Err() != nil {
			err = domain.ErrLockTimeout
		}
		cancel()
		return nil, fmt.Errorf("named lock %s: %w", name, err)
	}
	cancel()

	lockName := mysqlLockName(name)
	var got sql.NullInt64
	err = conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, ?)`, lockName, lockWaitSeconds(timeout)).Scan(&got)
	if err != nil {
		// The driver drops the connection on cancellation, and the server
		// frees any lock the session held.
		discard(conn)
		return nil, fmt.Errorf("named lock %s: %w", name, err)
	}
	if !got.Valid {
		conn.Close()
		return nil, fmt.Errorf("named lock %s: GET_LOCK returned NULL", name)
	}
	if got.Int64 == 0 {
		conn.Close()
		return nil, fmt.Errorf("named lock %s: %w", name, domain.ErrLockTimeout)
	}

	token := &domain.LockToken{ResourceKey: name, HolderID: uuid.NewString()}
	m.mu.Lock()
	m.sessions[token.HolderID] = namedSession{conn: conn, name: lockName}
	m.mu.Unlock()

	return token, nil
}

func (m *MySQLAdapter) ReleaseNamedLock(ctx context.Context, token *domain.LockToken) error {
	m.mu.Lock()
	session, ok := m.sessions[token.HolderID]
	delete(m.sessions, token.HolderID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("named lock %s: %w", token.ResourceKey, domain.ErrNotHolder)
	}

	var released sql.NullInt64
	err := session.conn.QueryRowContext(ctx, `SELECT RELEASE_LOCK(?)`, session.name).Scan(&released)
	if err != nil || !released.Valid || released.Int64 != 1 {
		// Ending the session is the only other way to free the lock.
		discard(session.conn)
		if err == nil {
			err = domain.ErrNotHolder
		}
		return fmt.Errorf("release named lock %s: %w", token.ResourceKey, err)
	}
	return session.conn.Close()
}

// mysqlLockName maps names GET_LOCK would reject onto a fixed-length digest.
func mysqlLockName(name string) string {
	if len(name) <= mysqlMaxLockName {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	return "lock:" + hex.EncodeToString(sum[:20])
}

// discard closes conn and keeps it out of the pool so its session ends.
func discard(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}

type mysqlScope struct {
	tx *sql.Tx
	id string
}

func (s *mysqlScope) Get(ctx context.Context, id string) (domain.StockRecord, error) {
	var rec domain.StockRecord
	err := s.tx.QueryRowContext(ctx, `
		SELECT id, quantity, version, updated_at
		FROM stock WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.Quantity, &rec.Version, &rec.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return domain.StockRecord{}, fmt.Errorf("stock %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("query stock: %w", classifyMySQL(err))
	}
	return rec, nil
}

func (s *mysqlScope) CompareAndWrite(ctx context.Context, id string, newQuantity, expectedVersion int64) (bool, error) {
	result, err := s.tx.ExecContext(ctx, `
		UPDATE stock
		SET quantity = ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ? AND version = ?`,
		newQuantity, id, expectedVersion,
	)
	if err != nil {
		return false, fmt.Errorf("update stock: %w", classifyMySQL(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update stock: %w", err)
	}
	return rows == 1, nil
}

func (s *mysqlScope) Write(ctx context.Context, id string, newQuantity int64) error {
	result, err := s.tx.ExecContext(ctx, `
		UPDATE stock
		SET quantity = ?, version = version + 1, updated_at = NOW(6)
		WHERE id = ?`,
		newQuantity, id,
	)
	if err != nil {
		return fmt.Errorf("update stock: %w", classifyMySQL(err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("stock %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// AcquireRowLock takes an exclusive InnoDB row lock with SELECT ... FOR UPDATE.
// innodb_lock_wait_timeout has one-second granularity.
func (s *mysqlScope) AcquireRowLock(ctx context.Context, id string, timeout time.Duration) (*domain.LockToken, error) {
	if _, err := s.tx.ExecContext(ctx, `SET SESSION innodb_lock_wait_timeout = ?`, lockWaitSeconds(timeout)); err != nil {
		return nil, fmt.Errorf("set lock wait timeout: %w", err)
	}

	var locked string
	err := s.tx.QueryRowContext(ctx, `SELECT id FROM stock WHERE id = ? FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("stock %s: %w", id, domain.ErrNotFound)
	} else if err != nil {
		err = fmt.Errorf("row lock %s: %w", id, classifyMySQL(err))
	}

	// Pooled sessions must not keep the shortened timeout.
	_, _ = s.tx.ExecContext(ctx, `SET SESSION innodb_lock_wait_timeout = DEFAULT`)

	if err != nil {
		return nil, err
	}
	return &domain.LockToken{ResourceKey: domain.ResourceKey(id), HolderID: s.id}, nil
}

func (s *mysqlScope) ReleaseRowLock(_ context.Context, token *domain.LockToken) error {
	if token.HolderID != s.id {
		return fmt.Errorf("row lock %s: %w", token.ResourceKey, domain.ErrNotHolder)
	}
	return nil
}

func (s *mysqlScope) Commit(_ context.Context) error {
	if err := s.tx.Commit(); err != nil {
		return classifyMySQL(err)
	}
	return nil
}

func (s *mysqlScope) Rollback(_ context.Context) error {
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// classifyMySQL maps lock wait timeouts and deadlock victims onto
// domain.ErrLockTimeout so the engine retries them.
func classifyMySQL(err error) error {
	var me *mysql.MySQLError
	if errors.As(err, &me) && (me.Number == mysqlErrLockWaitTimeout || me.Number == mysqlErrDeadlock) {
		return fmt.Errorf("%w: %v", domain.ErrLockTimeout, err)
	}
	return err
}

func lockWaitSeconds(d time.Duration) int64 {
	s := int64(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
