package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// Tx is an open atomic unit of work. It is passed by reference into every
// Account Store and Ledger call that must run inside the unit.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Store struct {
	Db          *pgxpool.Pool
	Accounts    *AccountStore
	Ledger      *Ledger
	lockTimeout time.Duration
}

func NewStore(ctx context.Context, connString string, lockTimeout time.Duration) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return New(pool, lockTimeout), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, lockTimeout time.Duration) *Store {
	return &Store{
		Db:          pool,
		Accounts:    &AccountStore{db: pool},
		Ledger:      &Ledger{db: pool},
		lockTimeout: lockTimeout,
	}
}

func (s *Store) Close() {
	s.Db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Begin opens an atomic unit at READ COMMITTED. Row locks taken with
// FOR UPDATE are held to commit, and waits for them are bounded by the
// configured lock timeout.
func (s *Store) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", translate(err))
	}

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, lockTimeoutStmt(s.lockTimeout)); err != nil {
			tx.Rollback(ctx)
			return nil, fmt.Errorf("set lock timeout: %w", translate(err))
		}
	}
	return &unit{Tx: tx}, nil
}

// lockTimeoutStmt renders the lock wait bound in whole milliseconds,
// rounded up: PostgreSQL reads '0ms' as no limit. SET does not accept bind
// parameters.
func lockTimeoutStmt(d time.Duration) string {
	ms := (d + time.Millisecond - 1) / time.Millisecond
	return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)
}

// unit is the Tx handed out by Begin.
type unit struct {
	pgx.Tx
}

func (u *unit) Commit(ctx context.Context) error {
	if err := u.Tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", translate(err))
	}
	return nil
}

// pgxTx recovers the driver transaction from a unit opened by Begin.
func pgxTx(tx Tx) (pgx.Tx, error) {
	u, ok := tx.(*unit)
	if !ok {
		return nil, fmt.Errorf("store: unit of work %T was not opened by this store", tx)
	}
	return u.Tx, nil
}
