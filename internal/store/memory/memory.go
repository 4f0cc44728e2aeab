// Package memory is an in-process implementation of the account store,
// transfer ledger and atomic unit. Rows carry exclusive locks with bounded
// waits; writes made inside a unit are staged and applied on commit.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/punchamoorthee/wallettransfer/internal/domain"
	"github.com/punchamoorthee/wallettransfer/internal/store"
)

var errTxDone = errors.New("memory: transaction already closed")

// rowLock is an exclusive lock whose acquisition can time out.
type rowLock chan struct{}

func newRowLock() rowLock { return make(rowLock, 1) }

func (l rowLock) acquire(ctx context.Context, timeout time.Duration) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case l <- struct{}{}:
		return nil
	case <-deadline:
		return fmt.Errorf("lock wait exceeded %s: %w", timeout, store.ErrTransient)
	case <-ctx.Done():
		return fmt.Errorf("lock wait: %w: %w", store.ErrTransient, ctx.Err())
	}
}

func (l rowLock) release() { <-l }

type accountRow struct {
	data domain.Account
	lock rowLock
}

type transferRow struct {
	data domain.Transfer
	lock rowLock
}

type idempotencyKey struct {
	from int64
	key  string
}

type Store struct {
	mu          sync.Mutex
	accounts    map[int64]*accountRow
	transfers   map[int64]*transferRow
	byKey       map[idempotencyKey]int64
	entries     []domain.LedgerEntry
	lastAccount int64
	lastID      int64
	lastEntry   int64
	lockTimeout time.Duration
	now         func() time.Time

	Accounts *AccountStore
	Ledger   *Ledger
}

func New(lockTimeout time.Duration) *Store {
	s := &Store{
		accounts:    make(map[int64]*accountRow),
		transfers:   make(map[int64]*transferRow),
		byKey:       make(map[idempotencyKey]int64),
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
	s.Accounts = &AccountStore{s: s}
	s.Ledger = &Ledger{s: s}
	return s
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Begin opens an atomic unit.
func (s *Store) Begin(ctx context.Context) (store.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("tx begin failed: %w: %w", store.ErrTransient, err)
	}
	return &Tx{
		s:         s,
		held:      make(map[rowLock]struct{}),
		balances:  make(map[int64]int64),
		transfers: make(map[int64]domain.Transfer),
	}, nil
}

// Tx is a unit of work opened by Store.Begin.
type Tx struct {
	s         *Store
	held      map[rowLock]struct{}
	balances  map[int64]int64
	transfers map[int64]domain.Transfer
	entries   []domain.LedgerEntry
	aborted   error
	done      bool
}

func (s *Store) tx(tx store.Tx) (*Tx, error) {
	mtx, ok := tx.(*Tx)
	if !ok || mtx.s != s {
		return nil, fmt.Errorf("memory: unit of work %T was not opened by this store", tx)
	}
	if mtx.done {
		return nil, errTxDone
	}
	if mtx.aborted != nil {
		return nil, fmt.Errorf("memory: transaction aborted: %w", mtx.aborted)
	}
	return mtx, nil
}

func (t *Tx) lock(ctx context.Context, l rowLock) error {
	if _, ok := t.held[l]; ok {
		return nil
	}
	if err := l.acquire(ctx, t.s.lockTimeout); err != nil {
		t.aborted = err
		return err
	}
	t.held[l] = struct{}{}
	return nil
}

func (t *Tx) releaseAll() {
	for l := range t.held {
		l.release()
	}
	t.held = nil
	t.done = true
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	if t.aborted != nil {
		t.releaseAll()
		return fmt.Errorf("commit aborted transaction: %w", t.aborted)
	}

	s := t.s
	s.mu.Lock()
	now := s.now()
	for id, balance := range t.balances {
		row := s.accounts[id]
		row.data.Balance = balance
		row.data.UpdatedAt = now
	}
	for id, tr := range t.transfers {
		tr.UpdatedAt = now
		s.transfers[id].data = tr
	}
	for _, e := range t.entries {
		s.lastEntry++
		e.ID = s.lastEntry
		e.CreatedAt = now
		s.entries = append(s.entries, e)
	}
	s.mu.Unlock()

	t.releaseAll()
	return nil
}

// Rollback discards staged writes. It is a no-op on a closed unit.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.releaseAll()
	return nil
}
