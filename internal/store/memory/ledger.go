package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/punchamoorthee/wallettransfer/internal/domain"
	"github.com/punchamoorthee/wallettransfer/internal/store"
)

type Ledger struct {
	s *Store
}

func (l *Ledger) CreatePending(ctx context.Context, t domain.Transfer) (domain.Transfer, error) {
	if t.Amount <= 0 || t.FromAccountID == t.ToAccountID || t.IdempotencyKey == "" {
		return domain.Transfer{}, fmt.Errorf("transfer insert failed: invalid row %+v", t)
	}

	s := l.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[t.FromAccountID]; !ok {
		return domain.Transfer{}, fmt.Errorf("transfer insert failed: account %d: %w", t.FromAccountID, store.ErrNotFound)
	}
	if _, ok := s.accounts[t.ToAccountID]; !ok {
		return domain.Transfer{}, fmt.Errorf("transfer insert failed: account %d: %w", t.ToAccountID, store.ErrNotFound)
	}
	k := idempotencyKey{from: t.FromAccountID, key: t.IdempotencyKey}
	if _, ok := s.byKey[k]; ok {
		return domain.Transfer{}, fmt.Errorf("transfer insert failed: %w", store.ErrDuplicateKey)
	}

	s.lastID++
	now := s.now()
	created := domain.Transfer{
		ID:             s.lastID,
		FromAccountID:  t.FromAccountID,
		ToAccountID:    t.ToAccountID,
		Amount:         t.Amount,
		IdempotencyKey: t.IdempotencyKey,
		Status:         domain.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.transfers[created.ID] = &transferRow{data: created, lock: newRowLock()}
	s.byKey[k] = created.ID
	return created, nil
}

func (l *Ledger) FindByKey(ctx context.Context, fromAccountID int64, key string) (domain.Transfer, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	id, ok := l.s.byKey[idempotencyKey{from: fromAccountID, key: key}]
	if !ok {
		return domain.Transfer{}, store.ErrNotFound
	}
	return l.s.transfers[id].data, nil
}

func (l *Ledger) Get(ctx context.Context, id int64) (domain.Transfer, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	row, ok := l.s.transfers[id]
	if !ok {
		return domain.Transfer{}, store.ErrNotFound
	}
	return row.data, nil
}

func (l *Ledger) row(id int64) (*transferRow, bool) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	row, ok := l.s.transfers[id]
	return row, ok
}

func (l *Ledger) view(mtx *Tx, id int64) domain.Transfer {
	if staged, ok := mtx.transfers[id]; ok {
		return staged
	}
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	return l.s.transfers[id].data
}

func (l *Ledger) LockForUpdate(ctx context.Context, tx store.Tx, id int64) (domain.Transfer, error) {
	mtx, err := l.s.tx(tx)
	if err != nil {
		return domain.Transfer{}, err
	}
	row, ok := l.row(id)
	if !ok {
		return domain.Transfer{}, fmt.Errorf("lock transfer %d: %w", id, store.ErrNotFound)
	}
	if err := mtx.lock(ctx, row.lock); err != nil {
		return domain.Transfer{}, fmt.Errorf("lock transfer %d: %w", id, err)
	}
	return l.view(mtx, id), nil
}

func (l *Ledger) MarkCompleted(ctx context.Context, tx store.Tx, id int64) (domain.Transfer, error) {
	mtx, err := l.s.tx(tx)
	if err != nil {
		return domain.Transfer{}, err
	}
	row, ok := l.row(id)
	if !ok {
		return domain.Transfer{}, fmt.Errorf("mark transfer %d completed: %w", id, store.ErrNotPending)
	}
	if err := mtx.lock(ctx, row.lock); err != nil {
		return domain.Transfer{}, fmt.Errorf("mark transfer %d completed: %w", id, err)
	}

	t := l.view(mtx, id)
	if t.Status != domain.StatusPending {
		return domain.Transfer{}, fmt.Errorf("mark transfer %d completed: %w", id, store.ErrNotPending)
	}
	t.Status = domain.StatusCompleted
	t.Message = ""
	t.UpdatedAt = l.s.now()
	mtx.transfers[id] = t
	return t, nil
}

// MarkFailed runs outside any unit, waiting for the row lock like a plain
// UPDATE would.
func (l *Ledger) MarkFailed(ctx context.Context, id int64, message string) (domain.Transfer, error) {
	row, ok := l.row(id)
	if !ok {
		return domain.Transfer{}, fmt.Errorf("mark transfer %d failed: %w", id, store.ErrNotPending)
	}
	if err := row.lock.acquire(ctx, l.s.lockTimeout); err != nil {
		return domain.Transfer{}, fmt.Errorf("mark transfer %d failed: %w", id, err)
	}
	defer row.lock.release()

	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if row.data.Status != domain.StatusPending {
		return domain.Transfer{}, fmt.Errorf("mark transfer %d failed: %w", id, store.ErrNotPending)
	}
	row.data.Status = domain.StatusFailed
	row.data.Message = message
	row.data.UpdatedAt = l.s.now()
	return row.data, nil
}

func (l *Ledger) RecordEntries(ctx context.Context, tx store.Tx, entries []domain.LedgerEntry) error {
	mtx, err := l.s.tx(tx)
	if err != nil {
		return err
	}
	mtx.entries = append(mtx.entries, entries...)
	return nil
}

func (l *Ledger) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transfer, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	var out []domain.Transfer
	for _, row := range l.s.transfers {
		if row.data.Status == domain.StatusPending && row.data.CreatedAt.Before(cutoff) {
			out = append(out, row.data)
		}
	}
	slices.SortFunc(out, func(a, b domain.Transfer) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *Ledger) Entries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	if _, ok := l.s.accounts[accountID]; !ok {
		return nil, store.ErrNotFound
	}

	out := []domain.LedgerEntry{}
	for i := len(l.s.entries) - 1; i >= 0; i-- {
		if l.s.entries[i].AccountID == accountID {
			out = append(out, l.s.entries[i])
		}
	}
	return out, nil
}
