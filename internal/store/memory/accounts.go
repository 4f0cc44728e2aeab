package memory

import (
	"context"
	"fmt"
	"slices"

	"github.com/punchamoorthee/wallettransfer/internal/domain"
	"github.com/punchamoorthee/wallettransfer/internal/store"
)

type AccountStore struct {
	s *Store
}

func (a *AccountStore) row(id int64) (*accountRow, bool) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	row, ok := a.s.accounts[id]
	return row, ok
}

// LockForUpdate locks every id in ascending order and returns the rows as
// seen by the unit.
func (a *AccountStore) LockForUpdate(ctx context.Context, tx store.Tx, ids []int64) ([]domain.Account, error) {
	mtx, err := a.s.tx(tx)
	if err != nil {
		return nil, err
	}

	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	out := make([]domain.Account, 0, len(ordered))
	for _, id := range ordered {
		row, ok := a.row(id)
		if !ok {
			return nil, fmt.Errorf("lock account %d: %w", id, store.ErrNotFound)
		}
		if err := mtx.lock(ctx, row.lock); err != nil {
			return nil, fmt.Errorf("lock account %d: %w", id, err)
		}
		out = append(out, a.view(mtx, id))
	}
	return out, nil
}

func (a *AccountStore) view(mtx *Tx, id int64) domain.Account {
	a.s.mu.Lock()
	acc := a.s.accounts[id].data
	a.s.mu.Unlock()
	if staged, ok := mtx.balances[id]; ok {
		acc.Balance = staged
	}
	return acc
}

// AdjustBalance stages balance + delta. A negative result aborts the unit
// with ErrNegativeBalance, as the table constraint would.
func (a *AccountStore) AdjustBalance(ctx context.Context, tx store.Tx, id, delta int64) (int64, error) {
	mtx, err := a.s.tx(tx)
	if err != nil {
		return 0, err
	}
	row, ok := a.row(id)
	if !ok {
		return 0, fmt.Errorf("adjust balance of account %d: %w", id, store.ErrNotFound)
	}
	if err := mtx.lock(ctx, row.lock); err != nil {
		return 0, fmt.Errorf("adjust balance of account %d: %w", id, err)
	}

	next := a.view(mtx, id).Balance + delta
	if next < 0 {
		mtx.aborted = store.ErrNegativeBalance
		return 0, fmt.Errorf("adjust balance of account %d: %w", id, store.ErrNegativeBalance)
	}
	mtx.balances[id] = next
	return next, nil
}

func (a *AccountStore) Get(ctx context.Context, id int64) (domain.Account, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	row, ok := a.s.accounts[id]
	if !ok {
		return domain.Account{}, store.ErrNotFound
	}
	return row.data, nil
}

func (a *AccountStore) Create(ctx context.Context, balance int64) (domain.Account, error) {
	if balance < 0 {
		return domain.Account{}, fmt.Errorf("create account: %w", store.ErrNegativeBalance)
	}
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	a.s.lastAccount++
	now := a.s.now()
	acc := domain.Account{ID: a.s.lastAccount, Balance: balance, CreatedAt: now, UpdatedAt: now}
	a.s.accounts[acc.ID] = &accountRow{data: acc, lock: newRowLock()}
	return acc, nil
}
