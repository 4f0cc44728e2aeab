package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/wallettransfer/internal/domain"
)

// AccountStore owns the accounts table. Balance writes only happen inside
// a unit that already holds the row lock.
type AccountStore struct {
	db *pgxpool.Pool
}

// LockForUpdate takes an exclusive lock on every id, in ascending order,
// and returns the locked rows in that order. A missing row is ErrNotFound.
func (a *AccountStore) LockForUpdate(ctx context.Context, tx Tx, ids []int64) ([]domain.Account, error) {
	ptx, err := pgxTx(tx)
	if err != nil {
		return nil, err
	}

	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	accounts := make([]domain.Account, 0, len(ordered))
	for _, id := range ordered {
		var acc domain.Account
		err := ptx.QueryRow(ctx,
			"SELECT id, balance, created_at, updated_at FROM accounts WHERE id = $1 FOR UPDATE",
			id,
		).Scan(&acc.ID, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("lock account %d: %w", id, translate(err))
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// AdjustBalance adds delta to the balance and returns the new value. A
// result below zero is rejected by the table constraint as
// ErrNegativeBalance; the unit is then unusable and must be rolled back.
func (a *AccountStore) AdjustBalance(ctx context.Context, tx Tx, id, delta int64) (int64, error) {
	ptx, err := pgxTx(tx)
	if err != nil {
		return 0, err
	}

	var balance int64
	err = ptx.QueryRow(ctx,
		"UPDATE accounts SET balance = balance + $1, updated_at = now() WHERE id = $2 RETURNING balance",
		delta, id,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("adjust balance of account %d: %w", id, translate(err))
	}
	return balance, nil
}

// Get retrieves a single account by ID.
func (a *AccountStore) Get(ctx context.Context, id int64) (domain.Account, error) {
	var acc domain.Account
	err := a.db.QueryRow(ctx,
		"SELECT id, balance, created_at, updated_at FROM accounts WHERE id = $1",
		id,
	).Scan(&acc.ID, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return domain.Account{}, translate(err)
	}
	return acc, nil
}

// Create inserts an account with the given opening balance.
func (a *AccountStore) Create(ctx context.Context, balance int64) (domain.Account, error) {
	var acc domain.Account
	err := a.db.QueryRow(ctx,
		"INSERT INTO accounts (balance) VALUES ($1) RETURNING id, balance, created_at, updated_at",
		balance,
	).Scan(&acc.ID, &acc.Balance, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return domain.Account{}, fmt.Errorf("create account: %w", translate(err))
	}
	return acc, nil
}
