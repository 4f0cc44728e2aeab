package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/wallettransfer/internal/domain"
)

const transferColumns = "id, from_account_id, to_account_id, amount, idempotency_key, status, COALESCE(message, ''), created_at, updated_at"

// Ledger records transfer attempts and their outcomes. The unique
// (from_account_id, idempotency_key) constraint is its only intelligence.
type Ledger struct {
	db *pgxpool.Pool
}

func scanTransfer(row pgx.Row) (domain.Transfer, error) {
	var t domain.Transfer
	var status string
	err := row.Scan(&t.ID, &t.FromAccountID, &t.ToAccountID, &t.Amount,
		&t.IdempotencyKey, &status, &t.Message, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Transfer{}, err
	}
	if t.Status, err = domain.ParseStatus(status); err != nil {
		return domain.Transfer{}, err
	}
	return t, nil
}

// CreatePending inserts the intent record in its own statement, outside
// any unit. A reused key for the same sender is ErrDuplicateKey; an
// unknown account is ErrNotFound through the foreign keys.
func (l *Ledger) CreatePending(ctx context.Context, t domain.Transfer) (domain.Transfer, error) {
	created, err := scanTransfer(l.db.QueryRow(ctx,
		`INSERT INTO transfers (from_account_id, to_account_id, amount, idempotency_key, status)
		 VALUES ($1, $2, $3, $4, 'pending')
		 RETURNING `+transferColumns,
		t.FromAccountID, t.ToAccountID, t.Amount, t.IdempotencyKey,
	))
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("transfer insert failed: %w", translate(err))
	}
	return created, nil
}

func (l *Ledger) FindByKey(ctx context.Context, fromAccountID int64, key string) (domain.Transfer, error) {
	t, err := scanTransfer(l.db.QueryRow(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE from_account_id = $1 AND idempotency_key = $2",
		fromAccountID, key,
	))
	if err != nil {
		return domain.Transfer{}, translate(err)
	}
	return t, nil
}

// Get retrieves transfer details.
func (l *Ledger) Get(ctx context.Context, id int64) (domain.Transfer, error) {
	t, err := scanTransfer(l.db.QueryRow(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE id = $1", id))
	if err != nil {
		return domain.Transfer{}, translate(err)
	}
	return t, nil
}

// LockForUpdate locks the transfer row inside the unit so concurrent
// attempts on the same record serialize.
func (l *Ledger) LockForUpdate(ctx context.Context, tx Tx, id int64) (domain.Transfer, error) {
	ptx, err := pgxTx(tx)
	if err != nil {
		return domain.Transfer{}, err
	}
	t, err := scanTransfer(ptx.QueryRow(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return domain.Transfer{}, fmt.Errorf("lock transfer %d: %w", id, translate(err))
	}
	return t, nil
}

// MarkCompleted moves a pending transfer to completed inside the unit.
func (l *Ledger) MarkCompleted(ctx context.Context, tx Tx, id int64) (domain.Transfer, error) {
	ptx, err := pgxTx(tx)
	if err != nil {
		return domain.Transfer{}, err
	}
	return l.transition(ctx, ptx, id, domain.StatusCompleted, "")
}

// MarkFailed moves a pending transfer to failed in its own statement. It
// runs after an aborted unit, so it cannot share one.
func (l *Ledger) MarkFailed(ctx context.Context, id int64, message string) (domain.Transfer, error) {
	return l.transition(ctx, l.db, id, domain.StatusFailed, message)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (l *Ledger) transition(ctx context.Context, q queryRower, id int64, to domain.Status, message string) (domain.Transfer, error) {
	var msg *string
	if message != "" {
		msg = &message
	}
	t, err := scanTransfer(q.QueryRow(ctx,
		`UPDATE transfers SET status = $1, message = $2, updated_at = now()
		 WHERE id = $3 AND status = 'pending'
		 RETURNING `+transferColumns,
		to.String(), msg, id,
	))
	if err != nil {
		err = translate(err)
		if isNotFound(err) {
			return domain.Transfer{}, fmt.Errorf("mark transfer %d %s: %w", id, to, ErrNotPending)
		}
		return domain.Transfer{}, fmt.Errorf("mark transfer %d %s: %w", id, to, err)
	}
	return t, nil
}

// RecordEntries writes the double-entry legs of a transfer inside the unit.
func (l *Ledger) RecordEntries(ctx context.Context, tx Tx, entries []domain.LedgerEntry) error {
	ptx, err := pgxTx(tx)
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			"INSERT INTO ledger_entries (transfer_id, account_id, delta) VALUES ($1, $2, $3)",
			e.TransferID, e.AccountID, e.Delta,
		)
	}
	if err := ptx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("ledger entry failed: %w", translate(err))
	}
	return nil
}

// ListStalePending returns pending transfers created before cutoff, oldest
// first.
func (l *Ledger) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transfer, error) {
	rows, err := l.db.Query(ctx,
		"SELECT "+transferColumns+` FROM transfers
		 WHERE status = 'pending' AND created_at < $1
		 ORDER BY created_at LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale transfers: %w", translate(err))
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale transfer: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Entries retrieves ledger entries for a specific account, newest first.
func (l *Ledger) Entries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error) {
	var exists bool
	err := l.db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists)
	if err != nil {
		return nil, translate(err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := l.db.Query(ctx,
		"SELECT id, transfer_id, account_id, delta, created_at FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC, id DESC",
		accountID)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	entries := []domain.LedgerEntry{}
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TransferID, &e.AccountID, &e.Delta, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
