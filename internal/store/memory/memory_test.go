package memory

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/wallettransfer/internal/domain"
	"github.com/punchamoorthee/wallettransfer/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, s *Store, balances ...int64) []domain.Account {
	t.Helper()
	out := make([]domain.Account, 0, len(balances))
	for _, b := range balances {
		acc, err := s.Accounts.Create(context.Background(), b)
		require.NoError(t, err)
		out = append(out, acc)
	}
	return out
}

func TestCommitAppliesStagedWrites(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)
	accs := seed(t, s, 100, 0)

	tr, err := s.Ledger.CreatePending(ctx, domain.Transfer{FromAccountID: accs[0].ID, ToAccountID: accs[1].ID, Amount: 40, IdempotencyKey: "k"})
	require.NoError(t, err)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)

	locked, err := s.Accounts.LockForUpdate(ctx, tx, []int64{accs[1].ID, accs[0].ID})
	require.NoError(t, err)
	require.Len(t, locked, 2)
	assert.Equal(t, accs[0].ID, locked[0].ID, "rows come back in ascending id order")

	bal, err := s.Accounts.AdjustBalance(ctx, tx, accs[0].ID, -40)
	require.NoError(t, err)
	assert.Equal(t, int64(60), bal)
	_, err = s.Accounts.AdjustBalance(ctx, tx, accs[1].ID, 40)
	require.NoError(t, err)
	require.NoError(t, s.Ledger.RecordEntries(ctx, tx, tr.Legs()))
	_, err = s.Ledger.MarkCompleted(ctx, tx, tr.ID)
	require.NoError(t, err)

	// Nothing is visible before commit.
	got, _ := s.Accounts.Get(ctx, accs[0].ID)
	assert.Equal(t, int64(100), got.Balance)

	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, tx.Rollback(ctx), "rollback after commit is a no-op")

	got, _ = s.Accounts.Get(ctx, accs[0].ID)
	assert.Equal(t, int64(60), got.Balance)
	stored, _ := s.Ledger.Get(ctx, tr.ID)
	assert.Equal(t, domain.StatusCompleted, stored.Status)

	entries, err := s.Ledger.Entries(ctx, accs[1].ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(40), entries[0].Delta)
}

func TestRollbackDiscardsAndReleases(t *testing.T) {
	ctx := context.Background()
	s := New(50 * time.Millisecond)
	accs := seed(t, s, 100)

	tx, _ := s.Begin(ctx)
	_, err := s.Accounts.AdjustBalance(ctx, tx, accs[0].ID, -10)
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	got, _ := s.Accounts.Get(ctx, accs[0].ID)
	assert.Equal(t, int64(100), got.Balance)

	tx2, _ := s.Begin(ctx)
	_, err = s.Accounts.LockForUpdate(ctx, tx2, []int64{accs[0].ID})
	assert.NoError(t, err, "lock must be free after rollback")
	require.NoError(t, tx2.Rollback(ctx))
}

func TestLockWaitTimesOut(t *testing.T) {
	ctx := context.Background()
	s := New(20 * time.Millisecond)
	accs := seed(t, s, 100)

	holder, _ := s.Begin(ctx)
	_, err := s.Accounts.LockForUpdate(ctx, holder, []int64{accs[0].ID})
	require.NoError(t, err)
	defer holder.Rollback(ctx)

	waiter, _ := s.Begin(ctx)
	_, err = s.Accounts.LockForUpdate(ctx, waiter, []int64{accs[0].ID})
	assert.ErrorIs(t, err, store.ErrTransient)

	err = waiter.Commit(ctx)
	assert.Error(t, err, "a unit that hit a lock timeout cannot commit")
}

func TestNegativeBalanceAbortsUnit(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)
	accs := seed(t, s, 10)

	tx, _ := s.Begin(ctx)
	_, err := s.Accounts.AdjustBalance(ctx, tx, accs[0].ID, -11)
	assert.ErrorIs(t, err, store.ErrNegativeBalance)

	_, err = s.Accounts.AdjustBalance(ctx, tx, accs[0].ID, -1)
	assert.Error(t, err)
	require.NoError(t, tx.Rollback(ctx))
}

func TestCreatePendingConstraints(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)
	accs := seed(t, s, 10, 10, 10)

	_, err := s.Ledger.CreatePending(ctx, domain.Transfer{FromAccountID: accs[0].ID, ToAccountID: accs[1].ID, Amount: 1, IdempotencyKey: "dup"})
	require.NoError(t, err)

	_, err = s.Ledger.CreatePending(ctx, domain.Transfer{FromAccountID: accs[0].ID, ToAccountID: accs[2].ID, Amount: 5, IdempotencyKey: "dup"})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	_, err = s.Ledger.CreatePending(ctx, domain.Transfer{FromAccountID: accs[1].ID, ToAccountID: accs[0].ID, Amount: 1, IdempotencyKey: "dup"})
	assert.NoError(t, err, "keys are scoped to the sender")

	_, err = s.Ledger.CreatePending(ctx, domain.Transfer{FromAccountID: 999, ToAccountID: accs[0].ID, Amount: 1, IdempotencyKey: "x"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkFailedOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)
	accs := seed(t, s, 10, 10)

	tr, err := s.Ledger.CreatePending(ctx, domain.Transfer{FromAccountID: accs[0].ID, ToAccountID: accs[1].ID, Amount: 1, IdempotencyKey: "k"})
	require.NoError(t, err)

	failed, err := s.Ledger.MarkFailed(ctx, tr.ID, domain.MessageExpired)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, domain.MessageExpired, failed.Message)

	_, err = s.Ledger.MarkFailed(ctx, tr.ID, "again")
	assert.ErrorIs(t, err, store.ErrNotPending)

	tx, _ := s.Begin(ctx)
	_, err = s.Ledger.MarkCompleted(ctx, tx, tr.ID)
	assert.ErrorIs(t, err, store.ErrNotPending)
	require.NoError(t, tx.Rollback(ctx))
}

func TestListStalePending(t *testing.T) {
	ctx := context.Background()
	s := New(time.Second)
	accs := seed(t, s, 10, 10)

	for _, k := range []string{"a", "b", "c"} {
		_, err := s.Ledger.CreatePending(ctx, domain.Transfer{FromAccountID: accs[0].ID, ToAccountID: accs[1].ID, Amount: 1, IdempotencyKey: k})
		require.NoError(t, err)
	}

	stale, err := s.Ledger.ListStalePending(ctx, time.Now().Add(time.Minute), 2)
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	stale, err = s.Ledger.ListStalePending(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}
