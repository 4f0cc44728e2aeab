//go:build integration

package store_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/wallettransfer/internal/domain"
	"github.com/punchamoorthee/wallettransfer/internal/service"
	"github.com/punchamoorthee/wallettransfer/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const lockTimeout = 500 * time.Millisecond

var dsn string

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("wallet"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start postgres container: %v\n", err)
		os.Exit(1)
	}

	dsn, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "container dsn: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// newStore connects, applies the schema and empties every table.
func newStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewStore(ctx, dsn, lockTimeout)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "schema must be re-appliable")

	_, err = s.Db.Exec(ctx, "TRUNCATE TABLE ledger_entries, transfers, accounts RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return s
}

type pgFixture struct {
	store *store.Store
	svc   *service.TransferService
	x, y  domain.Account
}

func newFixture(t *testing.T) *pgFixture {
	t.Helper()
	s := newStore(t)
	ctx := context.Background()

	x, err := s.Accounts.Create(ctx, 1000)
	require.NoError(t, err)
	y, err := s.Accounts.Create(ctx, 500)
	require.NoError(t, err)

	return &pgFixture{
		store: s,
		svc:   service.NewTransferService(s, s.Accounts, s.Ledger, zerolog.Nop()),
		x:     x,
		y:     y,
	}
}

func (f *pgFixture) balance(t *testing.T, id int64) int64 {
	t.Helper()
	acc, err := f.store.Accounts.Get(context.Background(), id)
	require.NoError(t, err)
	return acc.Balance
}

func request(from, to, amount int64, key string) domain.TransferRequest {
	return domain.TransferRequest{
		FromAccountID:  from,
		ToAccountID:    to,
		Amount:         decimal.NewFromInt(amount),
		Unit:           domain.UnitMinor,
		IdempotencyKey: key,
	}
}

func TestIntegration_ErrorTranslation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.Accounts.Create(ctx, -1)
	assert.ErrorIs(t, err, store.ErrNegativeBalance)

	_, err = s.Accounts.Get(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)

	a, err := s.Accounts.Create(ctx, 100)
	require.NoError(t, err)
	b, err := s.Accounts.Create(ctx, 0)
	require.NoError(t, err)

	pending := domain.Transfer{FromAccountID: a.ID, ToAccountID: b.ID, Amount: 10, IdempotencyKey: "k"}
	created, err := s.Ledger.CreatePending(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, created.Status)
	assert.Empty(t, created.Message)

	_, err = s.Ledger.CreatePending(ctx, pending)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	_, err = s.Ledger.CreatePending(ctx, domain.Transfer{FromAccountID: a.ID, ToAccountID: 999, Amount: 10, IdempotencyKey: "k2"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Ledger.FindByKey(ctx, b.ID, "k")
	assert.ErrorIs(t, err, store.ErrNotFound, "keys are scoped to the sender")

	_, err = s.Ledger.Entries(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIntegration_StatusTransitionsOnlyFromPending(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a, err := s.Accounts.Create(ctx, 100)
	require.NoError(t, err)
	b, err := s.Accounts.Create(ctx, 0)
	require.NoError(t, err)

	tr, err := s.Ledger.CreatePending(ctx, domain.Transfer{FromAccountID: a.ID, ToAccountID: b.ID, Amount: 10, IdempotencyKey: "k"})
	require.NoError(t, err)

	failed, err := s.Ledger.MarkFailed(ctx, tr.ID, domain.MessageInsufficientBalance)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, domain.MessageInsufficientBalance, failed.Message)

	_, err = s.Ledger.MarkFailed(ctx, tr.ID, domain.MessageExpired)
	assert.ErrorIs(t, err, store.ErrNotPending)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = s.Ledger.MarkCompleted(ctx, tx, tr.ID)
	assert.ErrorIs(t, err, store.ErrNotPending)
	require.NoError(t, tx.Rollback(ctx))

	got, err := s.Ledger.Get(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.MessageInsufficientBalance, got.Message)
}

func TestIntegration_NegativeBalanceRejectedByConstraint(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a, err := s.Accounts.Create(ctx, 100)
	require.NoError(t, err)

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	_, err = s.Accounts.LockForUpdate(ctx, tx, []int64{a.ID})
	require.NoError(t, err)

	_, err = s.Accounts.AdjustBalance(ctx, tx, a.ID, -101)
	assert.ErrorIs(t, err, store.ErrNegativeBalance)
	require.NoError(t, tx.Rollback(ctx))

	acc, err := s.Accounts.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), acc.Balance)
}

func TestIntegration_LockTimeoutIsTransient(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	a, err := s.Accounts.Create(ctx, 100)
	require.NoError(t, err)

	holder, err := s.Begin(ctx)
	require.NoError(t, err)
	defer holder.Rollback(ctx)
	_, err = s.Accounts.LockForUpdate(ctx, holder, []int64{a.ID})
	require.NoError(t, err)

	waiter, err := s.Begin(ctx)
	require.NoError(t, err)
	defer waiter.Rollback(ctx)

	start := time.Now()
	_, err = s.Accounts.LockForUpdate(ctx, waiter, []int64{a.ID})
	assert.ErrorIs(t, err, store.ErrTransient)
	assert.Less(t, time.Since(start), 5*lockTimeout)
}

func TestIntegration_TransferLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Execute(ctx, request(f.x.ID, f.y.ID, 200, "k1"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, res.Transfer.Status)
	assert.Equal(t, int64(800), f.balance(t, f.x.ID))
	assert.Equal(t, int64(700), f.balance(t, f.y.ID))

	replay, err := f.svc.Execute(ctx, request(f.x.ID, f.y.ID, 200, "k1"))
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Transfer.ID, replay.Transfer.ID)
	assert.Equal(t, int64(800), f.balance(t, f.x.ID))

	_, err = f.svc.Execute(ctx, request(f.x.ID, f.y.ID, 300, "k1"))
	assert.ErrorIs(t, err, domain.ErrDuplicateRequest)

	short, err := f.svc.Execute(ctx, request(f.x.ID, f.y.ID, 5000, "k2"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, short.Transfer.Status)
	assert.Equal(t, domain.MessageInsufficientBalance, short.Transfer.Message)
	assert.Equal(t, int64(800), f.balance(t, f.x.ID))

	_, err = f.svc.Execute(ctx, request(f.x.ID, 999, 10, "k3"))
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)

	entries, err := f.store.Ledger.Entries(ctx, f.x.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(-200), entries[0].Delta)

	var sum int64
	require.NoError(t, f.store.Db.QueryRow(ctx,
		"SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE transfer_id = $1", res.Transfer.ID,
	).Scan(&sum))
	assert.Zero(t, sum)
}

func TestIntegration_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				res, err := f.svc.Execute(ctx, request(f.x.ID, f.y.ID, 30, fmt.Sprintf("c-%d", i)))
				if err != nil {
					// Lock waits may time out under contention; the same key resumes.
					if !assert.ErrorIs(t, err, domain.ErrTransient) {
						return
					}
					continue
				}
				if res.Transfer.Status == domain.StatusCompleted {
					mu.Lock()
					completed++
					mu.Unlock()
				}
				return
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 33, completed)
	assert.Equal(t, int64(10), f.balance(t, f.x.ID))
	assert.Equal(t, int64(1490), f.balance(t, f.y.ID))
}

func TestIntegration_OppositeDirectionsDoNotDeadlock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const rounds = 25
	var wg sync.WaitGroup
	run := func(from, to int64, prefix string) {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			key := fmt.Sprintf("%s-%d", prefix, i)
			for {
				_, err := f.svc.Execute(ctx, request(from, to, 1, key))
				if err == nil {
					break
				}
				if !assert.ErrorIs(t, err, domain.ErrTransient) {
					return
				}
			}
		}
	}

	wg.Add(2)
	go run(f.x.ID, f.y.ID, "xy")
	go run(f.y.ID, f.x.ID, "yx")
	wg.Wait()

	assert.Equal(t, int64(1000), f.balance(t, f.x.ID))
	assert.Equal(t, int64(500), f.balance(t, f.y.ID))
}

func TestIntegration_ReconcilerExpiresStalePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stuck, err := f.store.Ledger.CreatePending(ctx, domain.Transfer{
		FromAccountID: f.x.ID, ToAccountID: f.y.ID, Amount: 100, IdempotencyKey: "stuck",
	})
	require.NoError(t, err)
	_, err = f.store.Db.Exec(ctx, "UPDATE transfers SET created_at = now() - interval '1 hour' WHERE id = $1", stuck.ID)
	require.NoError(t, err)

	r := service.NewReconciler(f.store.Ledger, zerolog.Nop(), time.Minute, 15*time.Minute)
	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.store.Ledger.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.MessageExpired, got.Message)
	assert.Equal(t, int64(1000), f.balance(t, f.x.ID))
}
