package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/wallettransfer/internal/domain"
	"github.com/punchamoorthee/wallettransfer/internal/store"
	"github.com/rs/zerolog"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wallet_transfers_total",
		Help: "Transfer attempts by outcome",
	}, []string{"outcome"})

	transferDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wallet_transfer_duration_seconds",
		Help:    "Latency of Execute, including lock waits",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})
)

// failWriteTimeout bounds the best-effort write that records a failure
// after the caller's context may already be gone.
const failWriteTimeout = 5 * time.Second

// UnitOfWork opens atomic units.
type UnitOfWork interface {
	Begin(ctx context.Context) (store.Tx, error)
}

// AccountStore is the balance side. Both calls run inside a unit.
type AccountStore interface {
	LockForUpdate(ctx context.Context, tx store.Tx, ids []int64) ([]domain.Account, error)
	AdjustBalance(ctx context.Context, tx store.Tx, id, delta int64) (int64, error)
}

// Ledger is the transfer record keeper.
type Ledger interface {
	CreatePending(ctx context.Context, t domain.Transfer) (domain.Transfer, error)
	FindByKey(ctx context.Context, fromAccountID int64, key string) (domain.Transfer, error)
	Get(ctx context.Context, id int64) (domain.Transfer, error)
	LockForUpdate(ctx context.Context, tx store.Tx, id int64) (domain.Transfer, error)
	MarkCompleted(ctx context.Context, tx store.Tx, id int64) (domain.Transfer, error)
	MarkFailed(ctx context.Context, id int64, message string) (domain.Transfer, error)
	RecordEntries(ctx context.Context, tx store.Tx, entries []domain.LedgerEntry) error
}

// Result is the outcome of Execute. Replayed is set when the transfer had
// already reached its final state under the same idempotency key.
type Result struct {
	Transfer domain.Transfer
	Replayed bool
}

type TransferService struct {
	uow      UnitOfWork
	accounts AccountStore
	ledger   Ledger
	logger   zerolog.Logger
}

func NewTransferService(uow UnitOfWork, accounts AccountStore, ledger Ledger, logger zerolog.Logger) *TransferService {
	return &TransferService{
		uow:      uow,
		accounts: accounts,
		ledger:   ledger,
		logger:   logger.With().Str("component", "transfer").Logger(),
	}
}

// Execute moves req.Amount from one account to another exactly once per
// (sender, idempotency key).
//
// Business failures come back as a failed Transfer with a nil error.
// Errors are *domain.Error for invalid input, unknown accounts, key reuse
// with a different payload and transient lock/commit failures (the
// Transfer then stays pending and a retry with the same key resumes it).
// Anything else is an infrastructure error; the Transfer is then marked
// failed on a best-effort basis.
func (s *TransferService) Execute(ctx context.Context, req domain.TransferRequest) (res Result, err error) {
	timer := prometheus.NewTimer(transferDuration)
	defer timer.ObserveDuration()
	defer func() { transfersTotal.WithLabelValues(outcome(res, err)).Inc() }()

	amount, err := validate(req)
	if err != nil {
		return Result{}, err
	}

	pending, err := s.ledger.CreatePending(ctx, domain.Transfer{
		FromAccountID:  req.FromAccountID,
		ToAccountID:    req.ToAccountID,
		Amount:         amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicateKey):
		return s.resume(ctx, req.FromAccountID, req.ToAccountID, amount, req.IdempotencyKey)
	case errors.Is(err, store.ErrNotFound):
		return Result{}, &domain.Error{Kind: domain.KindAccountNotFound, Message: "account not found", Err: err}
	case isTransient(err):
		return Result{}, &domain.Error{Kind: domain.KindTransient, Message: "could not record transfer", Err: err}
	default:
		return Result{}, fmt.Errorf("create pending transfer: %w", err)
	}

	return s.settle(ctx, pending)
}

// validate converts the amount to minor units, then checks the request.
func validate(req domain.TransferRequest) (int64, error) {
	amount, convErr := domain.ToMinorUnits(req.Amount, req.Unit)

	if req.FromAccountID <= 0 || req.ToAccountID <= 0 {
		return 0, domain.InvalidRequest("invalid account id")
	}
	if req.FromAccountID == req.ToAccountID {
		return 0, domain.InvalidRequest("same account")
	}
	if convErr != nil || amount <= 0 {
		return 0, domain.InvalidRequest("invalid amount")
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return 0, domain.InvalidRequest("missing idempotency key")
	}
	return amount, nil
}

// resume handles a key that is already on record for this sender.
func (s *TransferService) resume(ctx context.Context, from, to, amount int64, key string) (Result, error) {
	existing, err := s.ledger.FindByKey(ctx, from, key)
	if err != nil {
		if isTransient(err) {
			return Result{}, &domain.Error{Kind: domain.KindTransient, Message: "could not load transfer", Err: err}
		}
		return Result{}, fmt.Errorf("load transfer for key: %w", err)
	}

	if !existing.SamePayload(to, amount) {
		s.logger.Warn().
			Int64("transfer_id", existing.ID).
			Int64("from_account_id", from).
			Msg("Idempotency key reused with a different payload")
		return Result{}, &domain.Error{
			Kind:     domain.KindDuplicateRequest,
			Message:  "idempotency key already used by this sender",
			Transfer: &existing,
		}
	}
	if existing.Status.IsTerminal() {
		return Result{Transfer: existing, Replayed: true}, nil
	}

	s.logger.Info().Int64("transfer_id", existing.ID).Msg("Resuming pending transfer")
	return s.settle(ctx, existing)
}

// settle runs the atomic unit for a pending transfer: lock the transfer,
// lock both accounts in ascending id order, check funds, move the money,
// write the legs and complete the transfer.
func (s *TransferService) settle(ctx context.Context, t domain.Transfer) (Result, error) {
	tx, err := s.uow.Begin(ctx)
	if err != nil {
		return Result{}, s.abort(ctx, nil, t, err)
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	current, err := s.ledger.LockForUpdate(ctx, tx, t.ID)
	if err != nil {
		return Result{}, s.abort(ctx, tx, t, err)
	}
	if current.Status.IsTerminal() {
		// A concurrent attempt on the same key finished first.
		return Result{Transfer: current, Replayed: true}, nil
	}

	first, second := t.FromAccountID, t.ToAccountID
	if first > second {
		first, second = second, first
	}
	locked, err := s.accounts.LockForUpdate(ctx, tx, []int64{first, second})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			rollback(ctx, tx)
			failed, ferr := s.fail(ctx, t, domain.MessageAccountNotFound)
			if ferr != nil {
				return Result{}, ferr
			}
			return Result{}, &domain.Error{Kind: domain.KindAccountNotFound, Message: "account not found", Transfer: &failed.Transfer, Err: err}
		}
		return Result{}, s.abort(ctx, tx, t, err)
	}

	var fromBalance int64
	for _, acc := range locked {
		if acc.ID == t.FromAccountID {
			fromBalance = acc.Balance
		}
	}
	if fromBalance < t.Amount {
		rollback(ctx, tx)
		return s.fail(ctx, t, domain.MessageInsufficientBalance)
	}

	if _, err := s.accounts.AdjustBalance(ctx, tx, t.FromAccountID, -t.Amount); err != nil {
		return s.writeFailed(ctx, tx, t, err)
	}
	if _, err := s.accounts.AdjustBalance(ctx, tx, t.ToAccountID, t.Amount); err != nil {
		return s.writeFailed(ctx, tx, t, err)
	}
	if err := s.ledger.RecordEntries(ctx, tx, t.Legs()); err != nil {
		return Result{}, s.abort(ctx, tx, t, err)
	}
	completed, err := s.ledger.MarkCompleted(ctx, tx, t.ID)
	if err != nil {
		return Result{}, s.abort(ctx, tx, t, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return s.writeFailed(ctx, tx, t, err)
	}

	s.logger.Info().
		Int64("transfer_id", completed.ID).
		Int64("from_account_id", completed.FromAccountID).
		Int64("to_account_id", completed.ToAccountID).
		Int64("amount", completed.Amount).
		Str("status", completed.Status.String()).
		Msg("Transfer completed")

	return Result{Transfer: completed}, nil
}

// writeFailed handles a rejected balance write or commit. The balance
// constraint firing means the funds were not there after all.
func (s *TransferService) writeFailed(ctx context.Context, tx store.Tx, t domain.Transfer, err error) (Result, error) {
	if errors.Is(err, store.ErrNegativeBalance) {
		rollback(ctx, tx)
		return s.fail(ctx, t, domain.MessageInsufficientBalance)
	}
	return Result{}, s.abort(ctx, tx, t, err)
}

// fail records a business failure. It runs after the unit is gone because
// the rollback would have discarded it.
func (s *TransferService) fail(ctx context.Context, t domain.Transfer, message string) (Result, error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()

	failed, err := s.ledger.MarkFailed(fctx, t.ID, message)
	if errors.Is(err, store.ErrNotPending) {
		current, gerr := s.ledger.Get(fctx, t.ID)
		if gerr != nil {
			return Result{}, fmt.Errorf("reload transfer %d: %w", t.ID, gerr)
		}
		return Result{Transfer: current, Replayed: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("mark transfer %d failed: %w", t.ID, err)
	}

	s.logger.Warn().
		Int64("transfer_id", failed.ID).
		Int64("from_account_id", failed.FromAccountID).
		Int64("to_account_id", failed.ToAccountID).
		Int64("amount", failed.Amount).
		Str("status", failed.Status.String()).
		Str("reason", message).
		Msg("Transfer failed")

	return Result{Transfer: failed}, nil
}

// abort ends the unit on an unexpected error. Transient errors leave the
// transfer pending for a retry; anything else marks it failed, best effort,
// before the error is returned.
func (s *TransferService) abort(ctx context.Context, tx store.Tx, t domain.Transfer, cause error) error {
	if tx != nil {
		rollback(ctx, tx)
	}

	if isTransient(cause) || ctx.Err() != nil {
		s.logger.Warn().Err(cause).Int64("transfer_id", t.ID).Msg("Transfer left pending after transient failure")
		return &domain.Error{Kind: domain.KindTransient, Message: "transfer could not be settled, retry with the same idempotency key", Transfer: &t, Err: cause}
	}

	s.logger.Error().Err(cause).Int64("transfer_id", t.ID).Msg("Transfer aborted")

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failWriteTimeout)
	defer cancel()
	if _, err := s.ledger.MarkFailed(fctx, t.ID, domain.MessageUnexpected); err != nil && !errors.Is(err, store.ErrNotPending) {
		s.logger.Error().Err(err).Int64("transfer_id", t.ID).Msg("Could not mark transfer failed")
	}
	return fmt.Errorf("transfer %d: %w", t.ID, cause)
}

func rollback(ctx context.Context, tx store.Tx) {
	_ = tx.Rollback(context.WithoutCancel(ctx))
}

func isTransient(err error) bool {
	return errors.Is(err, store.ErrTransient) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func outcome(res Result, err error) string {
	if err != nil {
		switch domain.KindOf(err) {
		case domain.KindInvalidRequest:
			return "invalid"
		case domain.KindAccountNotFound:
			return "not_found"
		case domain.KindDuplicateRequest:
			return "duplicate"
		case domain.KindTransient:
			return "transient"
		}
		return "error"
	}
	if res.Replayed {
		return "replayed"
	}
	return res.Transfer.Status.String()
}
