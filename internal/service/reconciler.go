package service

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/wallettransfer/internal/domain"
	"github.com/punchamoorthee/wallettransfer/internal/store"
	"github.com/rs/zerolog"
)

var reconciledTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "wallet_reconciled_transfers_total",
	Help: "Stale pending transfers marked failed by the reconciler",
})

const reconcileBatch = 100

// StaleLedger is the part of the ledger the reconciler needs.
type StaleLedger interface {
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transfer, error)
	MarkFailed(ctx context.Context, id int64, message string) (domain.Transfer, error)
}

// Reconciler expires transfers that stayed pending past a deadline, e.g.
// after a crash between recording the intent and settling it, or a lock
// timeout the client never retried.
type Reconciler struct {
	ledger   StaleLedger
	logger   zerolog.Logger
	interval time.Duration
	after    time.Duration
	now      func() time.Time
}

func NewReconciler(ledger StaleLedger, logger zerolog.Logger, interval, after time.Duration) *Reconciler {
	return &Reconciler{
		ledger:   ledger,
		logger:   logger.With().Str("component", "reconciler").Logger(),
		interval: interval,
		after:    after,
		now:      time.Now,
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info().Msg("Reconciler disabled")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error().Err(err).Msg("Reconcile sweep failed")
			}
		}
	}
}

// Sweep marks every pending transfer older than the threshold as failed
// and returns how many it changed. Rows that leave pending concurrently
// are skipped.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.after)
	total := 0

	for {
		stale, err := r.ledger.ListStalePending(ctx, cutoff, reconcileBatch)
		if err != nil {
			return total, err
		}

		changed := 0
		for _, t := range stale {
			if _, err := r.ledger.MarkFailed(ctx, t.ID, domain.MessageExpired); err != nil {
				if errors.Is(err, store.ErrNotPending) {
					continue
				}
				return total, err
			}
			changed++
			reconciledTotal.Inc()
			r.logger.Warn().
				Int64("transfer_id", t.ID).
				Time("created_at", t.CreatedAt).
				Msg("Expired stale pending transfer")
		}
		total += changed

		if len(stale) < reconcileBatch || changed == 0 {
			return total, nil
		}
	}
}
