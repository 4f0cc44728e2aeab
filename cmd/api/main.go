package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/wallettransfer/internal/api"
	"github.com/punchamoorthee/wallettransfer/internal/config"
	"github.com/punchamoorthee/wallettransfer/internal/logger"
	"github.com/punchamoorthee/wallettransfer/internal/service"
	"github.com/punchamoorthee/wallettransfer/internal/store"
	"github.com/punchamoorthee/wallettransfer/internal/store/memory"
	"github.com/rs/zerolog"
)

type accountStore interface {
	service.AccountStore
	api.AccountStore
}

type ledgerStore interface {
	service.Ledger
	service.StaleLedger
	api.TransferReader
}

// backend is whichever store STORE_DRIVER selected.
type backend struct {
	uow      service.UnitOfWork
	accounts accountStore
	ledger   ledgerStore
	pinger   api.Pinger
	close    func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("Invalid configuration")
	}

	log := logger.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Unable to open store")
	}
	defer b.close()

	// Initialize Layers
	transfers := service.NewTransferService(b.uow, b.accounts, b.ledger, log)
	reconciler := service.NewReconciler(b.ledger, log, cfg.ReconcileInterval, cfg.ReconcileAfter)
	handler := api.NewHandler(transfers, b.accounts, b.ledger, b.pinger, log)

	server := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(handler, log, api.RouterOptions{
			RateLimit: cfg.RateLimit,
			RateBurst: cfg.RateBurst,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		reconciler.Run(ctx)
	}()

	go func() {
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreDriver).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Graceful shutdown failed")
	}
	<-reconcileDone

	log.Info().Msg("Server stopped")
}

func openBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backend, error) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Warn().Msg("Using in-memory store; balances are lost on exit")
		s := memory.New(cfg.LockTimeout)
		return &backend{uow: s, accounts: s.Accounts, ledger: s.Ledger, pinger: s, close: func() {}}, nil
	}

	s, err := store.NewStore(ctx, cfg.DBSource, cfg.LockTimeout)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	log.Info().Dur("lock_timeout", cfg.LockTimeout).Msg("Connected to PostgreSQL")
	return &backend{uow: s, accounts: s.Accounts, ledger: s.Ledger, pinger: s, close: s.Close}, nil
}
