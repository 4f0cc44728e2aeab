package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrDuplicateKey    = errors.New("duplicate idempotency key")
	ErrNegativeBalance = errors.New("balance constraint violation")
	ErrNotPending      = errors.New("transfer is not pending")
	// ErrTransient covers lock timeouts, deadlocks and serialization
	// failures. The caller may retry the whole unit.
	ErrTransient = errors.New("transient storage failure")
)

// SQLSTATE codes we translate.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeCheckViolation       = "23514"
	codeLockNotAvailable     = "55P03"
	codeDeadlockDetected     = "40P01"
	codeSerializationFailure = "40001"
	codeQueryCanceled        = "57014"
)

type translated struct {
	kind error
	err  error
}

func (t *translated) Error() string { return t.kind.Error() + ": " + t.err.Error() }

func (t *translated) Unwrap() []error { return []error{t.kind, t.err} }

// translate maps driver errors onto the package sentinels, keeping the
// original error in the chain.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &translated{kind: ErrNotFound, err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &translated{kind: ErrTransient, err: err}
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case codeUniqueViolation:
		return &translated{kind: ErrDuplicateKey, err: err}
	case codeForeignKeyViolation:
		return &translated{kind: ErrNotFound, err: err}
	case codeCheckViolation:
		if pgErr.ConstraintName == "accounts_balance_non_negative" {
			return &translated{kind: ErrNegativeBalance, err: err}
		}
	case codeLockNotAvailable, codeDeadlockDetected, codeSerializationFailure, codeQueryCanceled:
		return &translated{kind: ErrTransient, err: err}
	}
	return err
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
