package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds a balance in minor units. Balances never go below zero.
type Account struct {
	ID        int64     `json:"id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransferRequest is the orchestrator input. Amount is in the unit named by
// Unit and is converted to minor units exactly once, by ToMinorUnits.
type TransferRequest struct {
	FromAccountID  int64
	ToAccountID    int64
	Amount         decimal.Decimal
	Unit           AmountUnit
	IdempotencyKey string
}

// Transfer is the auditable record of one transfer attempt.
type Transfer struct {
	ID             int64     `json:"id"`
	FromAccountID  int64     `json:"from_account_id"`
	ToAccountID    int64     `json:"to_account_id"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key"`
	Status         Status    `json:"status"`
	Message        string    `json:"message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// SamePayload reports whether a retry carries the same intent as t.
func (t Transfer) SamePayload(toAccountID, amount int64) bool {
	return t.ToAccountID == toAccountID && t.Amount == amount
}

// LedgerEntry represents one leg of a double-entry transfer.
// The sum of Deltas for a given TransferID is always 0.
type LedgerEntry struct {
	ID         int64     `json:"id"`
	TransferID int64     `json:"transfer_id"`
	AccountID  int64     `json:"account_id"`
	Delta      int64     `json:"delta"`
	CreatedAt  time.Time `json:"created_at"`
}

// Legs returns the debit and credit entries for a completed transfer.
func (t Transfer) Legs() []LedgerEntry {
	return []LedgerEntry{
		{TransferID: t.ID, AccountID: t.FromAccountID, Delta: -t.Amount},
		{TransferID: t.ID, AccountID: t.ToAccountID, Delta: t.Amount},
	}
}

// Failure reasons persisted in Transfer.Message.
const (
	MessageInsufficientBalance = "InsufficientBalance"
	MessageAccountNotFound     = "AccountNotFound"
	MessageUnexpected          = "Unexpected error"
	MessageExpired             = "Expired"
)
