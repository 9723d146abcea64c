package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction type enums. Direction is implied by the type and by which
// party the entry belongs to; Amount is always a non-negative magnitude.
const (
	TxTypePayment       = "payment"
	TxTypeFee           = "fee"
	TxTypeRefund        = "refund"
	TxTypeEscrowHold    = "escrow_hold"
	TxTypeEscrowRelease = "escrow_release"
	TxTypeDeposit       = "deposit"
	TxTypeWithdrawal    = "withdrawal"
)

// Transaction is one immutable ledger entry: a single balance-affecting
// event for one user. Corrections are new offsetting entries, never updates.
type Transaction struct {
	ID          uuid.UUID       `json:"id"`
	PaymentID   *uuid.UUID      `json:"payment_id,omitempty"`
	UserID      uuid.UUID       `json:"user_id"`
	Type        string          `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description,omitempty"`
	// Balance is the user's running balance immediately after this entry.
	// The most recent entry's Balance is authoritative; balances are never
	// derived by replaying the full history.
	Balance   decimal.Decimal   `json:"balance"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// BalanceSummary is the caller-facing balance projection for one user.
type BalanceSummary struct {
	UserID    uuid.UUID       `json:"user_id"`
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
	Escrow    decimal.Decimal `json:"escrow"`
}

// PaymentStats aggregates settled totals by role for one user.
type PaymentStats struct {
	UserID        uuid.UUID       `json:"user_id"`
	SentCount     int64           `json:"sent_count"`
	TotalSent     decimal.Decimal `json:"total_sent"`
	ReceivedCount int64           `json:"received_count"`
	TotalReceived decimal.Decimal `json:"total_received"`
	TotalFees     decimal.Decimal `json:"total_fees"`
}
