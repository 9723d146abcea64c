package models

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaymentStatus values. Transitions between them are owned by the payments
// state machine; nothing else writes the status column.
type PaymentStatus string

const (
	StatusPending            PaymentStatus = "PENDING"
	StatusProcessing         PaymentStatus = "PROCESSING"
	StatusCompleted          PaymentStatus = "COMPLETED"
	StatusHeldInEscrow       PaymentStatus = "HELD_IN_ESCROW"
	StatusReleasedFromEscrow PaymentStatus = "RELEASED_FROM_ESCROW"
	StatusFailed             PaymentStatus = "FAILED"
	StatusCancelled          PaymentStatus = "CANCELLED"
	StatusRefunded           PaymentStatus = "REFUNDED"
)

// IsSettledSuccess reports whether the status is a terminal successful state,
// the point at which completed_at is stamped.
func (s PaymentStatus) IsSettledSuccess() bool {
	return s == StatusCompleted || s == StatusReleasedFromEscrow
}

type PaymentMethod string

const (
	MethodCard         PaymentMethod = "card"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodWallet       PaymentMethod = "wallet"
)

func ValidMethod(m PaymentMethod) bool {
	switch m {
	case MethodCard, MethodBankTransfer, MethodWallet:
		return true
	}
	return false
}

type Payment struct {
	ID          uuid.UUID       `json:"id"`
	ContractID  *uuid.UUID      `json:"contract_id,omitempty"`
	MilestoneID *uuid.UUID      `json:"milestone_id,omitempty"`
	PayerID     uuid.UUID       `json:"payer_id"`
	PayeeID     uuid.UUID       `json:"payee_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	// Fee is frozen at creation time from the fee percent in force then.
	// It is never recomputed, even if the platform fee config changes.
	Fee         decimal.Decimal `json:"fee"`
	Status      PaymentStatus   `json:"status"`
	Method      PaymentMethod   `json:"method"`
	Description string          `json:"description,omitempty"`

	// Processor-issued references. Null until the processor acknowledges;
	// the platform never fabricates these.
	ExternalPaymentRef  *string `json:"external_payment_ref,omitempty"`
	ExternalTransferRef *string `json:"external_transfer_ref,omitempty"`

	Metadata AuditLog `json:"metadata,omitempty"`

	EscrowHoldDate    *time.Time `json:"escrow_hold_date,omitempty"`
	EscrowReleaseDate *time.Time `json:"escrow_release_date,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ValidationError describes malformed or out-of-range input. It maps to a
// 400 at the HTTP boundary and is surfaced to the caller unchanged.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// ValidateAmount enforces positive amounts with at most two fractional
// digits. Amounts are decimal throughout; float arithmetic never touches
// money.
func ValidateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &ValidationError{Field: field, Reason: "must be positive"}
	}
	if !amount.Equal(amount.Round(2)) {
		return &ValidationError{Field: field, Reason: "at most two decimal places"}
	}
	return nil
}

func ValidateCurrency(currency string) error {
	if !currencyPattern.MatchString(currency) {
		return &ValidationError{Field: "currency", Reason: "must be a 3-letter uppercase code"}
	}
	return nil
}
