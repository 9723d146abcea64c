package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/talentpay/backend/internal/models"
)

// ErrInsufficientFunds is returned when a guarded debit (withdrawal) exceeds
// the user's balance.
var ErrInsufficientFunds = errInsufficientFunds

// Store is the minimal repository interface the ledger service needs.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	ApplyCredit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error)
	ApplyDebit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, guarded bool) (decimal.Decimal, error)
	Insert(ctx context.Context, tx pgx.Tx, t *models.Transaction) error
}

// Entry describes one ledger write requested by a caller. Amount is a
// non-negative magnitude; the Credit/Debit method called decides direction.
type Entry struct {
	PaymentID   *uuid.UUID
	UserID      uuid.UUID
	Type        string
	Amount      decimal.Decimal
	Currency    string
	Description string
	Metadata    map[string]string
}

// Service appends ledger entries. Credit and Debit run inside the caller's
// transaction so a settlement's entries commit atomically with its status
// write; Deposit and Withdraw are standalone operations with their own
// transaction.
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Credit(ctx context.Context, tx pgx.Tx, e Entry) (*models.Transaction, error) {
	balance, err := s.store.ApplyCredit(ctx, tx, e.UserID, e.Amount)
	if err != nil {
		return nil, err
	}
	return s.insert(ctx, tx, e, balance)
}

func (s *Service) Debit(ctx context.Context, tx pgx.Tx, e Entry) (*models.Transaction, error) {
	balance, err := s.store.ApplyDebit(ctx, tx, e.UserID, e.Amount, false)
	if err != nil {
		return nil, err
	}
	return s.insert(ctx, tx, e, balance)
}

func (s *Service) insert(ctx context.Context, tx pgx.Tx, e Entry, balance decimal.Decimal) (*models.Transaction, error) {
	t := &models.Transaction{
		ID:          uuid.New(),
		PaymentID:   e.PaymentID,
		UserID:      e.UserID,
		Type:        e.Type,
		Amount:      e.Amount,
		Currency:    e.Currency,
		Description: e.Description,
		Balance:     balance,
		Metadata:    e.Metadata,
	}
	if err := s.store.Insert(ctx, tx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Deposit credits funds to a user outside any payment.
func (s *Service) Deposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency, description string) (*models.Transaction, error) {
	if err := models.ValidateAmount("amount", amount); err != nil {
		return nil, err
	}
	if err := models.ValidateCurrency(currency); err != nil {
		return nil, err
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	t, err := s.Credit(ctx, tx, Entry{
		UserID: userID, Type: models.TxTypeDeposit, Amount: amount,
		Currency: currency, Description: description,
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// Withdraw debits funds from a user outside any payment. Guarded: fails with
// ErrInsufficientFunds if the balance does not cover the amount.
func (s *Service) Withdraw(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, currency, description string) (*models.Transaction, error) {
	if err := models.ValidateAmount("amount", amount); err != nil {
		return nil, err
	}
	if err := models.ValidateCurrency(currency); err != nil {
		return nil, err
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	balance, err := s.store.ApplyDebit(ctx, tx, userID, amount, true)
	if err != nil {
		return nil, err
	}
	t, err := s.insert(ctx, tx, Entry{
		UserID: userID, Type: models.TxTypeWithdrawal, Amount: amount,
		Currency: currency, Description: description,
	}, balance)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return t, nil
}
