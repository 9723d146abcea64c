package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/talentpay/backend/internal/models"
)

var errInsufficientFunds = errors.New("insufficient funds")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// ApplyCredit adds amount to the user's balance row (creating it on first
// use) and returns the new balance. Call within a transaction; the returned
// balance is stored on the matching transaction row.
func (r *Repository) ApplyCredit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx, `
		INSERT INTO balances (user_id, balance) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET balance = balances.balance + EXCLUDED.balance, updated_at = now()
		RETURNING balance
	`, userID, amount).Scan(&balance)
	return balance, err
}

// ApplyDebit subtracts amount from the user's balance and returns the new
// balance. When guarded, the update only succeeds if the balance covers the
// amount (conditional UPDATE, no row means insufficient funds). Unguarded
// debits are used for payment-side entries where the funds are sourced
// outside the platform ledger.
func (r *Repository) ApplyDebit(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, guarded bool) (decimal.Decimal, error) {
	var balance decimal.Decimal
	if guarded {
		err := tx.QueryRow(ctx, `
			UPDATE balances SET balance = balance - $2, updated_at = now()
			WHERE user_id = $1 AND balance >= $2
			RETURNING balance
		`, userID, amount).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, errInsufficientFunds
		}
		return balance, err
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO balances (user_id, balance) VALUES ($1, -($2::numeric))
		ON CONFLICT (user_id) DO UPDATE SET balance = balances.balance - $2, updated_at = now()
		RETURNING balance
	`, userID, amount).Scan(&balance)
	return balance, err
}

// Insert writes one ledger entry inside the given transaction. Entries are
// immutable once written.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, t *models.Transaction) error {
	return tx.QueryRow(ctx, `
		INSERT INTO transactions (id, payment_id, user_id, type, amount, currency, description, balance, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, t.ID, t.PaymentID, t.UserID, t.Type, t.Amount, t.Currency, t.Description, t.Balance, t.Metadata).Scan(&t.CreatedAt, &t.UpdatedAt)
}

const txColumns = "id, payment_id, user_id, type, amount, currency, description, balance, metadata, created_at, updated_at"

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.PaymentID, &t.UserID, &t.Type, &t.Amount, &t.Currency, &t.Description, &t.Balance, &t.Metadata, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListQuery filters and paginates a user's transaction history.
type ListQuery struct {
	UserID    uuid.UUID
	Type      string
	From      *time.Time
	To        *time.Time
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}

var txSortColumns = map[string]string{
	"created_at": "created_at",
	"amount":     "amount",
	"type":       "type",
}

func (r *Repository) ListByUser(ctx context.Context, q ListQuery) ([]*models.Transaction, error) {
	where := []string{"user_id = $1"}
	args := []any{q.UserID}
	if q.Type != "" {
		args = append(args, q.Type)
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if q.From != nil {
		args = append(args, *q.From)
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if q.To != nil {
		args = append(args, *q.To)
		where = append(where, fmt.Sprintf("created_at <= $%d", len(args)))
	}
	if q.MinAmount != nil {
		args = append(args, *q.MinAmount)
		where = append(where, fmt.Sprintf("amount >= $%d", len(args)))
	}
	if q.MaxAmount != nil {
		args = append(args, *q.MaxAmount)
		where = append(where, fmt.Sprintf("amount <= $%d", len(args)))
	}

	sortCol, ok := txSortColumns[q.SortBy]
	if !ok {
		sortCol = "created_at"
	}
	order := "DESC"
	if strings.EqualFold(q.SortOrder, "asc") {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	query := fmt.Sprintf(`
		SELECT %s FROM transactions
		WHERE %s
		ORDER BY %s %s
		LIMIT $%d OFFSET $%d
	`, txColumns, strings.Join(where, " AND "), sortCol, order, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

func (r *Repository) ListByPayment(ctx context.Context, paymentID uuid.UUID) ([]*models.Transaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+txColumns+` FROM transactions WHERE payment_id = $1 ORDER BY created_at ASC
	`, paymentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, t)
	}
	return list, rows.Err()
}

// BalanceSummary returns available + pending + escrow for one user.
// Available is the authoritative stored balance; pending and escrow are the
// user's incoming amounts still in flight or under hold.
func (r *Repository) BalanceSummary(ctx context.Context, userID uuid.UUID) (*models.BalanceSummary, error) {
	s := &models.BalanceSummary{UserID: userID}
	err := r.pool.QueryRow(ctx, `
		SELECT COALESCE((SELECT balance FROM balances WHERE user_id = $1), 0),
			COALESCE((SELECT SUM(amount) FROM payments WHERE payee_id = $1 AND status IN ('PENDING', 'PROCESSING')), 0),
			COALESCE((SELECT SUM(amount) FROM payments WHERE payee_id = $1 AND status = 'HELD_IN_ESCROW'), 0)
	`, userID).Scan(&s.Available, &s.Pending, &s.Escrow)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Statistics aggregates settled totals by role for one user.
func (r *Repository) Statistics(ctx context.Context, userID uuid.UUID) (*models.PaymentStats, error) {
	s := &models.PaymentStats{UserID: userID}
	err := r.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE payer_id = $1),
			COALESCE(SUM(amount) FILTER (WHERE payer_id = $1 AND status IN ('COMPLETED', 'RELEASED_FROM_ESCROW')), 0),
			COUNT(*) FILTER (WHERE payee_id = $1),
			COALESCE(SUM(amount) FILTER (WHERE payee_id = $1 AND status IN ('COMPLETED', 'RELEASED_FROM_ESCROW')), 0),
			COALESCE(SUM(fee) FILTER (WHERE payee_id = $1 AND status IN ('COMPLETED', 'RELEASED_FROM_ESCROW')), 0)
		FROM payments
		WHERE payer_id = $1 OR payee_id = $1
	`, userID).Scan(&s.SentCount, &s.TotalSent, &s.ReceivedCount, &s.TotalReceived, &s.TotalFees)
	if err != nil {
		return nil, err
	}
	return s, nil
}
