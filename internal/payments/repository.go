package payments

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

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const paymentColumns = `id, contract_id, milestone_id, payer_id, payee_id, amount, currency, fee,
	status, method, description, external_payment_ref, external_transfer_ref, metadata,
	escrow_hold_date, escrow_release_date, created_at, updated_at, completed_at`

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.ContractID, &p.MilestoneID, &p.PayerID, &p.PayeeID, &p.Amount, &p.Currency, &p.Fee,
		&p.Status, &p.Method, &p.Description, &p.ExternalPaymentRef, &p.ExternalTransferRef, &p.Metadata,
		&p.EscrowHoldDate, &p.EscrowReleaseDate, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *Repository) Create(ctx context.Context, p *models.Payment) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO payments (id, contract_id, milestone_id, payer_id, payee_id, amount, currency, fee, status, method, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, p.ID, p.ContractID, p.MilestoneID, p.PayerID, p.PayeeID, p.Amount, p.Currency, p.Fee, p.Status, p.Method, p.Description).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetByProcessorRef looks up a payment by its processor-issued payment
// reference (used by refund reconciliation).
func (r *Repository) GetByProcessorRef(ctx context.Context, ref string) (*models.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_payment_ref = $1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetForUpdate locks the payment row. Call within a transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error) {
	p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// UpdateFields is the set of caller-updatable payment fields. Identity and
// created_at are not representable here and so cannot be changed; monetary
// fields are re-validated by the service before they reach the store.
type UpdateFields struct {
	ContractID  *uuid.UUID
	MilestoneID *uuid.UUID
	Amount      *decimal.Decimal
	Currency    *string
	Method      *models.PaymentMethod
	Description *string
}

func (r *Repository) Update(ctx context.Context, id uuid.UUID, f UpdateFields) (*models.Payment, error) {
	set := []string{"updated_at = now()"}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.ContractID != nil {
		add("contract_id", *f.ContractID)
	}
	if f.MilestoneID != nil {
		add("milestone_id", *f.MilestoneID)
	}
	if f.Amount != nil {
		add("amount", *f.Amount)
	}
	if f.Currency != nil {
		add("currency", *f.Currency)
	}
	if f.Method != nil {
		add("method", *f.Method)
	}
	if f.Description != nil {
		add("description", *f.Description)
	}
	query := fmt.Sprintf(`UPDATE payments SET %s WHERE id = $1 RETURNING %s`, strings.Join(set, ", "), paymentColumns)
	p, err := scanPayment(r.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// settledSuccessStatuses are the states that stamp completed_at on first entry.
var settledSuccessStatuses = []string{string(models.StatusCompleted), string(models.StatusReleasedFromEscrow)}

// CompareAndSetStatus performs the guarded status write: a single
// conditional UPDATE that only succeeds while the current status is in the
// legal source set. Zero rows affected means the guard failed; the row is
// re-read to name the offending status (or report not-found). completed_at
// is stamped exactly once, on first entry into a terminal successful state.
func (r *Repository) CompareAndSetStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, sources []models.PaymentStatus, target models.PaymentStatus) (*models.Payment, error) {
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}
	p, err := scanPayment(tx.QueryRow(ctx, `
		UPDATE payments
		SET status = $2,
			updated_at = now(),
			completed_at = CASE WHEN completed_at IS NULL AND $2 = ANY($4) THEN now() ELSE completed_at END
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+paymentColumns, id, string(target), from, settledSuccessStatuses))
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	current, err := scanPayment(tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return nil, &IllegalTransitionError{PaymentID: id, Op: opForTarget(target), Current: current.Status, Target: target}
}

// SetEscrowSchedule records the hold/release dates and the processor hold
// reference when a payment enters escrow. Call within the same transaction
// as the status write.
func (r *Repository) SetEscrowSchedule(ctx context.Context, tx pgx.Tx, id uuid.UUID, hold, release time.Time, externalRef *string) error {
	_, err := tx.Exec(ctx, `
		UPDATE payments
		SET escrow_hold_date = $2, escrow_release_date = $3,
			external_payment_ref = COALESCE($4, external_payment_ref),
			updated_at = now()
		WHERE id = $1
	`, id, hold, release, externalRef)
	return err
}

func (r *Repository) SetEscrowReleaseDate(ctx context.Context, tx pgx.Tx, id uuid.UUID, release time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE payments SET escrow_release_date = $2, updated_at = now() WHERE id = $1`, id, release)
	return err
}

// SetTransferRef records the processor-issued transfer reference.
func (r *Repository) SetTransferRef(ctx context.Context, tx pgx.Tx, id uuid.UUID, ref string) error {
	_, err := tx.Exec(ctx, `UPDATE payments SET external_transfer_ref = $2, updated_at = now() WHERE id = $1`, id, ref)
	return err
}

// SetPaymentRef records the processor-issued payment reference outside an
// escrow schedule write (direct settlement path).
func (r *Repository) SetPaymentRef(ctx context.Context, tx pgx.Tx, id uuid.UUID, ref string) error {
	_, err := tx.Exec(ctx, `UPDATE payments SET external_payment_ref = $2, updated_at = now() WHERE id = $1`, id, ref)
	return err
}

// AppendAuditEvent appends one event to the payment's audit trail. The
// trail is jsonb-array append only; prior entries are never rewritten.
func (r *Repository) AppendAuditEvent(ctx context.Context, tx pgx.Tx, id uuid.UUID, ev models.AuditEvent) error {
	_, err := tx.Exec(ctx, `
		UPDATE payments SET metadata = COALESCE(metadata, '[]'::jsonb) || $2::jsonb, updated_at = now() WHERE id = $1
	`, id, ev)
	return err
}

// SearchQuery filters and paginates payments for one user.
type SearchQuery struct {
	UserID    uuid.UUID
	Role      string // "payer", "payee" or "" for either
	Status    models.PaymentStatus
	From      *time.Time
	To        *time.Time
	MinAmount *decimal.Decimal
	MaxAmount *decimal.Decimal
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
}

var paymentSortColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"amount":     "amount",
	"status":     "status",
}

func (r *Repository) Search(ctx context.Context, q SearchQuery) ([]*models.Payment, error) {
	args := []any{q.UserID}
	var where []string
	switch q.Role {
	case "payer":
		where = append(where, "payer_id = $1")
	case "payee":
		where = append(where, "payee_id = $1")
	default:
		where = append(where, "(payer_id = $1 OR payee_id = $1)")
	}
	if q.Status != "" {
		args = append(args, string(q.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
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

	sortCol, ok := paymentSortColumns[q.SortBy]
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
		SELECT %s FROM payments
		WHERE %s
		ORDER BY %s %s
		LIMIT $%d OFFSET $%d
	`, paymentColumns, strings.Join(where, " AND "), sortCol, order, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

// ListDueForRelease returns the ids of escrowed payments whose release date
// has passed, oldest first. Used by the automatic release sweep.
func (r *Repository) ListDueForRelease(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM payments
		WHERE status = 'HELD_IN_ESCROW' AND escrow_release_date <= $1
		ORDER BY escrow_release_date ASC
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
