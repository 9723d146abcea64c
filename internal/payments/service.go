package payments

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/talentpay/backend/internal/config"
	"github.com/talentpay/backend/internal/ledger"
	"github.com/talentpay/backend/internal/models"
)

// transitionSources is the single source of legal status moves. A target
// status may only be written while the current status is in its source set;
// everything else is an illegal transition. FAILED, CANCELLED and REFUNDED
// have no outgoing transitions.
var transitionSources = map[models.PaymentStatus][]models.PaymentStatus{
	models.StatusProcessing:         {models.StatusPending},
	models.StatusCompleted:          {models.StatusPending, models.StatusProcessing},
	models.StatusHeldInEscrow:       {models.StatusPending, models.StatusProcessing},
	models.StatusReleasedFromEscrow: {models.StatusHeldInEscrow},
	models.StatusFailed:             {models.StatusPending, models.StatusProcessing},
	models.StatusCancelled:          {models.StatusPending, models.StatusProcessing, models.StatusHeldInEscrow},
	models.StatusRefunded:           {models.StatusCompleted, models.StatusHeldInEscrow, models.StatusReleasedFromEscrow},
}

// Store is the minimal payment repository interface for the state machine.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, p *models.Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetByProcessorRef(ctx context.Context, ref string) (*models.Payment, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.Payment, error)
	CompareAndSetStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, sources []models.PaymentStatus, target models.PaymentStatus) (*models.Payment, error)
	SetEscrowSchedule(ctx context.Context, tx pgx.Tx, id uuid.UUID, hold, release time.Time, externalRef *string) error
	SetEscrowReleaseDate(ctx context.Context, tx pgx.Tx, id uuid.UUID, release time.Time) error
	SetTransferRef(ctx context.Context, tx pgx.Tx, id uuid.UUID, ref string) error
	SetPaymentRef(ctx context.Context, tx pgx.Tx, id uuid.UUID, ref string) error
	AppendAuditEvent(ctx context.Context, tx pgx.Tx, id uuid.UUID, ev models.AuditEvent) error
	Update(ctx context.Context, id uuid.UUID, f UpdateFields) (*models.Payment, error)
}

// Ledger is the minimal ledger interface for settlement-affecting
// transitions. Both calls run inside the state machine's transaction so the
// entries commit atomically with the status write.
type Ledger interface {
	Credit(ctx context.Context, tx pgx.Tx, e ledger.Entry) (*models.Transaction, error)
	Debit(ctx context.Context, tx pgx.Tx, e ledger.Entry) (*models.Transaction, error)
}

// Service is the payment state machine. Every status transition and its
// ledger side effects execute as one database transaction; contention on the
// same payment is resolved by the store's compare-and-set guard, so no
// in-process locks are held.
type Service struct {
	store  Store
	ledger Ledger
	cfg    config.Config
	log    *slog.Logger
	now    func() time.Time
}

func NewService(store Store, ledger Ledger, cfg config.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, ledger: ledger, cfg: cfg, log: log, now: time.Now}
}

// ComputeFee derives the platform fee: round(amount * feePercent / 100, 2).
// The result is frozen on the payment at creation time.
func ComputeFee(amount, feePercent decimal.Decimal) decimal.Decimal {
	return amount.Mul(feePercent).Div(decimal.NewFromInt(100)).Round(2)
}

// ProratedFeeRefund derives the fee portion returned on a partial refund:
// round(refundAmount / amount * fee, 2).
func ProratedFeeRefund(refundAmount, amount, fee decimal.Decimal) decimal.Decimal {
	return refundAmount.Div(amount).Mul(fee).Round(2)
}

type CreateParams struct {
	ContractID  *uuid.UUID
	MilestoneID *uuid.UUID
	PayerID     uuid.UUID
	PayeeID     uuid.UUID
	Amount      decimal.Decimal
	Currency    string
	Method      models.PaymentMethod
	Description string
}

// Create validates the draft, freezes the fee from the config in force now,
// and persists the payment in PENDING.
func (s *Service) Create(ctx context.Context, params CreateParams) (*models.Payment, error) {
	if params.PayerID == uuid.Nil {
		return nil, &models.ValidationError{Field: "payer_id", Reason: "required"}
	}
	if params.PayeeID == uuid.Nil {
		return nil, &models.ValidationError{Field: "payee_id", Reason: "required"}
	}
	if err := models.ValidateAmount("amount", params.Amount); err != nil {
		return nil, err
	}
	if err := models.ValidateCurrency(params.Currency); err != nil {
		return nil, err
	}
	if !models.ValidMethod(params.Method) {
		return nil, &models.ValidationError{Field: "method", Reason: "unknown payment method"}
	}

	p := &models.Payment{
		ID:          uuid.New(),
		ContractID:  params.ContractID,
		MilestoneID: params.MilestoneID,
		PayerID:     params.PayerID,
		PayeeID:     params.PayeeID,
		Amount:      params.Amount,
		Currency:    params.Currency,
		Fee:         ComputeFee(params.Amount, s.cfg.FeePercent),
		Status:      models.StatusPending,
		Method:      params.Method,
		Description: params.Description,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return s.store.GetByID(ctx, id)
}

func (s *Service) GetByProcessorRef(ctx context.Context, ref string) (*models.Payment, error) {
	return s.store.GetByProcessorRef(ctx, ref)
}

// Update applies caller-updatable fields, re-validating any monetary fields
// present. Identity and created_at are not updatable.
func (s *Service) Update(ctx context.Context, id uuid.UUID, f UpdateFields) (*models.Payment, error) {
	if f.Amount != nil {
		if err := models.ValidateAmount("amount", *f.Amount); err != nil {
			return nil, err
		}
	}
	if f.Currency != nil {
		if err := models.ValidateCurrency(*f.Currency); err != nil {
			return nil, err
		}
	}
	if f.Method != nil && !models.ValidMethod(*f.Method) {
		return nil, &models.ValidationError{Field: "method", Reason: "unknown payment method"}
	}
	return s.store.Update(ctx, id, f)
}

// Process moves PENDING -> PROCESSING. No ledger effect.
func (s *Service) Process(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	p, err := s.store.CompareAndSetStatus(ctx, tx, id, transitionSources[models.StatusProcessing], models.StatusProcessing)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Complete settles the payment directly, bypassing escrow: payer debit and
// payee credit for the amount, plus a payee-side fee debit when fee > 0.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, processorRef string) (*models.Payment, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.store.CompareAndSetStatus(ctx, tx, id, transitionSources[models.StatusCompleted], models.StatusCompleted)
	if err != nil {
		return nil, err
	}
	if processorRef != "" {
		if err := s.store.SetPaymentRef(ctx, tx, id, processorRef); err != nil {
			return nil, err
		}
	}
	if _, err := s.ledger.Debit(ctx, tx, ledger.Entry{
		PaymentID: &p.ID, UserID: p.PayerID, Type: models.TxTypePayment,
		Amount: p.Amount, Currency: p.Currency, Description: "payment sent",
	}); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Credit(ctx, tx, ledger.Entry{
		PaymentID: &p.ID, UserID: p.PayeeID, Type: models.TxTypePayment,
		Amount: p.Amount, Currency: p.Currency, Description: "payment received",
	}); err != nil {
		return nil, err
	}
	if p.Fee.IsPositive() {
		if _, err := s.ledger.Debit(ctx, tx, ledger.Entry{
			PaymentID: &p.ID, UserID: p.PayeeID, Type: models.TxTypeFee,
			Amount: p.Fee, Currency: p.Currency, Description: "platform fee",
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// HoldInEscrow takes custody of the funds: a single payer-side escrow-hold
// debit, with hold/release dates computed from the configured hold period.
// The payee receives nothing until release. externalRef is the
// processor-issued hold reference; the platform never fabricates one.
func (s *Service) HoldInEscrow(ctx context.Context, id uuid.UUID, externalRef string) (*models.Payment, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.store.CompareAndSetStatus(ctx, tx, id, transitionSources[models.StatusHeldInEscrow], models.StatusHeldInEscrow)
	if err != nil {
		return nil, err
	}
	holdDate := s.now()
	releaseDate := holdDate.AddDate(0, 0, s.cfg.EscrowHoldPeriodDays)
	var refPtr *string
	if externalRef != "" {
		refPtr = &externalRef
	}
	if err := s.store.SetEscrowSchedule(ctx, tx, id, holdDate, releaseDate, refPtr); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Debit(ctx, tx, ledger.Entry{
		PaymentID: &p.ID, UserID: p.PayerID, Type: models.TxTypeEscrowHold,
		Amount: p.Amount, Currency: p.Currency, Description: "funds held in escrow",
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	p.EscrowHoldDate = &holdDate
	p.EscrowReleaseDate = &releaseDate
	if refPtr != nil {
		p.ExternalPaymentRef = refPtr
	}
	return p, nil
}

// ReleaseFromEscrow settles an escrowed payment: payee credit for the
// amount plus the payee-side fee debit. completed_at is stamped by the
// status write. transferRef is the processor-issued transfer reference.
func (s *Service) ReleaseFromEscrow(ctx context.Context, id uuid.UUID, transferRef string) (*models.Payment, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.store.CompareAndSetStatus(ctx, tx, id, transitionSources[models.StatusReleasedFromEscrow], models.StatusReleasedFromEscrow)
	if err != nil {
		return nil, err
	}
	if transferRef != "" {
		if err := s.store.SetTransferRef(ctx, tx, id, transferRef); err != nil {
			return nil, err
		}
	}
	if _, err := s.ledger.Credit(ctx, tx, ledger.Entry{
		PaymentID: &p.ID, UserID: p.PayeeID, Type: models.TxTypeEscrowRelease,
		Amount: p.Amount, Currency: p.Currency, Description: "escrow released",
	}); err != nil {
		return nil, err
	}
	if p.Fee.IsPositive() {
		if _, err := s.ledger.Debit(ctx, tx, ledger.Entry{
			PaymentID: &p.ID, UserID: p.PayeeID, Type: models.TxTypeFee,
			Amount: p.Fee, Currency: p.Currency, Description: "platform fee",
		}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// CheckRefundable reports whether a refund of refundAmount would be legal
// for the payment as read: valid amount not exceeding the original, and a
// status a refund can leave from. Callers that move money externally before
// the REFUNDED transition must check this first; the transition guard
// re-verifies the status under the transaction.
func CheckRefundable(p *models.Payment, refundAmount decimal.Decimal) error {
	if err := models.ValidateAmount("refund_amount", refundAmount); err != nil {
		return err
	}
	if refundAmount.GreaterThan(p.Amount) {
		return &models.ValidationError{Field: "refund_amount", Reason: "exceeds original payment amount"}
	}
	for _, s := range transitionSources[models.StatusRefunded] {
		if p.Status == s {
			return nil
		}
	}
	return &IllegalTransitionError{PaymentID: p.ID, Op: "refund", Current: p.Status, Target: models.StatusRefunded}
}

// Refund reverses up to the full amount of a settled or escrowed payment:
// payer credit and payee debit for refundAmount, plus a prorated fee credit
// back to the payee when the original fee was non-zero.
func (s *Service) Refund(ctx context.Context, id uuid.UUID, refundAmount decimal.Decimal, reason string) (*models.Payment, error) {
	if err := models.ValidateAmount("refund_amount", refundAmount); err != nil {
		return nil, err
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	current, err := s.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if refundAmount.GreaterThan(current.Amount) {
		return nil, &models.ValidationError{Field: "refund_amount", Reason: "exceeds original payment amount"}
	}

	p, err := s.store.CompareAndSetStatus(ctx, tx, id, transitionSources[models.StatusRefunded], models.StatusRefunded)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Credit(ctx, tx, ledger.Entry{
		PaymentID: &p.ID, UserID: p.PayerID, Type: models.TxTypeRefund,
		Amount: refundAmount, Currency: p.Currency, Description: "refund received",
	}); err != nil {
		return nil, err
	}
	if _, err := s.ledger.Debit(ctx, tx, ledger.Entry{
		PaymentID: &p.ID, UserID: p.PayeeID, Type: models.TxTypeRefund,
		Amount: refundAmount, Currency: p.Currency, Description: "refund given",
	}); err != nil {
		return nil, err
	}
	feeRefund := decimal.Zero
	if p.Fee.IsPositive() {
		feeRefund = ProratedFeeRefund(refundAmount, p.Amount, p.Fee)
		if feeRefund.IsPositive() {
			if _, err := s.ledger.Credit(ctx, tx, ledger.Entry{
				PaymentID: &p.ID, UserID: p.PayeeID, Type: models.TxTypeFee,
				Amount: feeRefund, Currency: p.Currency, Description: "prorated fee refund",
			}); err != nil {
				return nil, err
			}
		}
	}
	if err := s.store.AppendAuditEvent(ctx, tx, id, models.AuditEvent{
		Kind: models.AuditRefund, At: s.now(), Reason: reason,
		RefundAmount: &refundAmount, FeeRefund: &feeRefund,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Fail records a processor failure. Status and audit trail only, no ledger
// effect.
func (s *Service) Fail(ctx context.Context, id uuid.UUID, reason string) (*models.Payment, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	p, err := s.store.CompareAndSetStatus(ctx, tx, id, transitionSources[models.StatusFailed], models.StatusFailed)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendAuditEvent(ctx, tx, id, models.AuditEvent{
		Kind: models.AuditFailure, At: s.now(), Reason: reason,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Cancel aborts a payment that has not settled. Only PENDING and
// PROCESSING payments can be cancelled directly; a payment held in escrow
// carries a live processor hold and must go through CancelHeld so the hold
// is voided first.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Payment, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.store.CompareAndSetStatus(ctx, tx, id, []models.PaymentStatus{models.StatusPending, models.StatusProcessing}, models.StatusCancelled)
	if err != nil {
		return nil, err
	}
	if err := s.store.AppendAuditEvent(ctx, tx, id, models.AuditEvent{
		Kind: models.AuditCancellation, At: s.now(), Reason: reason,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// CancelHeld cancels a payment currently held in escrow, reversing the hold
// with an offsetting payer credit in the same transaction so no funds are
// stranded. Callers must void the processor hold before invoking this.
func (s *Service) CancelHeld(ctx context.Context, id uuid.UUID, reason string) (*models.Payment, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.store.CompareAndSetStatus(ctx, tx, id, []models.PaymentStatus{models.StatusHeldInEscrow}, models.StatusCancelled)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.Credit(ctx, tx, ledger.Entry{
		PaymentID: &p.ID, UserID: p.PayerID, Type: models.TxTypeEscrowRelease,
		Amount: p.Amount, Currency: p.Currency, Description: "escrow hold reversed on cancellation",
	}); err != nil {
		return nil, err
	}
	if err := s.store.AppendAuditEvent(ctx, tx, id, models.AuditEvent{
		Kind: models.AuditCancellation, At: s.now(), Reason: reason,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// ExtendEscrow pushes the release date out by additionalDays and appends an
// extension record (previous date, new date, reason) to the audit trail.
// Valid only while the payment is held in escrow.
func (s *Service) ExtendEscrow(ctx context.Context, id uuid.UUID, additionalDays int, reason string) (*models.Payment, error) {
	if additionalDays <= 0 {
		return nil, &models.ValidationError{Field: "additional_days", Reason: "must be positive"}
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.store.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusHeldInEscrow {
		return nil, &IllegalTransitionError{PaymentID: id, Op: "extend escrow for", Current: p.Status, Target: models.StatusHeldInEscrow}
	}
	if p.EscrowReleaseDate == nil {
		return nil, &models.ValidationError{Field: "escrow_release_date", Reason: "not set"}
	}
	previous := *p.EscrowReleaseDate
	newDate := previous.AddDate(0, 0, additionalDays)
	if err := s.store.SetEscrowReleaseDate(ctx, tx, id, newDate); err != nil {
		return nil, err
	}
	if err := s.store.AppendAuditEvent(ctx, tx, id, models.AuditEvent{
		Kind: models.AuditEscrowExtension, At: s.now(), Reason: reason,
		PreviousReleaseDate: &previous, NewReleaseDate: &newDate, AdditionalDays: additionalDays,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	p.EscrowReleaseDate = &newDate
	return p, nil
}
