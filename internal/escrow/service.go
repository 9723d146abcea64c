package escrow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talentpay/backend/internal/config"
	"github.com/talentpay/backend/internal/models"
	"github.com/talentpay/backend/internal/payments"
	"github.com/talentpay/backend/internal/processor"
)

// ErrEscrowDisabled is returned when an escrow operation is requested while
// escrow is globally disabled.
var ErrEscrowDisabled = errors.New("escrow is disabled")

// PaymentService is the slice of the state machine the escrow manager
// drives. Status guards live in the state machine; the manager validates
// before calling out to the processor so a doomed transition never reaches
// it.
type PaymentService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	HoldInEscrow(ctx context.Context, id uuid.UUID, externalRef string) (*models.Payment, error)
	ReleaseFromEscrow(ctx context.Context, id uuid.UUID, transferRef string) (*models.Payment, error)
	CancelHeld(ctx context.Context, id uuid.UUID, reason string) (*models.Payment, error)
	ExtendEscrow(ctx context.Context, id uuid.UUID, additionalDays int, reason string) (*models.Payment, error)
}

// Service is the escrow policy layer: eligibility, hold/release scheduling,
// and the processor handshake around each escrow transition.
type Service struct {
	payments  PaymentService
	processor processor.Adapter
	cfg       config.Config
	log       *slog.Logger
	now       func() time.Time
}

func NewService(paymentSvc PaymentService, adapter processor.Adapter, cfg config.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{payments: paymentSvc, processor: adapter, cfg: cfg, log: log, now: time.Now}
}

// IsEligible reports whether the payment qualifies for escrow: escrow
// globally enabled, positive amount meeting the configured minimum, and
// both parties present.
func (s *Service) IsEligible(p *models.Payment) bool {
	if !s.cfg.EscrowEnabled {
		return false
	}
	if p.PayerID == uuid.Nil || p.PayeeID == uuid.Nil {
		return false
	}
	if !p.Amount.IsPositive() {
		return false
	}
	return p.Amount.GreaterThanOrEqual(s.cfg.EscrowMinimumAmount)
}

// Hold places the processor hold and, only after acknowledgment, performs
// the HELD_IN_ESCROW transition. A processor failure leaves the payment
// untouched and propagates.
func (s *Service) Hold(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	if !s.cfg.EscrowEnabled {
		return nil, ErrEscrowDisabled
	}
	p, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusPending && p.Status != models.StatusProcessing {
		return nil, &payments.IllegalTransitionError{PaymentID: id, Op: "hold in escrow", Current: p.Status, Target: models.StatusHeldInEscrow}
	}
	if !s.IsEligible(p) {
		return nil, &models.ValidationError{Field: "payment", Reason: "not eligible for escrow"}
	}
	ref, err := s.processor.CreateHold(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.payments.HoldInEscrow(ctx, id, ref)
}

// Release instructs the processor to transfer the held funds, then performs
// the RELEASED_FROM_ESCROW transition.
func (s *Service) Release(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusHeldInEscrow {
		return nil, &payments.IllegalTransitionError{PaymentID: id, Op: "release from escrow", Current: p.Status, Target: models.StatusReleasedFromEscrow}
	}
	if p.EscrowHoldDate == nil {
		return nil, &models.ValidationError{Field: "escrow_hold_date", Reason: "not set"}
	}
	transferRef, err := s.processor.Release(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.payments.ReleaseFromEscrow(ctx, id, transferRef)
}

// Extend pushes the release date out by additionalDays, recording the
// previous and new dates in the append-only extension history.
func (s *Service) Extend(ctx context.Context, id uuid.UUID, additionalDays int, reason string) (*models.Payment, error) {
	if !s.cfg.EscrowEnabled {
		return nil, ErrEscrowDisabled
	}
	return s.payments.ExtendEscrow(ctx, id, additionalDays, reason)
}

// Cancel voids the processor hold, then performs the CANCELLED transition
// with the ledger hold reversal.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, reason string) (*models.Payment, error) {
	p, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != models.StatusHeldInEscrow {
		return nil, &payments.IllegalTransitionError{PaymentID: id, Op: "cancel escrow for", Current: p.Status, Target: models.StatusCancelled}
	}
	if p.ExternalPaymentRef != nil {
		if err := s.processor.Cancel(ctx, *p.ExternalPaymentRef, reason); err != nil {
			return nil, err
		}
	}
	return s.payments.CancelHeld(ctx, id, reason)
}

// Details is the read-only escrow projection for one payment.
type Details struct {
	PaymentID           uuid.UUID       `json:"payment_id"`
	Status              models.PaymentStatus `json:"status"`
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	HoldDate            *time.Time      `json:"hold_date,omitempty"`
	ReleaseDate         *time.Time      `json:"release_date,omitempty"`
	DaysUntilRelease    int             `json:"days_until_release"`
	IsWithinDisputeWindow bool          `json:"is_within_dispute_window"`
	CanRelease          bool            `json:"can_release"`
	Extensions          []models.AuditEvent `json:"extensions,omitempty"`
}

// GetDetails computes the escrow projection: days until release (ceil, never
// negative), whether the dispute window is still open, and whether release
// is currently allowed.
func (s *Service) GetDetails(ctx context.Context, id uuid.UUID) (*Details, error) {
	p, err := s.payments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.EscrowHoldDate == nil || p.EscrowReleaseDate == nil {
		return nil, &models.ValidationError{Field: "payment", Reason: "has not entered escrow"}
	}
	now := s.now()
	d := &Details{
		PaymentID:   p.ID,
		Status:      p.Status,
		Amount:      p.Amount,
		Currency:    p.Currency,
		HoldDate:    p.EscrowHoldDate,
		ReleaseDate: p.EscrowReleaseDate,
		Extensions:  p.Metadata.Extensions(),
	}
	if remaining := p.EscrowReleaseDate.Sub(now); remaining > 0 {
		d.DaysUntilRelease = int((remaining + 24*time.Hour - time.Nanosecond) / (24 * time.Hour))
	}
	disputeEnd := p.EscrowHoldDate.AddDate(0, 0, s.cfg.EscrowDisputeWindowDays)
	d.IsWithinDisputeWindow = now.Before(disputeEnd)
	d.CanRelease = d.DaysUntilRelease <= 0 || !d.IsWithinDisputeWindow
	return d, nil
}
