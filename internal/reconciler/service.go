package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talentpay/backend/internal/config"
	"github.com/talentpay/backend/internal/models"
	"github.com/talentpay/backend/internal/payments"
)

type EventType string

const (
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
	EventRefunded  EventType = "refunded"
)

// Event is one asynchronous notification from the external processor.
// Succeeded and failed events carry the platform payment id the processor
// echoes back; refund confirmations are keyed by the processor's own
// payment reference.
type Event struct {
	Type         EventType
	PaymentID    uuid.UUID
	ProcessorRef string
	Amount       *decimal.Decimal
	Reason       string
}

// PaymentService is the slice of the state machine the reconciler drives.
type PaymentService interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetByProcessorRef(ctx context.Context, ref string) (*models.Payment, error)
	Complete(ctx context.Context, id uuid.UUID, processorRef string) (*models.Payment, error)
	HoldInEscrow(ctx context.Context, id uuid.UUID, externalRef string) (*models.Payment, error)
	Fail(ctx context.Context, id uuid.UUID, reason string) (*models.Payment, error)
	Refund(ctx context.Context, id uuid.UUID, amount decimal.Decimal, reason string) (*models.Payment, error)
}

// EscrowPolicy decides whether a successful settlement goes into escrow.
type EscrowPolicy interface {
	IsEligible(p *models.Payment) bool
}

// Service consumes processor events one at a time and drives the matching
// state-machine transitions. Every handler is idempotent under redelivery:
// an event whose target state has already been reached is a no-op, not an
// error.
type Service struct {
	payments PaymentService
	escrow   EscrowPolicy
	cfg      config.Config
	log      *slog.Logger
}

func NewService(paymentSvc PaymentService, escrowPolicy EscrowPolicy, cfg config.Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{payments: paymentSvc, escrow: escrowPolicy, cfg: cfg, log: log}
}

func (s *Service) HandleEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventSucceeded:
		return s.handleSucceeded(ctx, ev)
	case EventFailed:
		return s.handleFailed(ctx, ev)
	case EventRefunded:
		return s.handleRefunded(ctx, ev)
	}
	return fmt.Errorf("unknown processor event type %q", ev.Type)
}

func (s *Service) handleSucceeded(ctx context.Context, ev Event) error {
	p, err := s.payments.Get(ctx, ev.PaymentID)
	if err != nil {
		return err
	}
	switch p.Status {
	case models.StatusHeldInEscrow, models.StatusCompleted, models.StatusReleasedFromEscrow, models.StatusRefunded:
		s.log.Info("settlement event already applied", "payment_id", ev.PaymentID, "status", p.Status)
		return nil
	}
	if s.cfg.EscrowEnabled && s.escrow.IsEligible(p) {
		_, err = s.payments.HoldInEscrow(ctx, ev.PaymentID, ev.ProcessorRef)
	} else {
		_, err = s.payments.Complete(ctx, ev.PaymentID, ev.ProcessorRef)
	}
	return s.swallowIfSettled(err, ev.PaymentID)
}

func (s *Service) handleFailed(ctx context.Context, ev Event) error {
	p, err := s.payments.Get(ctx, ev.PaymentID)
	if err != nil {
		return err
	}
	if p.Status == models.StatusFailed {
		return nil
	}
	_, err = s.payments.Fail(ctx, ev.PaymentID, ev.Reason)
	return s.swallowIfApplied(err, models.StatusFailed)
}

func (s *Service) handleRefunded(ctx context.Context, ev Event) error {
	if ev.ProcessorRef == "" {
		return fmt.Errorf("refund event missing processor reference")
	}
	p, err := s.payments.GetByProcessorRef(ctx, ev.ProcessorRef)
	if err != nil {
		return err
	}
	if p.Status == models.StatusRefunded {
		return nil
	}
	amount := p.Amount
	if ev.Amount != nil {
		amount = *ev.Amount
	}
	_, err = s.payments.Refund(ctx, p.ID, amount, ev.Reason)
	return s.swallowIfApplied(err, models.StatusRefunded)
}

// swallowIfApplied treats an illegal-transition error whose current status
// already equals the target as successful redelivery of an applied event.
func (s *Service) swallowIfApplied(err error, target models.PaymentStatus) error {
	var itErr *payments.IllegalTransitionError
	if errors.As(err, &itErr) && itErr.Current == target {
		return nil
	}
	return err
}

// swallowIfSettled is the succeeded-event variant: a concurrent delivery may
// have raced this one into either settlement state.
func (s *Service) swallowIfSettled(err error, paymentID uuid.UUID) error {
	var itErr *payments.IllegalTransitionError
	if errors.As(err, &itErr) {
		switch itErr.Current {
		case models.StatusHeldInEscrow, models.StatusCompleted, models.StatusReleasedFromEscrow:
			s.log.Info("settlement event raced an earlier delivery", "payment_id", paymentID, "status", itErr.Current)
			return nil
		}
	}
	return err
}
