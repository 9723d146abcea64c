package payments

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/talentpay/backend/internal/models"
)

// ErrNotFound is returned when no payment exists for the given id or
// processor reference.
var ErrNotFound = errors.New("payment not found")

// IllegalTransitionError is returned when a status guard fails: the
// payment's current status, re-read immediately before the write, is not a
// legal source for the requested operation. The operation makes no change.
type IllegalTransitionError struct {
	PaymentID uuid.UUID
	Op        string
	Current   models.PaymentStatus
	Target    models.PaymentStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot %s payment %s: status is %s", e.Op, e.PaymentID, e.Current)
}

func opForTarget(target models.PaymentStatus) string {
	switch target {
	case models.StatusProcessing:
		return "process"
	case models.StatusCompleted:
		return "complete"
	case models.StatusHeldInEscrow:
		return "hold in escrow"
	case models.StatusReleasedFromEscrow:
		return "release from escrow"
	case models.StatusFailed:
		return "fail"
	case models.StatusCancelled:
		return "cancel"
	case models.StatusRefunded:
		return "refund"
	}
	return "transition"
}
