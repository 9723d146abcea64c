package processor

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/talentpay/backend/internal/models"
)

// Adapter is the contract the core requires from the external payment
// processor. All references are processor-issued; the core never fabricates
// them. Signature verification of inbound events happens at the HTTP
// boundary before events reach the core.
type Adapter interface {
	// CreateHold places a hold for the payment and returns the
	// processor-issued hold reference.
	CreateHold(ctx context.Context, p *models.Payment) (string, error)
	// Release instructs the processor to transfer held funds to the payee
	// and returns the transfer reference.
	Release(ctx context.Context, p *models.Payment) (string, error)
	// Cancel voids an existing hold.
	Cancel(ctx context.Context, externalRef, reason string) error
	// Refund reverses up to amount of a settled charge and returns the
	// refund reference.
	Refund(ctx context.Context, externalRef string, amount decimal.Decimal, reason string) (string, error)
}

// Error wraps a failed adapter call. A processor error during hold, release
// or refund aborts the transition entirely; no partial state is written.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("processor %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
