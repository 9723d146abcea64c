package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Audit event kinds recorded on a payment's metadata.
type AuditKind string

const (
	AuditFailure         AuditKind = "failure"
	AuditCancellation    AuditKind = "cancellation"
	AuditRefund          AuditKind = "refund"
	AuditEscrowExtension AuditKind = "escrow_extension"
)

// AuditEvent is one entry in a payment's audit trail. Fields beyond Kind,
// At and Reason are populated per kind: refund events carry the amounts,
// extension events carry the before/after release dates.
type AuditEvent struct {
	Kind   AuditKind `json:"kind"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`

	RefundAmount *decimal.Decimal `json:"refund_amount,omitempty"`
	FeeRefund    *decimal.Decimal `json:"fee_refund,omitempty"`

	PreviousReleaseDate *time.Time `json:"previous_release_date,omitempty"`
	NewReleaseDate      *time.Time `json:"new_release_date,omitempty"`
	AdditionalDays      int        `json:"additional_days,omitempty"`
}

// AuditLog is the append-only audit trail stored in the payment metadata
// column. Entries are only ever appended; prior history is never rewritten.
type AuditLog []AuditEvent

// Extensions returns the escrow extension history in recorded order.
func (l AuditLog) Extensions() []AuditEvent {
	var out []AuditEvent
	for _, e := range l {
		if e.Kind == AuditEscrowExtension {
			out = append(out, e)
		}
	}
	return out
}

// Last returns the most recent event of the given kind, or nil.
func (l AuditLog) Last(kind AuditKind) *AuditEvent {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].Kind == kind {
			e := l[i]
			return &e
		}
	}
	return nil
}
