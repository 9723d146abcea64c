package reconciler

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"github.com/shopspring/decimal"
)

// EventArgs is the durable form of a processor event. The webhook handler
// persists one of these before acknowledging the processor, so a crash
// between acknowledgment and processing loses nothing; river retries failed
// handlers with its default backoff.
type EventArgs struct {
	Type         string           `json:"type"`
	PaymentID    uuid.UUID        `json:"payment_id"`
	ProcessorRef string           `json:"processor_ref,omitempty"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}

func (EventArgs) Kind() string { return "processor_event" }

// InsertOpts dedupes redelivered webhooks: identical events collapse onto
// one queued job.
func (EventArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

type EventWorker struct {
	river.WorkerDefaults[EventArgs]
	svc *Service
	log *slog.Logger
}

func NewEventWorker(svc *Service, log *slog.Logger) *EventWorker {
	if log == nil {
		log = slog.Default()
	}
	return &EventWorker{svc: svc, log: log}
}

func (w *EventWorker) Work(ctx context.Context, job *river.Job[EventArgs]) error {
	args := job.Args
	err := w.svc.HandleEvent(ctx, Event{
		Type:         EventType(args.Type),
		PaymentID:    args.PaymentID,
		ProcessorRef: args.ProcessorRef,
		Amount:       args.Amount,
		Reason:       args.Reason,
	})
	if err != nil {
		w.log.Error("processor event handling failed", "type", args.Type, "payment_id", args.PaymentID, "error", err)
		return err
	}
	return nil
}
