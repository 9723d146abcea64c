package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/talentpay/backend/internal/models"
)

// EscrowReleaser is the slice of the escrow manager the sweep invokes.
type EscrowReleaser interface {
	Release(ctx context.Context, id uuid.UUID) (*models.Payment, error)
}

// DueLister finds escrowed payments past their release date.
type DueLister interface {
	ListDueForRelease(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// ReleaseSweepArgs is the periodic sweep job. Scheduled hourly by main.
type ReleaseSweepArgs struct{}

func (ReleaseSweepArgs) Kind() string { return "escrow_release_sweep" }

// Concurrent sweeps for the same tick would only race the same
// compare-and-set guard, but there is no reason to run two.
func (ReleaseSweepArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

type SweepWorker struct {
	river.WorkerDefaults[ReleaseSweepArgs]
	escrow EscrowReleaser
	store  DueLister
	log    *slog.Logger
	now    func() time.Time
}

func NewSweepWorker(escrowSvc EscrowReleaser, store DueLister, log *slog.Logger) *SweepWorker {
	if log == nil {
		log = slog.Default()
	}
	return &SweepWorker{escrow: escrowSvc, store: store, log: log, now: time.Now}
}

func (w *SweepWorker) Work(ctx context.Context, _ *river.Job[ReleaseSweepArgs]) error {
	_, err := w.Sweep(ctx)
	// Per-payment failures are logged and retried on the next tick; only a
	// failure to list due payments should fail (and re-run) the sweep job.
	return err
}

// Sweep releases every escrowed payment whose release date has passed and
// returns the number of successful releases. One payment's failure never
// aborts the rest: the error is logged and the sweep continues.
func (w *SweepWorker) Sweep(ctx context.Context) (int, error) {
	due, err := w.store.ListDueForRelease(ctx, w.now())
	if err != nil {
		return 0, err
	}
	released := 0
	for _, id := range due {
		if _, err := w.escrow.Release(ctx, id); err != nil {
			w.log.Error("automatic escrow release failed", "payment_id", id, "error", err)
			continue
		}
		released++
	}
	if len(due) > 0 {
		w.log.Info("escrow release sweep finished", "due", len(due), "released", released, "failed", len(due)-released)
	}
	return released, nil
}
