package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talentpay/backend/internal/config"
	"github.com/talentpay/backend/internal/models"
	"github.com/talentpay/backend/internal/payments"
)

// ---------------------------------------------------------------------------
// In-memory mock for PaymentService. Transitions mutate the stored payment
// so replayed events observe the post-transition status, the way redelivered
// webhooks do in production.
// ---------------------------------------------------------------------------

type mockPayments struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*models.Payment

	completes int
	holds     int
	fails     int
	refunds   []decimal.Decimal
}

func newMockPayments(ps ...*models.Payment) *mockPayments {
	m := &mockPayments{payments: make(map[uuid.UUID]*models.Payment)}
	for _, p := range ps {
		cp := *p
		m.payments[p.ID] = &cp
	}
	return m
}

func (m *mockPayments) Get(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, payments.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPayments) GetByProcessorRef(_ context.Context, ref string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ExternalPaymentRef != nil && *p.ExternalPaymentRef == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, payments.ErrNotFound
}

func (m *mockPayments) transition(id uuid.UUID, sources []models.PaymentStatus, target models.PaymentStatus) (*models.Payment, error) {
	p, ok := m.payments[id]
	if !ok {
		return nil, payments.ErrNotFound
	}
	for _, s := range sources {
		if p.Status == s {
			p.Status = target
			cp := *p
			return &cp, nil
		}
	}
	return nil, &payments.IllegalTransitionError{PaymentID: id, Current: p.Status, Target: target}
}

func (m *mockPayments) Complete(_ context.Context, id uuid.UUID, _ string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completes++
	return m.transition(id, []models.PaymentStatus{models.StatusPending, models.StatusProcessing}, models.StatusCompleted)
}

func (m *mockPayments) HoldInEscrow(_ context.Context, id uuid.UUID, _ string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holds++
	return m.transition(id, []models.PaymentStatus{models.StatusPending, models.StatusProcessing}, models.StatusHeldInEscrow)
}

func (m *mockPayments) Fail(_ context.Context, id uuid.UUID, _ string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails++
	return m.transition(id, []models.PaymentStatus{models.StatusPending, models.StatusProcessing}, models.StatusFailed)
}

func (m *mockPayments) Refund(_ context.Context, id uuid.UUID, amount decimal.Decimal, _ string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refunds = append(m.refunds, amount)
	return m.transition(id, []models.PaymentStatus{models.StatusCompleted, models.StatusHeldInEscrow, models.StatusReleasedFromEscrow}, models.StatusRefunded)
}

func (m *mockPayments) status(id uuid.UUID) models.PaymentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[id].Status
}

// ---

type staticPolicy struct{ eligible bool }

func (p staticPolicy) IsEligible(*models.Payment) bool { return p.eligible }

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func pendingPayment(amount string) *models.Payment {
	return &models.Payment{
		ID:       uuid.New(),
		PayerID:  uuid.New(),
		PayeeID:  uuid.New(),
		Amount:   dec(amount),
		Currency: "USD",
		Status:   models.StatusPending,
		Method:   models.MethodCard,
	}
}

func newTestService(pm *mockPayments, eligible bool) *Service {
	cfg := config.Config{EscrowEnabled: true}
	return NewService(pm, staticPolicy{eligible: eligible}, cfg, nil)
}

// ---------------------------------------------------------------------------
// Succeeded events
// ---------------------------------------------------------------------------

func TestSucceeded_EligibleGoesToEscrow(t *testing.T) {
	p := pendingPayment("500.00")
	pm := newMockPayments(p)
	svc := newTestService(pm, true)

	err := svc.HandleEvent(context.Background(), Event{Type: EventSucceeded, PaymentID: p.ID, ProcessorRef: "ch_1"})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if pm.status(p.ID) != models.StatusHeldInEscrow {
		t.Errorf("status: got %s, want HELD_IN_ESCROW", pm.status(p.ID))
	}
	if pm.holds != 1 || pm.completes != 0 {
		t.Errorf("calls: holds=%d completes=%d, want 1/0", pm.holds, pm.completes)
	}
}

func TestSucceeded_IneligibleCompletesDirectly(t *testing.T) {
	p := pendingPayment("10.00")
	pm := newMockPayments(p)
	svc := newTestService(pm, false)

	err := svc.HandleEvent(context.Background(), Event{Type: EventSucceeded, PaymentID: p.ID, ProcessorRef: "ch_2"})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if pm.status(p.ID) != models.StatusCompleted {
		t.Errorf("status: got %s, want COMPLETED", pm.status(p.ID))
	}
	if pm.completes != 1 || pm.holds != 0 {
		t.Errorf("calls: completes=%d holds=%d, want 1/0", pm.completes, pm.holds)
	}
}

func TestSucceeded_ReplayIsNoOp(t *testing.T) {
	p := pendingPayment("500.00")
	pm := newMockPayments(p)
	svc := newTestService(pm, true)
	ctx := context.Background()
	ev := Event{Type: EventSucceeded, PaymentID: p.ID, ProcessorRef: "ch_1"}

	if err := svc.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	// Redelivery of the same event observes HELD_IN_ESCROW and does nothing.
	if err := svc.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("redelivery must be a no-op, got: %v", err)
	}
	if pm.holds != 1 {
		t.Errorf("transition attempts after replay: got %d, want 1", pm.holds)
	}
}

func TestSucceeded_SwallowsRaceToSettled(t *testing.T) {
	// Pre-read sees PENDING but the transition loses the compare-and-set to
	// a concurrent delivery. The illegal-transition error is swallowed.
	p := pendingPayment("500.00")
	pm := newMockPayments(p)
	pm.payments[p.ID].Status = models.StatusPending
	svc := newTestService(pm, false)

	// Simulate the race: complete through a side channel between the
	// pre-read and the guarded write.
	raced := &racingPayments{mockPayments: pm, flipTo: models.StatusCompleted}
	svc.payments = raced

	err := svc.HandleEvent(context.Background(), Event{Type: EventSucceeded, PaymentID: p.ID, ProcessorRef: "ch_1"})
	if err != nil {
		t.Fatalf("raced delivery must be swallowed, got: %v", err)
	}
}

// racingPayments flips the payment's status after the pre-read so the
// subsequent transition fails its guard.
type racingPayments struct {
	*mockPayments
	flipTo models.PaymentStatus
}

func (r *racingPayments) Get(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, err := r.mockPayments.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.payments[id].Status = r.flipTo
	r.mu.Unlock()
	return p, nil
}

// ---------------------------------------------------------------------------
// Failed events
// ---------------------------------------------------------------------------

func TestFailed(t *testing.T) {
	p := pendingPayment("100.00")
	pm := newMockPayments(p)
	svc := newTestService(pm, true)
	ctx := context.Background()
	ev := Event{Type: EventFailed, PaymentID: p.ID, Reason: "card declined"}

	if err := svc.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if pm.status(p.ID) != models.StatusFailed {
		t.Errorf("status: got %s, want FAILED", pm.status(p.ID))
	}

	if err := svc.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("redelivered failure must be a no-op, got: %v", err)
	}
	if pm.fails != 1 {
		t.Errorf("fail attempts: got %d, want 1", pm.fails)
	}
}

// ---------------------------------------------------------------------------
// Refunded events
// ---------------------------------------------------------------------------

func TestRefunded_ByProcessorRef(t *testing.T) {
	p := pendingPayment("300.00")
	p.Status = models.StatusCompleted
	ref := "ch_77"
	p.ExternalPaymentRef = &ref
	pm := newMockPayments(p)
	svc := newTestService(pm, true)

	amount := dec("120.00")
	err := svc.HandleEvent(context.Background(), Event{Type: EventRefunded, ProcessorRef: ref, Amount: &amount, Reason: "dispute"})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if pm.status(p.ID) != models.StatusRefunded {
		t.Errorf("status: got %s, want REFUNDED", pm.status(p.ID))
	}
	if len(pm.refunds) != 1 || !pm.refunds[0].Equal(dec("120.00")) {
		t.Errorf("refund amounts: %v, want [120.00]", pm.refunds)
	}
}

func TestRefunded_DefaultsToFullAmount(t *testing.T) {
	p := pendingPayment("300.00")
	p.Status = models.StatusCompleted
	ref := "ch_78"
	p.ExternalPaymentRef = &ref
	pm := newMockPayments(p)
	svc := newTestService(pm, true)

	err := svc.HandleEvent(context.Background(), Event{Type: EventRefunded, ProcessorRef: ref})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(pm.refunds) != 1 || !pm.refunds[0].Equal(dec("300.00")) {
		t.Errorf("refund amounts: %v, want the full 300.00", pm.refunds)
	}
}

func TestRefunded_RequiresProcessorRef(t *testing.T) {
	svc := newTestService(newMockPayments(), true)
	err := svc.HandleEvent(context.Background(), Event{Type: EventRefunded})
	if err == nil {
		t.Error("refunded event without processor_ref must error")
	}
}

func TestRefunded_ReplayIsNoOp(t *testing.T) {
	p := pendingPayment("300.00")
	p.Status = models.StatusCompleted
	ref := "ch_79"
	p.ExternalPaymentRef = &ref
	pm := newMockPayments(p)
	svc := newTestService(pm, true)
	ctx := context.Background()
	ev := Event{Type: EventRefunded, ProcessorRef: ref}

	if err := svc.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := svc.HandleEvent(ctx, ev); err != nil {
		t.Fatalf("redelivery must be a no-op, got: %v", err)
	}
	if len(pm.refunds) != 1 {
		t.Errorf("refund attempts: got %d, want 1", len(pm.refunds))
	}
}

// ---------------------------------------------------------------------------
// Unknown events
// ---------------------------------------------------------------------------

func TestUnknownEventType(t *testing.T) {
	svc := newTestService(newMockPayments(), true)
	err := svc.HandleEvent(context.Background(), Event{Type: "chargeback.created"})
	if err == nil {
		t.Error("unknown event type must error")
	}
	var itErr *payments.IllegalTransitionError
	if errors.As(err, &itErr) {
		t.Error("unknown event type is not a transition error")
	}
}
