package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talentpay/backend/internal/config"
	"github.com/talentpay/backend/internal/models"
	"github.com/talentpay/backend/internal/payments"
)

// ---------------------------------------------------------------------------
// In-memory mocks for PaymentService and processor.Adapter.
// ---------------------------------------------------------------------------

type mockPayments struct {
	mu       sync.Mutex
	payments map[uuid.UUID]*models.Payment

	holds     []string // externalRefs passed to HoldInEscrow
	releases  []string // transferRefs passed to ReleaseFromEscrow
	cancels   []string // reasons passed to CancelHeld
	extension int      // additionalDays of the last ExtendEscrow
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

func (m *mockPayments) HoldInEscrow(_ context.Context, id uuid.UUID, externalRef string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payments[id]
	p.Status = models.StatusHeldInEscrow
	if externalRef != "" {
		p.ExternalPaymentRef = &externalRef
	}
	m.holds = append(m.holds, externalRef)
	cp := *p
	return &cp, nil
}

func (m *mockPayments) ReleaseFromEscrow(_ context.Context, id uuid.UUID, transferRef string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payments[id]
	p.Status = models.StatusReleasedFromEscrow
	m.releases = append(m.releases, transferRef)
	cp := *p
	return &cp, nil
}

func (m *mockPayments) CancelHeld(_ context.Context, id uuid.UUID, reason string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payments[id]
	p.Status = models.StatusCancelled
	m.cancels = append(m.cancels, reason)
	cp := *p
	return &cp, nil
}

func (m *mockPayments) ExtendEscrow(_ context.Context, id uuid.UUID, additionalDays int, _ string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.payments[id]
	d := p.EscrowReleaseDate.AddDate(0, 0, additionalDays)
	p.EscrowReleaseDate = &d
	m.extension = additionalDays
	cp := *p
	return &cp, nil
}

func (m *mockPayments) status(id uuid.UUID) models.PaymentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[id].Status
}

// ---

type mockAdapter struct {
	mu        sync.Mutex
	holdRef   string
	relRef    string
	err       error
	holds     int
	releases  int
	cancelled []string
	refunds   int
}

func (a *mockAdapter) CreateHold(_ context.Context, _ *models.Payment) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.holds++
	if a.err != nil {
		return "", a.err
	}
	return a.holdRef, nil
}

func (a *mockAdapter) Release(_ context.Context, _ *models.Payment) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.releases++
	if a.err != nil {
		return "", a.err
	}
	return a.relRef, nil
}

func (a *mockAdapter) Cancel(_ context.Context, ref, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = append(a.cancelled, ref)
	return a.err
}

func (a *mockAdapter) Refund(_ context.Context, _ string, _ decimal.Decimal, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refunds++
	if a.err != nil {
		return "", a.err
	}
	return "re_1", nil
}

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

func testConfig() config.Config {
	return config.Config{
		EscrowEnabled:           true,
		EscrowHoldPeriodDays:    14,
		EscrowDisputeWindowDays: 7,
		EscrowMinimumAmount:     dec("50.00"),
	}
}

func escrowPayment(status models.PaymentStatus, amount string) *models.Payment {
	return &models.Payment{
		ID:       uuid.New(),
		PayerID:  uuid.New(),
		PayeeID:  uuid.New(),
		Amount:   dec(amount),
		Currency: "USD",
		Status:   status,
		Method:   models.MethodCard,
	}
}

func newTestService(pm *mockPayments, ad *mockAdapter, cfg config.Config, at time.Time) *Service {
	svc := NewService(pm, ad, cfg, nil)
	svc.now = func() time.Time { return at }
	return svc
}

// ---------------------------------------------------------------------------
// Eligibility
// ---------------------------------------------------------------------------

func TestIsEligible(t *testing.T) {
	svc := newTestService(newMockPayments(), &mockAdapter{}, testConfig(), time.Now())

	eligible := escrowPayment(models.StatusPending, "100.00")
	if !svc.IsEligible(eligible) {
		t.Error("payment at twice the minimum should be eligible")
	}

	atMinimum := escrowPayment(models.StatusPending, "50.00")
	if !svc.IsEligible(atMinimum) {
		t.Error("payment exactly at the minimum should be eligible")
	}

	below := escrowPayment(models.StatusPending, "49.99")
	if svc.IsEligible(below) {
		t.Error("payment below the minimum must not be eligible")
	}

	noPayee := escrowPayment(models.StatusPending, "100.00")
	noPayee.PayeeID = uuid.Nil
	if svc.IsEligible(noPayee) {
		t.Error("payment without a payee must not be eligible")
	}

	disabled := testConfig()
	disabled.EscrowEnabled = false
	svcOff := newTestService(newMockPayments(), &mockAdapter{}, disabled, time.Now())
	if svcOff.IsEligible(eligible) {
		t.Error("nothing is eligible while escrow is disabled")
	}
}

// ---------------------------------------------------------------------------
// Hold
// ---------------------------------------------------------------------------

func TestHold(t *testing.T) {
	p := escrowPayment(models.StatusPending, "100.00")
	pm := newMockPayments(p)
	ad := &mockAdapter{holdRef: "hold_abc"}
	svc := newTestService(pm, ad, testConfig(), time.Now())

	got, err := svc.Hold(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Hold: %v", err)
	}
	if got.Status != models.StatusHeldInEscrow {
		t.Errorf("status: got %s, want HELD_IN_ESCROW", got.Status)
	}
	// The processor-issued reference flows into the transition.
	if len(pm.holds) != 1 || pm.holds[0] != "hold_abc" {
		t.Errorf("hold refs passed to state machine: %v", pm.holds)
	}
}

func TestHold_ProcessorFailureLeavesPaymentUntouched(t *testing.T) {
	p := escrowPayment(models.StatusPending, "100.00")
	pm := newMockPayments(p)
	ad := &mockAdapter{err: errors.New("processor unavailable")}
	svc := newTestService(pm, ad, testConfig(), time.Now())

	_, err := svc.Hold(context.Background(), p.ID)
	if err == nil {
		t.Fatal("expected processor error to propagate")
	}
	if pm.status(p.ID) != models.StatusPending {
		t.Error("payment must stay PENDING when the processor hold fails")
	}
	if len(pm.holds) != 0 {
		t.Error("no transition may happen before processor acknowledgment")
	}
}

func TestHold_Guards(t *testing.T) {
	held := escrowPayment(models.StatusHeldInEscrow, "100.00")
	small := escrowPayment(models.StatusPending, "10.00")
	pm := newMockPayments(held, small)
	ad := &mockAdapter{holdRef: "hold_x"}
	svc := newTestService(pm, ad, testConfig(), time.Now())
	ctx := context.Background()

	_, err := svc.Hold(ctx, held.ID)
	var itErr *payments.IllegalTransitionError
	if !errors.As(err, &itErr) {
		t.Errorf("already-held payment: expected IllegalTransitionError, got: %v", err)
	}

	_, err = svc.Hold(ctx, small.ID)
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Errorf("below-minimum payment: expected ValidationError, got: %v", err)
	}

	if ad.holds != 0 {
		t.Error("the processor must not be called for ineligible holds")
	}

	disabled := testConfig()
	disabled.EscrowEnabled = false
	svcOff := newTestService(pm, ad, disabled, time.Now())
	if _, err := svcOff.Hold(ctx, small.ID); !errors.Is(err, ErrEscrowDisabled) {
		t.Errorf("expected ErrEscrowDisabled, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Release / Cancel / Extend
// ---------------------------------------------------------------------------

func TestRelease(t *testing.T) {
	p := escrowPayment(models.StatusHeldInEscrow, "100.00")
	hold := time.Now().AddDate(0, 0, -14)
	p.EscrowHoldDate = &hold
	pm := newMockPayments(p)
	ad := &mockAdapter{relRef: "tr_123"}
	svc := newTestService(pm, ad, testConfig(), time.Now())

	got, err := svc.Release(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got.Status != models.StatusReleasedFromEscrow {
		t.Errorf("status: got %s, want RELEASED_FROM_ESCROW", got.Status)
	}
	if len(pm.releases) != 1 || pm.releases[0] != "tr_123" {
		t.Errorf("transfer refs passed to state machine: %v", pm.releases)
	}
}

func TestRelease_RequiresHeldStatus(t *testing.T) {
	p := escrowPayment(models.StatusCompleted, "100.00")
	pm := newMockPayments(p)
	ad := &mockAdapter{}
	svc := newTestService(pm, ad, testConfig(), time.Now())

	_, err := svc.Release(context.Background(), p.ID)
	var itErr *payments.IllegalTransitionError
	if !errors.As(err, &itErr) {
		t.Fatalf("expected IllegalTransitionError, got: %v", err)
	}
	if ad.releases != 0 {
		t.Error("the processor must not be called for an illegal release")
	}
}

func TestCancel_VoidsProcessorHold(t *testing.T) {
	p := escrowPayment(models.StatusHeldInEscrow, "100.00")
	ref := "hold_abc"
	p.ExternalPaymentRef = &ref
	pm := newMockPayments(p)
	ad := &mockAdapter{}
	svc := newTestService(pm, ad, testConfig(), time.Now())

	got, err := svc.Cancel(context.Background(), p.ID, "contract terminated")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Errorf("status: got %s, want CANCELLED", got.Status)
	}
	if len(ad.cancelled) != 1 || ad.cancelled[0] != "hold_abc" {
		t.Errorf("processor cancel refs: %v", ad.cancelled)
	}
	if len(pm.cancels) != 1 || pm.cancels[0] != "contract terminated" {
		t.Errorf("cancel reasons: %v", pm.cancels)
	}
}

func TestExtend(t *testing.T) {
	p := escrowPayment(models.StatusHeldInEscrow, "100.00")
	release := time.Now().AddDate(0, 0, 5)
	p.EscrowReleaseDate = &release
	pm := newMockPayments(p)
	svc := newTestService(pm, &mockAdapter{}, testConfig(), time.Now())

	got, err := svc.Extend(context.Background(), p.ID, 7, "dispute opened")
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	want := release.AddDate(0, 0, 7)
	if !got.EscrowReleaseDate.Equal(want) {
		t.Errorf("release date: got %v, want %v", got.EscrowReleaseDate, want)
	}

	disabled := testConfig()
	disabled.EscrowEnabled = false
	svcOff := newTestService(pm, &mockAdapter{}, disabled, time.Now())
	if _, err := svcOff.Extend(context.Background(), p.ID, 7, "x"); !errors.Is(err, ErrEscrowDisabled) {
		t.Errorf("expected ErrEscrowDisabled, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Details
// ---------------------------------------------------------------------------

func TestGetDetails(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	p := escrowPayment(models.StatusHeldInEscrow, "100.00")
	hold := now.AddDate(0, 0, -4) // 4 days into a 7-day dispute window
	release := now.Add(49 * time.Hour)
	p.EscrowHoldDate = &hold
	p.EscrowReleaseDate = &release
	pm := newMockPayments(p)
	svc := newTestService(pm, &mockAdapter{}, testConfig(), now)

	d, err := svc.GetDetails(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetDetails: %v", err)
	}
	// 49 hours remaining rounds up to 3 days.
	if d.DaysUntilRelease != 3 {
		t.Errorf("days until release: got %d, want 3", d.DaysUntilRelease)
	}
	if !d.IsWithinDisputeWindow {
		t.Error("4 days after hold is inside a 7-day dispute window")
	}
	if d.CanRelease {
		t.Error("release must not be allowed: not due and still disputed")
	}

	// Past the release date: due, so releasable even inside the window.
	past := release.Add(time.Minute)
	svcLater := newTestService(pm, &mockAdapter{}, testConfig(), past)
	d, err = svcLater.GetDetails(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("GetDetails at due date: %v", err)
	}
	if d.DaysUntilRelease != 0 {
		t.Errorf("days until release after due date: got %d, want 0", d.DaysUntilRelease)
	}
	if !d.CanRelease {
		t.Error("a due payment is releasable")
	}
}

func TestGetDetails_NotInEscrow(t *testing.T) {
	p := escrowPayment(models.StatusPending, "100.00")
	pm := newMockPayments(p)
	svc := newTestService(pm, &mockAdapter{}, testConfig(), time.Now())

	_, err := svc.GetDetails(context.Background(), p.ID)
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Errorf("expected ValidationError, got: %v", err)
	}
}
