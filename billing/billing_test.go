package billing_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/domain"
	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/logger"
	"github.com/warp/billing-engine/runlock"
	"github.com/warp/billing-engine/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var today = domain.Date(2026, time.March, 10)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func payerRef(id domain.PayerID) *domain.PayerID { return &id }

type fixture struct {
	ctx    context.Context
	store  *memory.Store
	poster *ledger.Poster
	clock  domain.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger.Discard()

	s := memory.New()
	ctx := context.Background()
	for _, code := range []string{domain.AccountCash, domain.AccountReceivable, domain.AccountRevenue} {
		require.NoError(t, s.SaveAccount(ctx, domain.Account{ID: domain.AccountID("acc-" + code), Code: code}))
	}
	require.NoError(t, s.SavePolicy(ctx, domain.Policy{
		ID: "pol-std", AdultRate: d("100"), ChildRate: d("40"), SeniorRate: d("180"),
	}))

	clock := domain.FixedClock(today.Add(9 * time.Hour))
	return &fixture{ctx: ctx, store: s, poster: ledger.NewPoster(s, clock), clock: clock}
}

func (f *fixture) engine(store billing.Store, opts ...billing.Option) *billing.Engine {
	return billing.NewEngine(store, f.poster, append([]billing.Option{billing.WithClock(f.clock)}, opts...)...)
}

// selfPaidMember is an Individual-payer member who joined on today's day-of-month.
func (f *fixture) selfPaidMember(t *testing.T, id domain.MemberID, joined time.Time) {
	t.Helper()
	payer := domain.PayerID("payer-" + string(id))
	require.NoError(t, f.store.SavePayer(f.ctx, domain.PremiumPayer{ID: payer, Name: string(id), Type: domain.PayerIndividual, Active: true}))
	require.NoError(t, f.store.SaveMember(f.ctx, domain.Member{
		ID:          id,
		DateOfBirth: domain.Date(1988, time.July, 4),
		JoinDate:    joined,
		PolicyID:    "pol-std",
		PayerID:     payerRef(payer),
		PayerType:   domain.PayerIndividual,
		Status:      domain.MemberActive,
	}))
}

func (f *fixture) groupPayer(t *testing.T, id domain.PayerID, name string) {
	t.Helper()
	require.NoError(t, f.store.SavePayer(f.ctx, domain.PremiumPayer{ID: id, Name: name, Type: domain.PayerGroup, PaymentTermsDays: 30, Active: true}))
}

func (f *fixture) groupMember(t *testing.T, id domain.MemberID, payer domain.PayerID, deps ...domain.Dependant) {
	t.Helper()
	require.NoError(t, f.store.SaveMember(f.ctx, domain.Member{
		ID:          id,
		DateOfBirth: domain.Date(1980, time.January, 1),
		JoinDate:    domain.Date(2024, time.June, 1),
		PolicyID:    "pol-std",
		Dependants:  deps,
		PayerID:     payerRef(payer),
		PayerType:   domain.PayerGroup,
		Status:      domain.MemberActive,
	}))
}

// unavailableStore reports a missing schema for every run-table call.
type unavailableStore struct {
	*memory.Store
}

var errNoTable = fmt.Errorf("%w: no such table: billing_runs", domain.ErrStoreUnavailable)

func (unavailableStore) HasCompletedBillingRun(context.Context, string, domain.BillingStrategy) (bool, error) {
	return false, errNoTable
}

func (unavailableStore) CreateBillingRun(context.Context, domain.BillingRun) error { return errNoTable }

// brokenInvoiceStore fails every invoice insert.
type brokenInvoiceStore struct {
	*memory.Store
}

func (brokenInvoiceStore) CreateInvoice(context.Context, domain.Invoice) error {
	return errors.New("disk I/O error")
}

// =============================================================================
// INDIVIDUAL STRATEGY
// =============================================================================

func TestIndividual_AnniversaryInvoiceAndRevenueEntry(t *testing.T) {
	// GIVEN: Member M joined 14 months ago on today's day-of-month, adult rate 100
	// WHEN: Individual billing runs twice the same day
	// THEN: One Unpaid invoice of 100.00 and one AR/Revenue entry
	f := newFixture(t)
	f.selfPaidMember(t, "member-m", domain.Date(2025, time.January, 10))
	engine := f.engine(f.store)

	run, err := engine.ExecuteIndividualBilling(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, domain.StrategyIndividual, run.Strategy)
	assert.Equal(t, 1, run.InvoiceCount)
	assert.True(t, run.TotalAmount.Equal(d("100")))
	assert.False(t, run.Simulated)

	invoices, err := f.store.ListInvoices(f.ctx, "2026-3")
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	inv := invoices[0]
	assert.True(t, inv.TotalAmount.Equal(d("100.00")))
	assert.Equal(t, domain.InvoiceUnpaid, inv.Status)
	assert.Equal(t, today, inv.DueDate, "individual invoices are due immediately")
	require.NotNil(t, inv.MemberID)
	assert.Equal(t, domain.MemberID("member-m"), *inv.MemberID)
	assert.Equal(t, run.ID, inv.BillingRunID)

	entries, _ := f.poster.Entries(f.ctx, string(inv.ID))
	require.Len(t, entries, 1)
	assert.Equal(t, domain.AccountID("acc-1200"), entries[0].Lines[0].AccountID)
	assert.True(t, entries[0].Lines[0].Debit.Equal(d("100")))
	assert.Equal(t, domain.AccountID("acc-4000"), entries[0].Lines[1].AccountID)
	assert.True(t, entries[0].Lines[1].Credit.Equal(d("100")))

	second, err := engine.ExecuteIndividualBilling(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.InvoiceCount)

	invoices, _ = f.store.ListInvoices(f.ctx, "2026-3")
	assert.Len(t, invoices, 1)
	runs, _ := f.store.ListBillingRuns(f.ctx)
	assert.Len(t, runs, 2, "each individual run is recorded")
}

func TestIndividual_OnlyAnniversaryDayAndPayerReference(t *testing.T) {
	f := newFixture(t)
	f.selfPaidMember(t, "due", domain.Date(2024, time.May, 10))
	f.selfPaidMember(t, "not-due", domain.Date(2024, time.May, 11))
	require.NoError(t, f.store.SaveMember(f.ctx, domain.Member{
		ID: "no-payer", JoinDate: domain.Date(2024, time.May, 10), PolicyID: "pol-std",
		PayerType: domain.PayerIndividual, Status: domain.MemberActive,
	}))

	run, err := f.engine(f.store).ExecuteIndividualBilling(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, run.InvoiceCount)
	assert.Contains(t, run.Logs, "Skipped member no-payer: no payer reference")
}

// =============================================================================
// GROUP STRATEGY
// =============================================================================

func TestGroup_InvoicesPerPayerAndRejectsSecondRun(t *testing.T) {
	f := newFixture(t)
	f.groupPayer(t, "acme", "Acme Ltd")
	f.groupPayer(t, "empty", "Empty Co")
	f.groupMember(t, "g1", "acme")
	f.groupMember(t, "g2", "acme", domain.Dependant{ID: "kid", DateOfBirth: domain.Date(2015, 1, 1), Relationship: domain.RelationshipChild})
	engine := f.engine(f.store)
	period := domain.Period{Year: 2026, Month: time.March}

	run, err := engine.ExecuteGroupBilling(f.ctx, period)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, 1, run.InvoiceCount)
	assert.True(t, run.TotalAmount.Equal(d("240")))
	assert.Contains(t, run.Logs, "Skipped Empty Co: no active members")
	assert.Contains(t, run.Logs, "Invoiced Acme Ltd: 2 members, 240.00")

	invoices, _ := f.store.ListInvoices(f.ctx, "2026-3")
	require.Len(t, invoices, 1)
	assert.Equal(t, domain.PayerID("acme"), invoices[0].PayerID)
	assert.Nil(t, invoices[0].MemberID)
	assert.Equal(t, domain.Date(2026, time.April, 9), invoices[0].DueDate)

	_, err = engine.ExecuteGroupBilling(f.ctx, period)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRunAlreadyCompleted)
	assert.Contains(t, err.Error(), "already completed")
}

func TestGroup_ZeroPeriodMeansCurrentMonth(t *testing.T) {
	f := newFixture(t)
	run, err := f.engine(f.store).ExecuteGroupBilling(f.ctx, domain.Period{})
	require.NoError(t, err)
	assert.Equal(t, "2026-3", run.PeriodKey)
}

func TestGroup_InvalidPeriod(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine(f.store).ExecuteGroupBilling(f.ctx, domain.Period{Year: 2026, Month: 13})
	assert.ErrorIs(t, err, domain.ErrInvalidPeriod)
}

func TestGroup_InsertFailure_MarksRunFailed(t *testing.T) {
	// GIVEN: Invoice inserts fail
	// THEN: Run is Failed with the error in its logs, and the error is returned
	f := newFixture(t)
	f.groupPayer(t, "acme", "Acme Ltd")
	f.groupMember(t, "g1", "acme")

	run, err := f.engine(brokenInvoiceStore{f.store}).ExecuteGroupBilling(f.ctx, domain.Period{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	require.NotNil(t, run)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Contains(t, run.Logs[len(run.Logs)-1], "Failed:")

	runs, _ := f.store.ListBillingRuns(f.ctx)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunFailed, runs[0].Status)

	// A failed run does not block a retry
	retry, err := f.engine(f.store).ExecuteGroupBilling(f.ctx, domain.Period{})
	require.NoError(t, err)
	assert.Equal(t, 1, retry.InvoiceCount)
}

func TestGroup_LockHeld(t *testing.T) {
	f := newFixture(t)
	locks := runlock.NewLocal()
	release, err := locks.Acquire(f.ctx, runlock.Key("billing", "Group", "2026-3"))
	require.NoError(t, err)
	defer release()

	_, err = f.engine(f.store, billing.WithLocker(locks)).ExecuteGroupBilling(f.ctx, domain.Period{})
	assert.ErrorIs(t, err, domain.ErrRunInProgress)
}

// =============================================================================
// FALLBACK POLICY
// =============================================================================

func TestFallback_SimulateReturnsSyntheticRun(t *testing.T) {
	f := newFixture(t)
	store := unavailableStore{f.store}

	for _, exec := range []func(*billing.Engine) (*domain.BillingRun, error){
		func(e *billing.Engine) (*domain.BillingRun, error) { return e.ExecuteGroupBilling(f.ctx, domain.Period{}) },
		func(e *billing.Engine) (*domain.BillingRun, error) { return e.ExecuteIndividualBilling(f.ctx) },
	} {
		run, err := exec(f.engine(store))
		require.NoError(t, err)
		assert.True(t, run.Simulated)
		assert.Equal(t, domain.RunCompleted, run.Status)
		assert.Positive(t, run.InvoiceCount)
		require.NotEmpty(t, run.Logs)
		assert.Contains(t, run.Logs[0], "Simulated run")
	}

	invoices, _ := f.store.ListInvoices(f.ctx, "")
	assert.Empty(t, invoices)
}

func TestFallback_StrictPropagates(t *testing.T) {
	f := newFixture(t)
	engine := f.engine(unavailableStore{f.store}, billing.WithFallback(billing.FallbackStrict))

	_, err := engine.ExecuteGroupBilling(f.ctx, domain.Period{})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	_, err = engine.ExecuteIndividualBilling(f.ctx)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}

func TestFallback_OtherErrorsAreNeverSimulated(t *testing.T) {
	f := newFixture(t)
	f.groupPayer(t, "acme", "Acme Ltd")
	f.groupMember(t, "g1", "acme")

	run, err := f.engine(brokenInvoiceStore{f.store}).ExecuteGroupBilling(f.ctx, domain.Period{})
	require.Error(t, err)
	assert.False(t, run.Simulated)
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestPayments_PartialThenPaid(t *testing.T) {
	f := newFixture(t)
	f.selfPaidMember(t, "member-m", domain.Date(2025, time.January, 10))
	_, err := f.engine(f.store).ExecuteIndividualBilling(f.ctx)
	require.NoError(t, err)
	invoices, _ := f.store.ListInvoices(f.ctx, "")
	id := invoices[0].ID

	payments := billing.NewPayments(f.store, f.poster, f.clock)

	inv, err := payments.RecordPayment(f.ctx, id, d("40"))
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePartial, inv.Status)

	_, err = payments.RecordPayment(f.ctx, id, d("60.01"))
	assert.ErrorIs(t, err, domain.ErrInvalidPayment, "overpayment")

	inv, err = payments.RecordPayment(f.ctx, id, d("60"))
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, inv.Status)
	assert.True(t, inv.PaidAmount.Equal(d("100")))

	_, err = payments.RecordPayment(f.ctx, id, d("1"))
	assert.ErrorIs(t, err, domain.ErrInvalidPayment)

	entries, _ := f.poster.Entries(f.ctx, string(id))
	assert.Len(t, entries, 3, "revenue plus two receipts")
}

func TestPayments_Validation(t *testing.T) {
	f := newFixture(t)
	payments := billing.NewPayments(f.store, f.poster, f.clock)

	_, err := payments.RecordPayment(f.ctx, "x", decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrInvalidPayment)

	_, err = payments.RecordPayment(f.ctx, "missing", d("5"))
	assert.ErrorIs(t, err, domain.ErrInvoiceNotFound)
}

func TestPayments_MarkOverdue(t *testing.T) {
	f := newFixture(t)
	f.selfPaidMember(t, "member-m", domain.Date(2025, time.January, 10))
	_, err := f.engine(f.store).ExecuteIndividualBilling(f.ctx)
	require.NoError(t, err)

	payments := billing.NewPayments(f.store, f.poster, f.clock)

	changed, err := payments.MarkOverdue(f.ctx, today)
	require.NoError(t, err)
	assert.Empty(t, changed, "due today is not yet overdue")

	changed, err = payments.MarkOverdue(f.ctx, today.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, changed, 1)
	assert.Equal(t, domain.InvoiceOverdue, changed[0].Status)

	inv, err := payments.RecordPayment(f.ctx, changed[0].ID, d("50"))
	require.NoError(t, err)
	assert.Equal(t, domain.InvoiceOverdue, inv.Status, "partial payment keeps overdue")

	inv, err = payments.RecordPayment(f.ctx, changed[0].ID, d("50"))
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, inv.Status)
}

// racingInvoiceStore applies another payment right after each read, as a
// concurrent request on the same invoice would.
type racingInvoiceStore struct {
	*memory.Store
	other decimal.Decimal
}

func (s racingInvoiceStore) GetInvoice(ctx context.Context, id domain.InvoiceID) (*domain.Invoice, error) {
	inv, err := s.Store.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := *inv
	updated.PaidAmount = inv.PaidAmount.Add(s.other)
	updated.Status = domain.InvoicePartial
	if err := s.Store.UpdateInvoice(ctx, updated, *inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func TestPayments_ConcurrentPaymentIsNotLost(t *testing.T) {
	// GIVEN: A 100.00 invoice and a 70.00 payment landing while ours is in flight
	// WHEN: We record 60.00 from the snapshot taken before the other payment
	// THEN: Our write is rejected and the stored paid amount is the other 70.00
	f := newFixture(t)
	f.selfPaidMember(t, "member-m", domain.Date(2025, time.January, 10))
	_, err := f.engine(f.store).ExecuteIndividualBilling(f.ctx)
	require.NoError(t, err)
	invoices, _ := f.store.ListInvoices(f.ctx, "")
	id := invoices[0].ID

	payments := billing.NewPayments(racingInvoiceStore{Store: f.store, other: d("70")}, f.poster, f.clock)
	_, err = payments.RecordPayment(f.ctx, id, d("60"))
	assert.ErrorIs(t, err, domain.ErrStaleUpdate)
	assert.True(t, domain.IsConflict(err))

	stored, err := f.store.GetInvoice(f.ctx, id)
	require.NoError(t, err)
	assert.True(t, stored.PaidAmount.Equal(d("70")))

	entries, _ := f.poster.Entries(f.ctx, string(id))
	assert.Len(t, entries, 1, "no receipt posted for the rejected payment")
}
