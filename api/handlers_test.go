/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Monthly run trigger and the already-completed response
- Group and individual billing triggers, simulated fallback
- Commission payout transitions
- Invoice payments and overdue marking
- Claim postings and journal queries
- Schedule and due-check endpoints
*/
package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/domain"
	"github.com/warp/billing-engine/logger"
	"github.com/warp/billing-engine/store/memory"
	"github.com/warp/billing-engine/store/sqlite"
)

// Wednesday. April 10 2026 is a Friday, so the scheduled date is unshifted.
var testNow = time.Date(2026, time.April, 15, 9, 0, 0, 0, time.UTC)

type testServer struct {
	t       *testing.T
	handler *Handler
	router  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger.Discard()
	h := NewHandler(memory.New(), nil, domain.FixedClock(testNow), billing.FallbackSimulate)
	return &testServer{t: t, handler: h, router: NewRouter(h, []string{"*"})}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) load(scenario string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: scenario})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// MONTHLY RUNS
// =============================================================================

func TestTriggerMonthlyRun_CommissionThenAlreadyCompleted(t *testing.T) {
	// GIVEN: The broker-tiers book
	// WHEN: The COMMISSION run is triggered twice
	// THEN: The first returns the summary, the second reports already_completed
	s := newTestServer(t)
	s.load("broker-tiers")

	rec := s.do(http.MethodPost, "/api/runs/monthly", MonthlyRunRequest{Type: "commission", TriggeredBy: "ops"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	run := decodeAs[MonthlyRunDTO](t, rec)
	assert.Equal(t, "COMMISSION", run.RunType)
	assert.Equal(t, "2026-4", run.PeriodKey)
	assert.Equal(t, "2026-04-10", run.ScheduledDate)
	assert.Equal(t, "Completed", run.Status)
	// 10.00 + 7.50 + 2.50 (tiers) + 10.00 (internal) + 3.75 x 2 (split)
	assert.Equal(t, 6, run.Summary.Count)
	assert.Equal(t, "37.50", run.Summary.TotalValue)

	again := s.do(http.MethodPost, "/api/runs/monthly", MonthlyRunRequest{Type: "COMMISSION"})
	require.Equal(t, http.StatusOK, again.Code)
	assert.Equal(t, map[string]string{"status": "already_completed"}, decodeAs[map[string]string](t, again))

	history := decodeAs[[]MonthlyRunDTO](t, s.do(http.MethodGet, "/api/runs/monthly", nil))
	assert.Len(t, history, 1)
}

func TestTriggerMonthlyRun_InvalidInput(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/runs/monthly", MonthlyRunRequest{Type: "payroll"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/runs/monthly", bytes.NewBufferString("{not json"))
	bad := httptest.NewRecorder()
	s.router.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestGetSchedule(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		query     string
		status    int
		scheduled string
		shifted   bool
	}{
		{"", http.StatusOK, "2026-04-10", false},
		{"?year=2026&month=5", http.StatusOK, "2026-05-11", true},
		{"?year=2026&month=1", http.StatusOK, "2026-01-12", true},
		{"?year=2026&month=13", http.StatusBadRequest, "", false},
		{"?year=abc", http.StatusBadRequest, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := s.do(http.MethodGet, "/api/schedule"+tt.query, nil)
			require.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				return
			}
			got := decodeAs[ScheduleDTO](t, rec)
			assert.Equal(t, tt.scheduled, got.ScheduledDate)
			assert.Equal(t, tt.shifted, got.Shifted)
			if tt.shifted {
				assert.Equal(t, "Monday", got.Weekday)
			}
		})
	}
}

func TestGetDue(t *testing.T) {
	s := newTestServer(t)

	due := decodeAs[DueDTO](t, s.do(http.MethodGet, "/api/runs/monthly/due", nil))
	assert.True(t, due.Due)
	assert.False(t, due.Completed)

	s.do(http.MethodPost, "/api/runs/monthly", MonthlyRunRequest{Type: "commission"})

	after := decodeAs[DueDTO](t, s.do(http.MethodGet, "/api/runs/monthly/due?type=commission", nil))
	assert.False(t, after.Due)
	assert.True(t, after.Completed)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/runs/monthly/due?type=x", nil).Code)
}

// =============================================================================
// BILLING
// =============================================================================

func TestTriggerGroupBilling(t *testing.T) {
	// GIVEN: Acme paying 300.00 + 200.00 + 180.00
	// WHEN: Group billing runs for 2026-4 twice
	// THEN: One 680.00 invoice due in 30 days; the second call is a 409
	s := newTestServer(t)
	s.load("group-employer")

	rec := s.do(http.MethodPost, "/api/billing/group", GroupBillingRequest{Period: "2026-04"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	run := decodeAs[BillingRunDTO](t, rec)
	assert.Equal(t, "Completed", run.Status)
	assert.Equal(t, 1, run.InvoiceCount)
	assert.Equal(t, "680.00", run.TotalAmount)
	assert.False(t, run.Simulated)

	invoices := decodeAs[[]InvoiceDTO](t, s.do(http.MethodGet, "/api/invoices?period=2026-4", nil))
	require.Len(t, invoices, 1)
	assert.Equal(t, "payer-acme", invoices[0].PayerID)
	assert.Equal(t, "2026-05-15", invoices[0].DueDate)
	assert.Equal(t, "Unpaid", invoices[0].Status)

	again := s.do(http.MethodPost, "/api/billing/group", GroupBillingRequest{Period: "2026-4"})
	assert.Equal(t, http.StatusConflict, again.Code)

	runs := decodeAs[[]BillingRunDTO](t, s.do(http.MethodGet, "/api/billing/runs", nil))
	assert.Len(t, runs, 1)
}

func TestTriggerGroupBilling_EmptyBodyBillsCurrentMonth(t *testing.T) {
	s := newTestServer(t)
	s.load("group-employer")

	rec := s.do(http.MethodPost, "/api/billing/group", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "2026-4", decodeAs[BillingRunDTO](t, rec).PeriodKey)
}

func TestTriggerGroupBilling_InvalidPeriod(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/billing/group", GroupBillingRequest{Period: "2026-13"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/invoices?period=april", nil).Code)
}

func TestTriggerIndividualBilling(t *testing.T) {
	// GIVEN: Jordan joined on the 15th, Marta on the 16th
	// WHEN: Individual billing runs on the 15th
	// THEN: Only Jordan is invoiced, due today
	s := newTestServer(t)
	s.load("individual-anniversary")

	rec := s.do(http.MethodPost, "/api/billing/individual", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	run := decodeAs[BillingRunDTO](t, rec)
	assert.Equal(t, 1, run.InvoiceCount)
	assert.Equal(t, "100.00", run.TotalAmount)

	invoices := decodeAs[[]InvoiceDTO](t, s.do(http.MethodGet, "/api/invoices", nil))
	require.Len(t, invoices, 1)
	assert.Equal(t, "m-lee", invoices[0].MemberID)
	assert.Equal(t, "2026-04-15", invoices[0].DueDate)
}

func TestTriggerBilling_StoreUnavailable(t *testing.T) {
	// GIVEN: A closed database
	// THEN: simulate returns a placeholder run, strict surfaces a 503
	logger.Discard()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	simulate := NewRouter(NewHandler(store, nil, domain.FixedClock(testNow), billing.FallbackSimulate), nil)
	rec := httptest.NewRecorder()
	simulate.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/billing/group", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	run := decodeAs[BillingRunDTO](t, rec)
	assert.True(t, run.Simulated)
	assert.Equal(t, 3, run.InvoiceCount)
	assert.Equal(t, "4500.00", run.TotalAmount)

	strict := NewRouter(NewHandler(store, nil, domain.FixedClock(testNow), billing.FallbackStrict), nil)
	rec = httptest.NewRecorder()
	strict.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/billing/individual", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// =============================================================================
// COMMISSIONS
// =============================================================================

func TestCommissionPayoutFlow(t *testing.T) {
	s := newTestServer(t)
	s.load("broker-tiers")
	s.do(http.MethodPost, "/api/runs/monthly", MonthlyRunRequest{Type: "commission"})

	rows := decodeAs[[]CommissionDTO](t, s.do(http.MethodGet, "/api/commissions?period=2026-4", nil))
	require.Len(t, rows, 6)
	id := rows[0].ID

	// Paying a Pending commission is an illegal transition
	rec := s.do(http.MethodPost, "/api/commissions/pay", PayCommissionsRequest{IDs: []string{id}, Reference: "EFT-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/commissions/"+id+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "Approved", decodeAs[CommissionDTO](t, rec).Status)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/commissions/"+id+"/approve", nil).Code)

	rec = s.do(http.MethodPost, "/api/commissions/"+id+"/payable", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/api/commissions/pay", PayCommissionsRequest{IDs: []string{id}, Reference: "EFT-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decodeAs[[]CommissionDTO](t, rec)
	require.Len(t, paid, 1)
	assert.Equal(t, "Paid", paid[0].Status)
	assert.Equal(t, "EFT-1", paid[0].PaymentReference)
	assert.NotEmpty(t, paid[0].PaidAt)

	// Accrual and payout entries share the commission id as reference
	entries := decodeAs[[]JournalEntryDTO](t, s.do(http.MethodGet, "/api/ledger/entries?reference="+id, nil))
	assert.Len(t, entries, 2)

	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/api/commissions/"+id+"/reverse", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodPost, "/api/commissions/nope/reverse", nil).Code)
}

func TestPayCommissions_Validation(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/commissions/pay", PayCommissionsRequest{}).Code)
	assert.Equal(t, http.StatusBadRequest,
		s.do(http.MethodPost, "/api/commissions/pay", PayCommissionsRequest{IDs: []string{"c"}}).Code,
		"reference is required")
}

// =============================================================================
// INVOICES
// =============================================================================

func TestRecordPaymentAndOverdue(t *testing.T) {
	s := newTestServer(t)
	s.load("group-employer")
	s.do(http.MethodPost, "/api/billing/group", nil)

	invoices := decodeAs[[]InvoiceDTO](t, s.do(http.MethodGet, "/api/invoices", nil))
	require.Len(t, invoices, 1)
	id := invoices[0].ID

	rec := s.do(http.MethodPost, "/api/invoices/"+id+"/payments", map[string]any{"amount": "180.00"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	inv := decodeAs[InvoiceDTO](t, rec)
	assert.Equal(t, "Partial", inv.Status)
	assert.Equal(t, "500.00", inv.Outstanding)

	over := s.do(http.MethodPost, "/api/invoices/"+id+"/payments", map[string]any{"amount": 900})
	assert.Equal(t, http.StatusBadRequest, over.Code)

	missing := s.do(http.MethodPost, "/api/invoices/nope/payments", map[string]any{"amount": 1})
	assert.Equal(t, http.StatusNotFound, missing.Code)

	notYet := decodeAs[[]InvoiceDTO](t, s.do(http.MethodPost, "/api/invoices/overdue", nil))
	assert.Empty(t, notYet)

	flipped := decodeAs[[]InvoiceDTO](t, s.do(http.MethodPost, "/api/invoices/overdue", OverdueRequest{AsOf: "2026-06-01"}))
	require.Len(t, flipped, 1)
	assert.Equal(t, "Overdue", flipped[0].Status)

	assert.Equal(t, http.StatusBadRequest,
		s.do(http.MethodPost, "/api/invoices/overdue", OverdueRequest{AsOf: "June"}).Code)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestPostClaimApproved(t *testing.T) {
	s := newTestServer(t)
	s.load("group-employer")

	rec := s.do(http.MethodPost, "/api/ledger/claims", map[string]any{"claim_id": "CLM-7", "amount": "250.00"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, PostingDTO{Reference: "CLM-7", Posted: true}, decodeAs[PostingDTO](t, rec))

	entries := decodeAs[[]JournalEntryDTO](t, s.do(http.MethodGet, "/api/ledger/entries?reference=CLM-7", nil))
	require.Len(t, entries, 1)
	assert.Equal(t, "CLAIMS", entries[0].SourceModule)
	require.Len(t, entries[0].Lines, 2)
	assert.Equal(t, "acc-5000", entries[0].Lines[0].AccountID)
	assert.Equal(t, "250.00", entries[0].Lines[0].Debit)
	assert.Equal(t, "acc-2100", entries[0].Lines[1].AccountID)
	assert.Equal(t, "250.00", entries[0].Lines[1].Credit)
}

func TestPostClaimApproved_Validation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing claim id", map[string]any{"amount": "10"}},
		{"zero amount", map[string]any{"claim_id": "CLM-1", "amount": "0"}},
		{"negative amount", map[string]any{"claim_id": "CLM-1", "amount": -5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, s.do(http.MethodPost, "/api/ledger/claims", tt.body).Code)
		})
	}
}

func TestPostClaimApproved_NoAccountsIsNotPosted(t *testing.T) {
	// GIVEN: An empty chart of accounts
	// THEN: The posting is skipped, not failed
	s := newTestServer(t)

	rec := s.do(http.MethodPost, "/api/ledger/claims", map[string]any{"claim_id": "CLM-1", "amount": "10"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decodeAs[PostingDTO](t, rec).Posted)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", nil).Code)
}
