/*
handlers.go - HTTP API handlers for the billing engine

PURPOSE:
  Exposes the three run triggers, payout and payment operations, and the
  accounting boundary over REST. Handlers parse input, call the engine and
  serialize the result; no business rule lives here.

ENDPOINTS:
  Runs:
    POST   /api/runs/monthly              Trigger the orchestrator
    GET    /api/runs/monthly              Monthly run history
    GET    /api/runs/monthly/due          Is this month's run due?
    GET    /api/schedule                  Scheduled run date for a period

  Billing:
    POST   /api/billing/group             Group billing for a period
    POST   /api/billing/individual        Anniversary billing for today
    GET    /api/billing/runs              Billing run history

  Commissions:
    GET    /api/commissions               List (optionally by period)
    POST   /api/commissions/{id}/approve  Pending -> Approved
    POST   /api/commissions/{id}/payable  Approved -> Payable
    POST   /api/commissions/{id}/reverse  any -> Reversed
    POST   /api/commissions/pay           Payable -> Paid under a reference

  Invoices:
    GET    /api/invoices                  List (optionally by period)
    POST   /api/invoices/{id}/payments    Record a payment
    POST   /api/invoices/overdue          Mark past-due invoices Overdue

  Ledger:
    POST   /api/ledger/claims             Post an approved claim
    GET    /api/ledger/entries            Journal entries by reference

ERROR HANDLING:
  Errors are returned as JSON {error, details}:
  - 400: Invalid input, illegal transitions, unbalanced postings
  - 404: Unknown commission, invoice or run
  - 409: Idempotency and in-flight conflicts
  - 503: Store unreachable
  - 500: Everything else

SECURITY NOTE:
  No authentication. Callers are expected to sit behind the platform gateway.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo data loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/warp/billing-engine/automation"
	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/commission"
	"github.com/warp/billing-engine/domain"
	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/logger"
	"github.com/warp/billing-engine/runlock"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is the persistence the API needs: the engine's store plus Reset for
// the demo loaders.
type Store interface {
	domain.Store
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        Store
	Poster       *ledger.Poster
	Billing      *billing.Engine
	Payments     *billing.Payments
	Orchestrator *automation.Orchestrator
	Payouts      *commission.Payouts
	Clock        domain.Clock

	log logger.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler wires the engine components around store. Every component shares
// the same locker and clock.
func NewHandler(store Store, locker runlock.Locker, clock domain.Clock, fallback billing.FallbackPolicy) *Handler {
	if locker == nil {
		locker = runlock.NewLocal()
	}
	if clock == nil {
		clock = domain.SystemClock
	}
	poster := ledger.NewPoster(store, clock)
	calculator := commission.NewCalculator(store, poster, clock)

	return &Handler{
		Store:  store,
		Poster: poster,
		Billing: billing.NewEngine(store, poster,
			billing.WithLocker(locker),
			billing.WithClock(clock),
			billing.WithFallback(fallback),
		),
		Payments:     billing.NewPayments(store, poster, clock),
		Orchestrator: automation.NewOrchestrator(store, calculator, locker, clock),
		Payouts:      commission.NewPayouts(store, poster, clock),
		Clock:        clock,
		log:          logger.New("api"),
	}
}

// =============================================================================
// MONTHLY RUNS
// =============================================================================

// TriggerMonthlyRun runs the orchestrator for the current period.
// POST /api/runs/monthly
func (h *Handler) TriggerMonthlyRun(w http.ResponseWriter, r *http.Request) {
	var req MonthlyRunRequest
	if !decodeBody(w, r, &req) {
		return
	}

	runType, err := automation.ParseRunType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid run type", err)
		return
	}
	triggeredBy := req.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = "api"
	}
	h.log.Function("TriggerMonthlyRun").Info("monthly run requested", "type", runType, "triggeredBy", triggeredBy, "force", req.Force)

	run, err := h.Orchestrator.ExecuteMonthlyRun(r.Context(), runType, triggeredBy, req.Force)
	if err != nil {
		writeDomainError(w, "Monthly run failed", err)
		return
	}
	if run == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_completed"})
		return
	}
	writeJSON(w, http.StatusOK, toMonthlyRunDTO(*run))
}

// ListMonthlyRuns returns every monthly run, newest first.
// GET /api/runs/monthly
func (h *Handler) ListMonthlyRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListMonthlyRuns(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list monthly runs", err)
		return
	}
	dtos := make([]MonthlyRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toMonthlyRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetDue reports whether the run of ?type= (default COMMISSION) is due today.
// GET /api/runs/monthly/due
func (h *Handler) GetDue(w http.ResponseWriter, r *http.Request) {
	runType := domain.RunCommission
	if t := r.URL.Query().Get("type"); t != "" {
		parsed, err := automation.ParseRunType(t)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid run type", err)
			return
		}
		runType = parsed
	}

	due, err := h.Orchestrator.DueCheck(r.Context(), runType, h.Clock())
	if err != nil {
		writeDomainError(w, "Failed to check schedule", err)
		return
	}
	writeJSON(w, http.StatusOK, DueDTO{
		RunType:       string(runType),
		PeriodKey:     due.PeriodKey,
		ScheduledDate: due.ScheduledDate.Format(dateLayout),
		Due:           due.Due,
		Completed:     due.Completed,
	})
}

// GetSchedule returns the scheduled run date for ?year=&month=, defaulting to
// the current month.
// GET /api/schedule
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	period := domain.PeriodOf(h.Clock())

	q := r.URL.Query()
	if y := q.Get("year"); y != "" {
		year, err := strconv.Atoi(y)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid year", err)
			return
		}
		period.Year = year
	}
	if m := q.Get("month"); m != "" {
		month, err := strconv.Atoi(m)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid month", err)
			return
		}
		period.Month = time.Month(month)
	}
	if !period.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid period", domain.ErrInvalidPeriod)
		return
	}

	scheduled := period.ScheduledRunDate()
	writeJSON(w, http.StatusOK, ScheduleDTO{
		PeriodKey:     period.Key(),
		ScheduledDate: scheduled.Format(dateLayout),
		Weekday:       scheduled.Weekday().String(),
		Shifted:       scheduled.Day() != domain.RunDayOfMonth,
	})
}

// =============================================================================
// BILLING
// =============================================================================

// TriggerGroupBilling bills every active group payer for the requested period.
// POST /api/billing/group
func (h *Handler) TriggerGroupBilling(w http.ResponseWriter, r *http.Request) {
	var req GroupBillingRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	var period domain.Period
	if req.Period != "" {
		p, err := domain.ParsePeriod(req.Period)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid period", err)
			return
		}
		period = p
	}

	run, err := h.Billing.ExecuteGroupBilling(r.Context(), period)
	if err != nil {
		writeDomainError(w, "Group billing failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillingRunDTO(*run))
}

// TriggerIndividualBilling bills members whose anniversary is today.
// POST /api/billing/individual
func (h *Handler) TriggerIndividualBilling(w http.ResponseWriter, r *http.Request) {
	run, err := h.Billing.ExecuteIndividualBilling(r.Context())
	if err != nil {
		writeDomainError(w, "Individual billing failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toBillingRunDTO(*run))
}

// ListBillingRuns returns every billing run, newest first.
// GET /api/billing/runs
func (h *Handler) ListBillingRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Store.ListBillingRuns(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list billing runs", err)
		return
	}
	dtos := make([]BillingRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toBillingRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// COMMISSIONS
// =============================================================================

// ListCommissions returns commissions, filtered by ?period= when present.
// GET /api/commissions
func (h *Handler) ListCommissions(w http.ResponseWriter, r *http.Request) {
	period, ok := periodQuery(w, r)
	if !ok {
		return
	}
	rows, err := h.Store.ListCommissions(r.Context(), period)
	if err != nil {
		writeDomainError(w, "Failed to list commissions", err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTOs(rows))
}

// ApproveCommission handles POST /api/commissions/{id}/approve
func (h *Handler) ApproveCommission(w http.ResponseWriter, r *http.Request) {
	h.transitionCommission(w, r, h.Payouts.Approve)
}

// MarkCommissionPayable handles POST /api/commissions/{id}/payable
func (h *Handler) MarkCommissionPayable(w http.ResponseWriter, r *http.Request) {
	h.transitionCommission(w, r, h.Payouts.MarkPayable)
}

// ReverseCommission handles POST /api/commissions/{id}/reverse
func (h *Handler) ReverseCommission(w http.ResponseWriter, r *http.Request) {
	h.transitionCommission(w, r, h.Payouts.Reverse)
}

func (h *Handler) transitionCommission(w http.ResponseWriter, r *http.Request,
	move func(context.Context, domain.CommissionID) (domain.Commission, error)) {
	id := domain.CommissionID(chi.URLParam(r, "id"))

	c, err := move(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Commission transition failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTO(c))
}

// PayCommissions pays Payable commissions under one payment reference.
// POST /api/commissions/pay
func (h *Handler) PayCommissions(w http.ResponseWriter, r *http.Request) {
	var req PayCommissionsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required", nil)
		return
	}

	ids := make([]domain.CommissionID, len(req.IDs))
	for i, id := range req.IDs {
		ids[i] = domain.CommissionID(id)
	}

	paid, err := h.Payouts.Pay(r.Context(), ids, strings.TrimSpace(req.Reference))
	if err != nil {
		writeDomainError(w, fmt.Sprintf("Payout stopped after %d commission(s)", len(paid)), err)
		return
	}
	writeJSON(w, http.StatusOK, toCommissionDTOs(paid))
}

// =============================================================================
// INVOICES
// =============================================================================

// ListInvoices returns invoices, filtered by ?period= when present.
// GET /api/invoices
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	period, ok := periodQuery(w, r)
	if !ok {
		return
	}
	rows, err := h.Store.ListInvoices(r.Context(), period)
	if err != nil {
		writeDomainError(w, "Failed to list invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(rows))
}

// RecordPayment applies a payment to an invoice.
// POST /api/invoices/{id}/payments
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequest
	if !decodeBody(w, r, &req) {
		return
	}

	inv, err := h.Payments.RecordPayment(r.Context(), domain.InvoiceID(chi.URLParam(r, "id")), req.Amount)
	if err != nil {
		writeDomainError(w, "Payment rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTO(inv))
}

// MarkOverdue flips past-due unpaid invoices to Overdue.
// POST /api/invoices/overdue
func (h *Handler) MarkOverdue(w http.ResponseWriter, r *http.Request) {
	var req OverdueRequest
	if !decodeOptionalBody(w, r, &req) {
		return
	}

	asOf := h.Clock()
	if req.AsOf != "" {
		d, err := time.Parse(dateLayout, req.AsOf)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid as_of date", err)
			return
		}
		asOf = d
	}

	flipped, err := h.Payments.MarkOverdue(r.Context(), asOf)
	if err != nil {
		writeDomainError(w, "Failed to mark overdue invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceDTOs(flipped))
}

// =============================================================================
// LEDGER
// =============================================================================

// PostClaimApproved accrues an approved claim.
// POST /api/ledger/claims
func (h *Handler) PostClaimApproved(w http.ResponseWriter, r *http.Request) {
	var req ClaimApprovedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ClaimID) == "" {
		writeError(w, http.StatusBadRequest, "claim_id is required", nil)
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive", domain.ErrInvalidJournalLine)
		return
	}

	posted, err := h.Poster.PostClaimApprovedEvent(r.Context(), req.ClaimID, req.Amount, h.Clock())
	if err != nil {
		writeDomainError(w, "Failed to post claim", err)
		return
	}
	writeJSON(w, http.StatusOK, PostingDTO{Reference: req.ClaimID, Posted: posted})
}

// ListJournalEntries returns entries for ?reference=, or all entries.
// GET /api/ledger/entries
func (h *Handler) ListJournalEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Poster.Entries(r.Context(), r.URL.Query().Get("reference"))
	if err != nil {
		writeDomainError(w, "Failed to list journal entries", err)
		return
	}
	dtos := make([]JournalEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toJournalEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func periodQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := r.URL.Query().Get("period")
	if raw == "" {
		return "", true
	}
	p, err := domain.ParsePeriod(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid period", err)
		return "", false
	}
	return p.Key(), true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body and leaves v untouched.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "Invalid request body", err)
	return false
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError picks the status from the error's category.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	status := http.StatusInternalServerError
	switch {
	case domain.IsNotFound(err):
		status = http.StatusNotFound
	case domain.IsConflict(err):
		status = http.StatusConflict
	case domain.IsClientError(err):
		status = http.StatusBadRequest
	case domain.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, message, err)
}
