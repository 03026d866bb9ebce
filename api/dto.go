/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Responses carry money as fixed two-decimal strings ("150.00"). Requests
  accept a JSON number or a decimal string.

DATES:
  Calendar dates are "2006-01-02"; timestamps are RFC 3339.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/domain"
)

const dateLayout = "2006-01-02"

// =============================================================================
// RUN TYPES
// =============================================================================

// MonthlyRunRequest triggers the orchestrator.
type MonthlyRunRequest struct {
	Type        string `json:"type"`
	TriggeredBy string `json:"triggered_by"`
	Force       bool   `json:"force"`
}

type RunSummaryDTO struct {
	Count      int    `json:"count"`
	TotalValue string `json:"total_value"`
	Note       string `json:"note,omitempty"`
	Error      string `json:"error,omitempty"`
}

type MonthlyRunDTO struct {
	ID            string        `json:"id"`
	RunType       string        `json:"run_type"`
	PeriodKey     string        `json:"period"`
	ScheduledDate string        `json:"scheduled_date"`
	Status        string        `json:"status"`
	TriggeredBy   string        `json:"triggered_by"`
	Summary       RunSummaryDTO `json:"summary"`
	StartedAt     string        `json:"started_at"`
	CompletedAt   string        `json:"completed_at,omitempty"`
}

// GroupBillingRequest selects the period to bill. Empty means the current month.
type GroupBillingRequest struct {
	Period string `json:"period"`
}

type BillingRunDTO struct {
	ID           string   `json:"id"`
	PeriodKey    string   `json:"period"`
	RunDate      string   `json:"run_date"`
	Strategy     string   `json:"strategy"`
	Status       string   `json:"status"`
	InvoiceCount int      `json:"invoice_count"`
	TotalAmount  string   `json:"total_amount"`
	Logs         []string `json:"logs"`
	Simulated    bool     `json:"simulated"`
	CreatedAt    string   `json:"created_at"`
	CompletedAt  string   `json:"completed_at,omitempty"`
}

// ScheduleDTO is the business-day adjusted run date for a period.
type ScheduleDTO struct {
	PeriodKey     string `json:"period"`
	ScheduledDate string `json:"scheduled_date"`
	Weekday       string `json:"weekday"`
	Shifted       bool   `json:"shifted"`
}

type DueDTO struct {
	RunType       string `json:"run_type"`
	PeriodKey     string `json:"period"`
	ScheduledDate string `json:"scheduled_date"`
	Due           bool   `json:"due"`
	Completed     bool   `json:"completed"`
}

// =============================================================================
// COMMISSIONS
// =============================================================================

type CommissionDTO struct {
	ID               string `json:"id"`
	IdempotencyKey   string `json:"idempotency_key"`
	PeriodKey        string `json:"period"`
	MemberID         string `json:"member_id"`
	AgentID          string `json:"agent_id"`
	Amount           string `json:"amount"`
	Status           string `json:"status"`
	RuleApplied      string `json:"rule_applied"`
	PaymentReference string `json:"payment_reference,omitempty"`
	PaidAt           string `json:"paid_at,omitempty"`
	CreatedAt        string `json:"created_at"`
}

// PayCommissionsRequest pays Payable commissions under one reference.
type PayCommissionsRequest struct {
	IDs       []string `json:"ids"`
	Reference string   `json:"reference"`
}

// =============================================================================
// INVOICES & LEDGER
// =============================================================================

type InvoiceDTO struct {
	ID           string `json:"id"`
	PayerID      string `json:"payer_id"`
	MemberID     string `json:"member_id,omitempty"`
	PeriodKey    string `json:"period"`
	TotalAmount  string `json:"total_amount"`
	PaidAmount   string `json:"paid_amount"`
	Outstanding  string `json:"outstanding"`
	Status       string `json:"status"`
	DueDate      string `json:"due_date"`
	BillingRunID string `json:"billing_run_id"`
	CreatedAt    string `json:"created_at"`
}

type PaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// OverdueRequest marks invoices overdue as of a date. Empty means today.
type OverdueRequest struct {
	AsOf string `json:"as_of"`
}

// ClaimApprovedRequest is posted by the claims module when a claim is approved.
type ClaimApprovedRequest struct {
	ClaimID string          `json:"claim_id"`
	Amount  decimal.Decimal `json:"amount"`
}

type PostingDTO struct {
	Reference string `json:"reference"`
	Posted    bool   `json:"posted"`
}

type JournalLineDTO struct {
	AccountID   string `json:"account_id"`
	Debit       string `json:"debit"`
	Credit      string `json:"credit"`
	Description string `json:"description,omitempty"`
}

type JournalEntryDTO struct {
	ID           string           `json:"id"`
	Date         string           `json:"date"`
	Description  string           `json:"description"`
	Reference    string           `json:"reference"`
	SourceModule string           `json:"source_module"`
	Status       string           `json:"status"`
	TotalAmount  string           `json:"total_amount"`
	Lines        []JournalLineDTO `json:"lines"`
}

// =============================================================================
// SCENARIOS & ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func timestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toMonthlyRunDTO(r domain.MonthlyRun) MonthlyRunDTO {
	return MonthlyRunDTO{
		ID:            string(r.ID),
		RunType:       string(r.RunType),
		PeriodKey:     r.PeriodKey,
		ScheduledDate: r.ScheduledDate.Format(dateLayout),
		Status:        string(r.Status),
		TriggeredBy:   r.TriggeredBy,
		Summary: RunSummaryDTO{
			Count:      r.Summary.Count,
			TotalValue: money(r.Summary.TotalValue),
			Note:       r.Summary.Note,
			Error:      r.Summary.Error,
		},
		StartedAt:   timestamp(&r.StartedAt),
		CompletedAt: timestamp(r.CompletedAt),
	}
}

func toBillingRunDTO(r domain.BillingRun) BillingRunDTO {
	logs := r.Logs
	if logs == nil {
		logs = []string{}
	}
	return BillingRunDTO{
		ID:           string(r.ID),
		PeriodKey:    r.PeriodKey,
		RunDate:      r.RunDate.Format(dateLayout),
		Strategy:     string(r.Strategy),
		Status:       string(r.Status),
		InvoiceCount: r.InvoiceCount,
		TotalAmount:  money(r.TotalAmount),
		Logs:         logs,
		Simulated:    r.Simulated,
		CreatedAt:    timestamp(&r.CreatedAt),
		CompletedAt:  timestamp(r.CompletedAt),
	}
}

func toCommissionDTO(c domain.Commission) CommissionDTO {
	return CommissionDTO{
		ID:               string(c.ID),
		IdempotencyKey:   c.IdempotencyKey,
		PeriodKey:        c.PeriodKey,
		MemberID:         string(c.MemberID),
		AgentID:          string(c.AgentID),
		Amount:           money(c.Amount),
		Status:           string(c.Status),
		RuleApplied:      c.RuleApplied,
		PaymentReference: c.PaymentReference,
		PaidAt:           timestamp(c.PaidAt),
		CreatedAt:        timestamp(&c.CreatedAt),
	}
}

func toCommissionDTOs(rows []domain.Commission) []CommissionDTO {
	out := make([]CommissionDTO, len(rows))
	for i, c := range rows {
		out[i] = toCommissionDTO(c)
	}
	return out
}

func toInvoiceDTO(inv domain.Invoice) InvoiceDTO {
	dto := InvoiceDTO{
		ID:           string(inv.ID),
		PayerID:      string(inv.PayerID),
		PeriodKey:    inv.PeriodKey,
		TotalAmount:  money(inv.TotalAmount),
		PaidAmount:   money(inv.PaidAmount),
		Outstanding:  money(inv.Outstanding()),
		Status:       string(inv.Status),
		DueDate:      inv.DueDate.Format(dateLayout),
		BillingRunID: string(inv.BillingRunID),
		CreatedAt:    timestamp(&inv.CreatedAt),
	}
	if inv.MemberID != nil {
		dto.MemberID = string(*inv.MemberID)
	}
	return dto
}

func toInvoiceDTOs(rows []domain.Invoice) []InvoiceDTO {
	out := make([]InvoiceDTO, len(rows))
	for i, inv := range rows {
		out[i] = toInvoiceDTO(inv)
	}
	return out
}

func toJournalEntryDTO(e domain.JournalEntry) JournalEntryDTO {
	lines := make([]JournalLineDTO, len(e.Lines))
	for i, l := range e.Lines {
		lines[i] = JournalLineDTO{
			AccountID:   string(l.AccountID),
			Debit:       money(l.Debit),
			Credit:      money(l.Credit),
			Description: l.Description,
		}
	}
	return JournalEntryDTO{
		ID:           string(e.ID),
		Date:         e.Date.Format(dateLayout),
		Description:  e.Description,
		Reference:    e.Reference,
		SourceModule: e.SourceModule,
		Status:       string(e.Status),
		TotalAmount:  money(e.TotalAmount),
		Lines:        lines,
	}
}
