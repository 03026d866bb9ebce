/*
Package domain provides the core types of the commission and billing engine.

PURPOSE:
  This package holds the data model shared by every engine component:
  members and their dependants, policies, agents, commission rules and rows,
  premium payers, invoices, run records and double-entry journal entries.
  It has no knowledge of storage or transport.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: decimal.Decimal everywhere, rounded to cents at the edges
  - Typed identifiers: MemberID, AgentID, PayerID... prevent mixing ids
  - Status enums: each status type carries its allowed transitions
  - Run records: BillingRun and MonthlyRun are append-only execution records

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal for every amount and rate
  2. Type Safety: distinct id types per aggregate
  3. Explicit optionals: absent fields are pointers (PolicyEndDate, PayerID)
  4. Auditability: every financial row carries a reference to what created it

SEE ALSO:
  - errors.go: Sentinel and structured errors
  - store.go: Persistence boundary
  - time.go: Periods and the scheduling rule
*/
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Tolerance is the maximum debit/credit difference accepted for a journal entry.
var Tolerance = decimal.RequireFromString("0.01")

// RoundMoney rounds an amount to cents.
func RoundMoney(d decimal.Decimal) decimal.Decimal { return d.Round(2) }

// Money builds a decimal from a float literal. Intended for fixtures and defaults.
func Money(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

// NewID returns a time-ordered unique identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MemberID string
type PolicyID string
type AgentID string
type PayerID string
type CommissionID string
type InvoiceID string
type RunID string
type AccountID string
type JournalEntryID string

// =============================================================================
// MEMBERS
// =============================================================================

type MemberStatus string

const (
	MemberActive     MemberStatus = "Active"
	MemberSuspended  MemberStatus = "Suspended"
	MemberTerminated MemberStatus = "Terminated"
	MemberPending    MemberStatus = "Pending"
)

type Relationship string

const (
	RelationshipChild  Relationship = "Child"
	RelationshipSpouse Relationship = "Spouse"
	RelationshipParent Relationship = "Parent"
)

// Dependant belongs to exactly one member. Its relationship and age pick the rate tier.
type Dependant struct {
	ID           string
	Name         string
	DateOfBirth  time.Time
	Relationship Relationship
}

// Member is an insured principal. Only Active members with a resolvable policy
// take part in billing and commission runs.
type Member struct {
	ID            MemberID
	Name          string
	DateOfBirth   time.Time
	JoinDate      time.Time
	PolicyEndDate *time.Time
	PolicyID      PolicyID
	Dependants    []Dependant
	AgentIDs      []AgentID
	PayerID       *PayerID
	PayerType     PayerType
	Status        MemberStatus
}

func (m Member) IsActive() bool { return m.Status == MemberActive }

// =============================================================================
// POLICIES
// =============================================================================

// Policy is immutable reference data: three periodic premium rates plus coverage.
type Policy struct {
	ID            PolicyID
	Name          string
	AdultRate     decimal.Decimal
	ChildRate     decimal.Decimal
	SeniorRate    decimal.Decimal
	CoverageLimit decimal.Decimal
	BenefitIDs    []string
}

// =============================================================================
// AGENTS & COMMISSION RULES
// =============================================================================

type AgentType string

const (
	AgentIndividual AgentType = "Individual"
	AgentBroker     AgentType = "Broker"
	AgentInternal   AgentType = "Internal"
)

// Normalize maps Individual onto Broker for rule purposes.
func (t AgentType) Normalize() AgentType {
	if t == AgentIndividual {
		return AgentBroker
	}
	return t
}

type AgentStatus string

const (
	AgentActive   AgentStatus = "Active"
	AgentInactive AgentStatus = "Inactive"
)

// Agent earns commission on linked members. CommissionBalance is informational;
// the authoritative balance is the sum of Commission rows.
type Agent struct {
	ID                AgentID
	Name              string
	Type              AgentType
	Status            AgentStatus
	CommissionBalance decimal.Decimal
}

func (a Agent) IsActive() bool { return a.Status == AgentActive }

type RuleKind string

const (
	RulePercentage RuleKind = "Percentage"
	RuleFixed      RuleKind = "Fixed"
)

// CommissionRule is one tier of the commission schedule. The engine reads these
// rows at run time; there is no second copy of the thresholds in code paths.
//
// A rule matches an agent type and a tenure window [MinTenureMonths, MaxTenureMonths].
// A nil MaxTenureMonths leaves the window open-ended.
type CommissionRule struct {
	ID              string
	Name            string
	AgentType       AgentType
	MinTenureMonths int
	MaxTenureMonths *int
	Kind            RuleKind
	Value           decimal.Decimal // fraction for Percentage (0.075), amount for Fixed
	Label           string          // e.g. "Tier 2 (13-24m)"
	Active          bool
}

// =============================================================================
// COMMISSIONS
// =============================================================================

type CommissionStatus string

const (
	CommissionPending  CommissionStatus = "Pending"
	CommissionApproved CommissionStatus = "Approved"
	CommissionPayable  CommissionStatus = "Payable"
	CommissionPaid     CommissionStatus = "Paid"
	CommissionReversed CommissionStatus = "Reversed"
)

// CanTransitionTo reports whether the commission state machine allows s -> next.
//
//	Pending -> Approved -> Payable -> Paid
//	any (except Reversed) -> Reversed
func (s CommissionStatus) CanTransitionTo(next CommissionStatus) bool {
	if next == CommissionReversed {
		return s != CommissionReversed
	}
	switch s {
	case CommissionPending:
		return next == CommissionApproved
	case CommissionApproved:
		return next == CommissionPayable
	case CommissionPayable:
		return next == CommissionPaid
	}
	return false
}

// Commission is one row per (member, agent, period). IdempotencyKey is the
// deterministic composite of those three.
type Commission struct {
	ID               CommissionID
	IdempotencyKey   string
	PeriodKey        string
	MemberID         MemberID
	AgentID          AgentID
	Amount           decimal.Decimal
	Status           CommissionStatus
	RuleApplied      string
	PaymentReference string
	PaidAt           *time.Time
	CreatedAt        time.Time
}

// =============================================================================
// PAYERS & INVOICES
// =============================================================================

type PayerType string

const (
	PayerGroup      PayerType = "Group"
	PayerIndividual PayerType = "Individual"
)

// PremiumPayer is the billing counterparty for one or more members.
type PremiumPayer struct {
	ID               PayerID
	Name             string
	Type             PayerType
	PaymentTermsDays int
	Active           bool
}

type InvoiceStatus string

const (
	InvoiceUnpaid  InvoiceStatus = "Unpaid"
	InvoicePartial InvoiceStatus = "Partial"
	InvoicePaid    InvoiceStatus = "Paid"
	InvoiceOverdue InvoiceStatus = "Overdue"
)

// Invoice is unique per (PayerID, PeriodKey).
type Invoice struct {
	ID           InvoiceID
	PayerID      PayerID
	MemberID     *MemberID
	PeriodKey    string
	TotalAmount  decimal.Decimal
	PaidAmount   decimal.Decimal
	Status       InvoiceStatus
	DueDate      time.Time
	BillingRunID RunID
	CreatedAt    time.Time
}

// Outstanding returns TotalAmount - PaidAmount.
func (i Invoice) Outstanding() decimal.Decimal { return i.TotalAmount.Sub(i.PaidAmount) }

// =============================================================================
// RUN RECORDS
// =============================================================================

type RunStatus string

const (
	RunPending    RunStatus = "Pending"
	RunProcessing RunStatus = "Processing"
	RunCompleted  RunStatus = "Completed"
	RunFailed     RunStatus = "Failed"
)

// IsTerminal reports whether the run can no longer change.
func (s RunStatus) IsTerminal() bool { return s == RunCompleted || s == RunFailed }

// AbandonedRunReason is recorded on runs failed by FailStale*Runs.
const AbandonedRunReason = "abandoned: run was never finalized"

type BillingStrategy string

const (
	StrategyGroup      BillingStrategy = "Group"
	StrategyIndividual BillingStrategy = "Individual"
)

// BillingRun records one execution of a billing strategy.
type BillingRun struct {
	ID           RunID
	PeriodKey    string
	RunDate      time.Time
	Strategy     BillingStrategy
	Status       RunStatus
	InvoiceCount int
	TotalAmount  decimal.Decimal
	Logs         []string
	Simulated    bool
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// Log appends a log line.
func (r *BillingRun) Log(line string) { r.Logs = append(r.Logs, line) }

type RunType string

const (
	RunCommission   RunType = "COMMISSION"
	RunPremiumRecon RunType = "PREMIUM_RECON"
)

// RunSummary is the structured result stored on a MonthlyRun.
type RunSummary struct {
	Count      int             `json:"count"`
	TotalValue decimal.Decimal `json:"totalValue"`
	Note       string          `json:"note,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// MonthlyRun records one orchestrated run for a (type, period).
type MonthlyRun struct {
	ID            RunID
	RunType       RunType
	PeriodKey     string
	ScheduledDate time.Time
	Status        RunStatus
	TriggeredBy   string
	Summary       RunSummary
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// =============================================================================
// ACCOUNTING
// =============================================================================

// Well-known chart-of-accounts codes.
const (
	AccountCash               = "1000"
	AccountReceivable         = "1200"
	AccountClaimsPayable      = "2100"
	AccountCommissionsPayable = "2200"
	AccountRevenue            = "4000"
	AccountClaimsExpense      = "5000"
	AccountCommissionExpense  = "5100"
)

type Account struct {
	ID   AccountID
	Code string
	Name string
}

type JournalStatus string

const (
	JournalPosted   JournalStatus = "Posted"
	JournalReversed JournalStatus = "Reversed"
)

// Source module tags.
const (
	SourceBilling    = "BILLING"
	SourceCommission = "COMMISSION"
	SourcePayments   = "PAYMENTS"
	SourceClaims     = "CLAIMS"
)

// JournalEntry is a balanced double-entry posting. Sum(debit) == Sum(credit).
type JournalEntry struct {
	ID           JournalEntryID
	Date         time.Time
	Description  string
	Reference    string
	SourceModule string
	Status       JournalStatus
	TotalAmount  decimal.Decimal
	Lines        []JournalLine
	CreatedAt    time.Time
}

// JournalLine is one leg of an entry; exactly one of Debit/Credit is non-zero.
type JournalLine struct {
	ID          string
	EntryID     JournalEntryID
	AccountID   AccountID
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Description string
}
