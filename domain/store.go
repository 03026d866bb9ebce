/*
store.go - Persistence boundary consumed by the engine

PURPOSE:
  Defines the interface between the engine and the database. The engine never
  talks to a driver directly; every component receives a Store (or the narrow
  slice of it that it needs) through its constructor.

KEY INTERFACES:
  ReferenceStore:  Members, policies, agents, payers, commission rules (read-mostly)
  CommissionStore: Commission rows keyed by idempotency key
  InvoiceStore:    Invoices keyed by (payer, period)
  RunStore:        BillingRun and MonthlyRun execution records
  LedgerStore:     Chart of accounts and journal entries

IDEMPOTENCY CONTRACT:
  Implementations MUST enforce the idempotency keys themselves, not just
  expose lookups for them:
  - CreateCommission:  ErrDuplicateIdempotencyKey when the key exists
  - CreateInvoice:     ErrDuplicateInvoice when (payer, period) exists
  - CreateBillingRun:  ErrRunInProgress when a Pending run exists for (period, strategy)
  - CreateMonthlyRun:  ErrRunInProgress when a Processing run exists for (type, period)
  Check-then-act lookups are an optimization; the write is the guarantee.

CONDITIONAL UPDATES:
  UpdateCommission and UpdateInvoice apply only while the stored row still
  matches what the caller read (status, and paid amount for invoices).
  Otherwise they return ErrStaleUpdate and write nothing.

ABANDONED RUNS:
  A run whose process died or whose finalize write failed stays Pending or
  Processing. FailStale*Runs marks such rows Failed so the key is free again.

ATOMICITY:
  AppendJournal writes the header and every line, or nothing.

AVAILABILITY:
  When the backing database or its schema is missing, implementations return
  an error wrapping ErrStoreUnavailable.

IMPLEMENTATIONS:
  - store/sqlite: SQLite with migrations
  - store/memory: In-memory for tests

SEE ALSO:
  - errors.go: Error values referenced above
*/
package domain

import (
	"context"
	"time"
)

// ReferenceStore holds reference data the engine reads once per run.
// The Save methods exist for seeding and the surrounding CRUD layer.
type ReferenceStore interface {
	// ListActiveMembers returns every member with status Active.
	ListActiveMembers(ctx context.Context) ([]Member, error)

	// ListActiveMembersByPayer returns Active members linked to payerID.
	ListActiveMembersByPayer(ctx context.Context, payerID PayerID) ([]Member, error)

	// ListActiveMembersByPayerType returns Active members whose payer type matches.
	ListActiveMembersByPayerType(ctx context.Context, payerType PayerType) ([]Member, error)

	SaveMember(ctx context.Context, m Member) error

	// GetPolicy returns nil, nil when the policy does not exist.
	GetPolicy(ctx context.Context, id PolicyID) (*Policy, error)
	ListPolicies(ctx context.Context) ([]Policy, error)
	SavePolicy(ctx context.Context, p Policy) error

	// GetAgent returns nil, nil when the agent does not exist.
	GetAgent(ctx context.Context, id AgentID) (*Agent, error)
	ListAgents(ctx context.Context) ([]Agent, error)
	SaveAgent(ctx context.Context, a Agent) error

	// GetPayer returns nil, nil when the payer does not exist.
	GetPayer(ctx context.Context, id PayerID) (*PremiumPayer, error)
	ListActivePayers(ctx context.Context, payerType PayerType) ([]PremiumPayer, error)
	SavePayer(ctx context.Context, p PremiumPayer) error

	ListCommissionRules(ctx context.Context) ([]CommissionRule, error)
	SaveCommissionRule(ctx context.Context, r CommissionRule) error
}

// CommissionStore persists commission rows.
type CommissionStore interface {
	CommissionExists(ctx context.Context, idempotencyKey string) (bool, error)
	CreateCommission(ctx context.Context, c Commission) error
	GetCommission(ctx context.Context, id CommissionID) (*Commission, error)
	// UpdateCommission writes c if the stored status is still prev.
	UpdateCommission(ctx context.Context, c Commission, prev CommissionStatus) error
	// ListCommissions returns rows for a period; an empty key returns all rows.
	ListCommissions(ctx context.Context, periodKey string) ([]Commission, error)
}

// InvoiceStore persists invoices.
type InvoiceStore interface {
	InvoiceExists(ctx context.Context, payerID PayerID, periodKey string) (bool, error)
	CreateInvoice(ctx context.Context, inv Invoice) error
	GetInvoice(ctx context.Context, id InvoiceID) (*Invoice, error)
	// UpdateInvoice writes inv if the stored paid amount and status still equal prev's.
	UpdateInvoice(ctx context.Context, inv Invoice, prev Invoice) error
	// ListInvoices returns invoices for a period; an empty key returns all.
	ListInvoices(ctx context.Context, periodKey string) ([]Invoice, error)
}

// RunStore persists execution records.
type RunStore interface {
	HasCompletedBillingRun(ctx context.Context, periodKey string, strategy BillingStrategy) (bool, error)
	CreateBillingRun(ctx context.Context, run BillingRun) error
	UpdateBillingRun(ctx context.Context, run BillingRun) error
	ListBillingRuns(ctx context.Context) ([]BillingRun, error)
	// FailStaleBillingRuns marks Pending runs for (period, strategy) created at
	// or before cutoff as Failed and returns how many it changed.
	FailStaleBillingRuns(ctx context.Context, periodKey string, strategy BillingStrategy, cutoff, now time.Time) (int, error)

	HasCompletedMonthlyRun(ctx context.Context, runType RunType, periodKey string) (bool, error)
	CreateMonthlyRun(ctx context.Context, run MonthlyRun) error
	UpdateMonthlyRun(ctx context.Context, run MonthlyRun) error
	ListMonthlyRuns(ctx context.Context) ([]MonthlyRun, error)
	// FailStaleMonthlyRuns marks Processing runs for (type, period) started at
	// or before cutoff as Failed and returns how many it changed.
	FailStaleMonthlyRuns(ctx context.Context, runType RunType, periodKey string, cutoff, now time.Time) (int, error)
}

// LedgerStore persists the chart of accounts and journal entries.
type LedgerStore interface {
	// AccountIDsByCode returns the code -> id mapping for every configured account.
	AccountIDsByCode(ctx context.Context) (map[string]AccountID, error)
	SaveAccount(ctx context.Context, a Account) error

	// AppendJournal persists the entry and its lines atomically.
	AppendJournal(ctx context.Context, entry JournalEntry) error

	// JournalEntries returns entries with the given reference; empty returns all.
	JournalEntries(ctx context.Context, reference string) ([]JournalEntry, error)
}

// Store is the full persistence boundary.
type Store interface {
	ReferenceStore
	CommissionStore
	InvoiceStore
	RunStore
	LedgerStore
}
