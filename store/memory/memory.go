// Package memory provides an in-memory domain.Store for tests and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/billing-engine/domain"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store keeps every table in maps guarded by one RWMutex. It enforces the
// same uniqueness rules as the SQLite store.
type Store struct {
	mu sync.RWMutex

	members  map[domain.MemberID]domain.Member
	policies map[domain.PolicyID]domain.Policy
	agents   map[domain.AgentID]domain.Agent
	payers   map[domain.PayerID]domain.PremiumPayer
	rules    map[string]domain.CommissionRule

	commissions    map[domain.CommissionID]domain.Commission
	commissionKeys map[string]domain.CommissionID

	invoices    map[domain.InvoiceID]domain.Invoice
	invoiceKeys map[invoiceKey]domain.InvoiceID

	billingRuns []domain.BillingRun
	monthlyRuns []domain.MonthlyRun

	accounts map[string]domain.AccountID
	journal  []domain.JournalEntry
}

type invoiceKey struct {
	PayerID   domain.PayerID
	PeriodKey string
}

func New() *Store {
	s := &Store{}
	s.clear()
	return s
}

// Reset drops every row.
func (s *Store) Reset(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
	return nil
}

// clear replaces every table. Callers hold s.mu or own s exclusively.
func (s *Store) clear() {
	s.members = make(map[domain.MemberID]domain.Member)
	s.policies = make(map[domain.PolicyID]domain.Policy)
	s.agents = make(map[domain.AgentID]domain.Agent)
	s.payers = make(map[domain.PayerID]domain.PremiumPayer)
	s.rules = make(map[string]domain.CommissionRule)
	s.commissions = make(map[domain.CommissionID]domain.Commission)
	s.commissionKeys = make(map[string]domain.CommissionID)
	s.invoices = make(map[domain.InvoiceID]domain.Invoice)
	s.invoiceKeys = make(map[invoiceKey]domain.InvoiceID)
	s.billingRuns = nil
	s.monthlyRuns = nil
	s.accounts = make(map[string]domain.AccountID)
	s.journal = nil
}

var _ domain.Store = (*Store)(nil)

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (s *Store) ListActiveMembers(_ context.Context) ([]domain.Member, error) {
	return s.filterMembers(func(m domain.Member) bool { return true }), nil
}

func (s *Store) ListActiveMembersByPayer(_ context.Context, payerID domain.PayerID) ([]domain.Member, error) {
	return s.filterMembers(func(m domain.Member) bool {
		return m.PayerID != nil && *m.PayerID == payerID
	}), nil
}

func (s *Store) ListActiveMembersByPayerType(_ context.Context, payerType domain.PayerType) ([]domain.Member, error) {
	return s.filterMembers(func(m domain.Member) bool { return m.PayerType == payerType }), nil
}

func (s *Store) filterMembers(keep func(domain.Member) bool) []domain.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Member
	for _, m := range s.members {
		if m.IsActive() && keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) SaveMember(_ context.Context, m domain.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[m.ID] = m
	return nil
}

func (s *Store) GetPolicy(_ context.Context, id domain.PolicyID) (*domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) ListPolicies(_ context.Context) ([]domain.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SavePolicy(_ context.Context, p domain.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.ID] = p
	return nil
}

func (s *Store) GetAgent(_ context.Context, id domain.AgentID) (*domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *Store) ListAgents(_ context.Context) ([]domain.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveAgent(_ context.Context, a domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
	return nil
}

func (s *Store) GetPayer(_ context.Context, id domain.PayerID) (*domain.PremiumPayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payers[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) ListActivePayers(_ context.Context, payerType domain.PayerType) ([]domain.PremiumPayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.PremiumPayer
	for _, p := range s.payers {
		if p.Active && p.Type == payerType {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SavePayer(_ context.Context, p domain.PremiumPayer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payers[p.ID] = p
	return nil
}

func (s *Store) ListCommissionRules(_ context.Context) ([]domain.CommissionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CommissionRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SaveCommissionRule(_ context.Context, r domain.CommissionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = r
	return nil
}

// =============================================================================
// COMMISSIONS
// =============================================================================

func (s *Store) CommissionExists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.commissionKeys[key]
	return ok, nil
}

func (s *Store) CreateCommission(_ context.Context, c domain.Commission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.commissionKeys[c.IdempotencyKey]; ok {
		return domain.ErrDuplicateIdempotencyKey
	}
	s.commissions[c.ID] = c
	s.commissionKeys[c.IdempotencyKey] = c.ID
	return nil
}

func (s *Store) GetCommission(_ context.Context, id domain.CommissionID) (*domain.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commissions[id]
	if !ok {
		return nil, domain.ErrCommissionNotFound
	}
	return &c, nil
}

func (s *Store) UpdateCommission(_ context.Context, c domain.Commission, prev domain.CommissionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.commissions[c.ID]
	if !ok {
		return domain.ErrCommissionNotFound
	}
	if stored.Status != prev {
		return domain.ErrStaleUpdate
	}
	s.commissions[c.ID] = c
	return nil
}

func (s *Store) ListCommissions(_ context.Context, periodKey string) ([]domain.Commission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Commission
	for _, c := range s.commissions {
		if periodKey == "" || c.PeriodKey == periodKey {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdempotencyKey < out[j].IdempotencyKey })
	return out, nil
}

// =============================================================================
// INVOICES
// =============================================================================

func (s *Store) InvoiceExists(_ context.Context, payerID domain.PayerID, periodKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.invoiceKeys[invoiceKey{PayerID: payerID, PeriodKey: periodKey}]
	return ok, nil
}

func (s *Store) CreateInvoice(_ context.Context, inv domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := invoiceKey{PayerID: inv.PayerID, PeriodKey: inv.PeriodKey}
	if _, ok := s.invoiceKeys[k]; ok {
		return domain.ErrDuplicateInvoice
	}
	s.invoices[inv.ID] = inv
	s.invoiceKeys[k] = inv.ID
	return nil
}

func (s *Store) GetInvoice(_ context.Context, id domain.InvoiceID) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, domain.ErrInvoiceNotFound
	}
	return &inv, nil
}

func (s *Store) UpdateInvoice(_ context.Context, inv domain.Invoice, prev domain.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.invoices[inv.ID]
	if !ok {
		return domain.ErrInvoiceNotFound
	}
	if stored.Status != prev.Status || !stored.PaidAmount.Equal(prev.PaidAmount) {
		return domain.ErrStaleUpdate
	}
	s.invoices[inv.ID] = inv
	return nil
}

func (s *Store) ListInvoices(_ context.Context, periodKey string) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Invoice
	for _, inv := range s.invoices {
		if periodKey == "" || inv.PeriodKey == periodKey {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// RUN RECORDS
// =============================================================================

func (s *Store) HasCompletedBillingRun(_ context.Context, periodKey string, strategy domain.BillingStrategy) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.billingRuns {
		if r.PeriodKey == periodKey && r.Strategy == strategy && r.Status == domain.RunCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CreateBillingRun(_ context.Context, run domain.BillingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.billingRuns {
		if r.PeriodKey == run.PeriodKey && r.Strategy == run.Strategy && r.Status == domain.RunPending {
			return domain.ErrRunInProgress
		}
	}
	s.billingRuns = append(s.billingRuns, cloneBillingRun(run))
	return nil
}

func (s *Store) UpdateBillingRun(_ context.Context, run domain.BillingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.billingRuns {
		if r.ID == run.ID {
			s.billingRuns[i] = cloneBillingRun(run)
			return nil
		}
	}
	return domain.ErrRunNotFound
}

func (s *Store) ListBillingRuns(_ context.Context) ([]domain.BillingRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BillingRun, 0, len(s.billingRuns))
	for i := len(s.billingRuns) - 1; i >= 0; i-- {
		out = append(out, cloneBillingRun(s.billingRuns[i]))
	}
	return out, nil
}

func (s *Store) FailStaleBillingRuns(_ context.Context, periodKey string, strategy domain.BillingStrategy, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i, r := range s.billingRuns {
		if r.PeriodKey != periodKey || r.Strategy != strategy || r.Status != domain.RunPending || r.CreatedAt.After(cutoff) {
			continue
		}
		r = cloneBillingRun(r)
		r.Status = domain.RunFailed
		r.CompletedAt = &now
		r.Logs = append(r.Logs, domain.AbandonedRunReason)
		s.billingRuns[i] = r
		n++
	}
	return n, nil
}

func cloneBillingRun(r domain.BillingRun) domain.BillingRun {
	r.Logs = append([]string(nil), r.Logs...)
	return r
}

func (s *Store) HasCompletedMonthlyRun(_ context.Context, runType domain.RunType, periodKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.monthlyRuns {
		if r.RunType == runType && r.PeriodKey == periodKey && r.Status == domain.RunCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) CreateMonthlyRun(_ context.Context, run domain.MonthlyRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.monthlyRuns {
		if r.RunType == run.RunType && r.PeriodKey == run.PeriodKey && r.Status == domain.RunProcessing {
			return domain.ErrRunInProgress
		}
	}
	s.monthlyRuns = append(s.monthlyRuns, run)
	return nil
}

func (s *Store) UpdateMonthlyRun(_ context.Context, run domain.MonthlyRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.monthlyRuns {
		if r.ID == run.ID {
			s.monthlyRuns[i] = run
			return nil
		}
	}
	return domain.ErrRunNotFound
}

func (s *Store) FailStaleMonthlyRuns(_ context.Context, runType domain.RunType, periodKey string, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i, r := range s.monthlyRuns {
		if r.RunType != runType || r.PeriodKey != periodKey || r.Status != domain.RunProcessing || r.StartedAt.After(cutoff) {
			continue
		}
		r.Status = domain.RunFailed
		r.Summary = domain.RunSummary{Error: domain.AbandonedRunReason}
		r.CompletedAt = &now
		s.monthlyRuns[i] = r
		n++
	}
	return n, nil
}

func (s *Store) ListMonthlyRuns(_ context.Context) ([]domain.MonthlyRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.MonthlyRun, 0, len(s.monthlyRuns))
	for i := len(s.monthlyRuns) - 1; i >= 0; i-- {
		out = append(out, s.monthlyRuns[i])
	}
	return out, nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (s *Store) AccountIDsByCode(_ context.Context) (map[string]domain.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.AccountID, len(s.accounts))
	for k, v := range s.accounts {
		out[k] = v
	}
	return out, nil
}

func (s *Store) SaveAccount(_ context.Context, a domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.Code] = a.ID
	return nil
}

func (s *Store) AppendJournal(_ context.Context, entry domain.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Lines = append([]domain.JournalLine(nil), entry.Lines...)
	s.journal = append(s.journal, entry)
	return nil
}

func (s *Store) JournalEntries(_ context.Context, reference string) ([]domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.JournalEntry
	for _, e := range s.journal {
		if reference == "" || e.Reference == reference {
			e.Lines = append([]domain.JournalLine(nil), e.Lines...)
			out = append(out, e)
		}
	}
	return out, nil
}
