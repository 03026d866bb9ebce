/*
Package ledger posts double-entry journal entries.

PURPOSE:
  The Poster is the only writer of journal entries. Every financial event in
  the engine (premium invoiced, payment received, commission accrued, claim
  approved) becomes one balanced entry: one header plus N lines.

CRITICAL INVARIANTS:
  1. BALANCED: sum(debit) == sum(credit) within domain.Tolerance, checked
     before anything is written. A rejected entry is never persisted.
  2. ATOMIC: header and lines are written together or not at all.
  3. APPEND-ONLY: entries are never edited. Corrections are new entries.

EVENT HELPERS:
  The helpers resolve well-known account codes (1000, 1200, 2100, 2200,
  4000, 5000, 5100) through the store. If a code is not configured the
  helper logs a warning and returns (false, nil): posting is best effort and
  the calling business operation still succeeds.

  Event              Debit                    Credit
  -----------------  -----------------------  -----------------------
  Invoice            1200 Receivable          4000 Revenue
  Payment            1000 Cash                1200 Receivable
  Claim approved     5000 Claims Expense      2100 Claims Payable
  Commission         5100 Commission Expense  2200 Commissions Payable
  Commission payout  2200 Commissions Payable 1000 Cash

SEE ALSO:
  - domain/store.go: LedgerStore
  - commission/batch.go, billing/engine.go: Callers
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/domain"
	"github.com/warp/billing-engine/logger"
)

// =============================================================================
// INPUT TYPES
// =============================================================================

// Header describes a journal entry before it is posted.
type Header struct {
	Date         time.Time
	Description  string
	Reference    string
	SourceModule string
}

// LineInput is one leg of an entry. Exactly one of Debit/Credit must be positive.
type LineInput struct {
	AccountID   domain.AccountID
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Description string
}

// Debit builds a debit leg.
func Debit(account domain.AccountID, amount decimal.Decimal) LineInput {
	return LineInput{AccountID: account, Debit: amount}
}

// Credit builds a credit leg.
func Credit(account domain.AccountID, amount decimal.Decimal) LineInput {
	return LineInput{AccountID: account, Credit: amount}
}

// =============================================================================
// POSTER
// =============================================================================

type Poster struct {
	store domain.LedgerStore
	clock domain.Clock
	log   logger.Logger
}

func NewPoster(store domain.LedgerStore, clock domain.Clock) *Poster {
	if clock == nil {
		clock = domain.SystemClock
	}
	return &Poster{store: store, clock: clock, log: logger.New("ledger")}
}

// Validate checks the balance invariant and line shape without writing.
// Returns the debit total on success.
func Validate(lines []LineInput) (decimal.Decimal, error) {
	if len(lines) == 0 {
		return decimal.Zero, domain.ErrEmptyJournal
	}

	debit, credit := decimal.Zero, decimal.Zero
	for i, l := range lines {
		if l.AccountID == "" {
			return decimal.Zero, fmt.Errorf("%w: line %d has no account", domain.ErrInvalidJournalLine, i)
		}
		if l.Debit.IsNegative() || l.Credit.IsNegative() {
			return decimal.Zero, fmt.Errorf("%w: line %d has a negative amount", domain.ErrInvalidJournalLine, i)
		}
		if l.Debit.IsPositive() == l.Credit.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: line %d must carry exactly one of debit or credit", domain.ErrInvalidJournalLine, i)
		}
		debit = debit.Add(l.Debit)
		credit = credit.Add(l.Credit)
	}

	if debit.Sub(credit).Abs().GreaterThan(domain.Tolerance) {
		return decimal.Zero, &domain.UnbalancedJournalError{Debit: debit, Credit: credit}
	}
	return debit, nil
}

// Post validates and persists one entry. Nothing is written on error.
func (p *Poster) Post(ctx context.Context, h Header, lines []LineInput) (domain.JournalEntry, error) {
	log := p.log.Function("Post")

	total, err := Validate(lines)
	if err != nil {
		log.Warn("rejected journal entry", "reference", h.Reference, "error", err)
		return domain.JournalEntry{}, err
	}

	date := h.Date
	if date.IsZero() {
		date = domain.StartOfDay(p.clock())
	}

	entry := domain.JournalEntry{
		ID:           domain.JournalEntryID(domain.NewID()),
		Date:         date,
		Description:  h.Description,
		Reference:    h.Reference,
		SourceModule: h.SourceModule,
		Status:       domain.JournalPosted,
		TotalAmount:  total,
		CreatedAt:    p.clock(),
	}
	for _, l := range lines {
		entry.Lines = append(entry.Lines, domain.JournalLine{
			ID:          domain.NewID(),
			EntryID:     entry.ID,
			AccountID:   l.AccountID,
			Debit:       l.Debit,
			Credit:      l.Credit,
			Description: l.Description,
		})
	}

	if err := p.store.AppendJournal(ctx, entry); err != nil {
		return domain.JournalEntry{}, log.Err("failed to append journal entry", err, "reference", h.Reference)
	}

	log.Debug("posted journal entry", "entry", entry.ID, "reference", h.Reference, "amount", total.StringFixed(2))
	return entry, nil
}

// PostJournal is Post reduced to a success flag.
func (p *Poster) PostJournal(ctx context.Context, h Header, lines []LineInput) bool {
	_, err := p.Post(ctx, h, lines)
	return err == nil
}

// Entries lists posted entries for an external reference; empty lists all.
func (p *Poster) Entries(ctx context.Context, reference string) ([]domain.JournalEntry, error) {
	return p.store.JournalEntries(ctx, reference)
}

// =============================================================================
// EVENT HELPERS
// =============================================================================

// resolve maps codes to account ids. Returns a MissingAccountsError if any is absent.
func (p *Poster) resolve(ctx context.Context, codes ...string) (map[string]domain.AccountID, error) {
	all, err := p.store.AccountIDsByCode(ctx)
	if err != nil {
		return nil, err
	}

	var missing []string
	out := make(map[string]domain.AccountID, len(codes))
	for _, c := range codes {
		id, ok := all[c]
		if !ok || id == "" {
			missing = append(missing, c)
			continue
		}
		out[c] = id
	}
	if len(missing) > 0 {
		return nil, &domain.MissingAccountsError{Codes: missing}
	}
	return out, nil
}

// postPair posts a two-line entry debiting one code and crediting another.
// Unconfigured codes are a silent no-op: (false, nil).
func (p *Poster) postPair(ctx context.Context, h Header, debitCode, creditCode string, amount decimal.Decimal) (bool, error) {
	log := p.log.Function("postPair")

	accounts, err := p.resolve(ctx, debitCode, creditCode)
	if err != nil {
		var missing *domain.MissingAccountsError
		if errors.As(err, &missing) {
			log.Warn("skipping journal posting, chart of accounts incomplete",
				"reference", h.Reference, "source", h.SourceModule, "error", err)
			return false, nil
		}
		return false, err
	}

	_, err = p.Post(ctx, h, []LineInput{
		Debit(accounts[debitCode], amount),
		Credit(accounts[creditCode], amount),
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// PostInvoiceEvent recognizes premium revenue for an invoice.
func (p *Poster) PostInvoiceEvent(ctx context.Context, inv domain.Invoice) (bool, error) {
	return p.postPair(ctx, Header{
		Date:         domain.StartOfDay(inv.CreatedAt),
		Description:  fmt.Sprintf("Premium invoice %s for period %s", inv.ID, inv.PeriodKey),
		Reference:    string(inv.ID),
		SourceModule: domain.SourceBilling,
	}, domain.AccountReceivable, domain.AccountRevenue, inv.TotalAmount)
}

// PostPaymentEvent records cash received against an invoice.
func (p *Poster) PostPaymentEvent(ctx context.Context, inv domain.Invoice, amount decimal.Decimal, paidAt time.Time) (bool, error) {
	return p.postPair(ctx, Header{
		Date:         domain.StartOfDay(paidAt),
		Description:  fmt.Sprintf("Payment received for invoice %s", inv.ID),
		Reference:    string(inv.ID),
		SourceModule: domain.SourcePayments,
	}, domain.AccountCash, domain.AccountReceivable, amount)
}

// PostClaimApprovedEvent accrues an approved claim as a liability.
func (p *Poster) PostClaimApprovedEvent(ctx context.Context, claimRef string, amount decimal.Decimal, approvedAt time.Time) (bool, error) {
	return p.postPair(ctx, Header{
		Date:         domain.StartOfDay(approvedAt),
		Description:  fmt.Sprintf("Claim %s approved", claimRef),
		Reference:    claimRef,
		SourceModule: domain.SourceClaims,
	}, domain.AccountClaimsExpense, domain.AccountClaimsPayable, amount)
}

// PostCommissionEvent accrues a commission owed to an agent.
func (p *Poster) PostCommissionEvent(ctx context.Context, c domain.Commission) (bool, error) {
	return p.postPair(ctx, Header{
		Date:         domain.StartOfDay(c.CreatedAt),
		Description:  fmt.Sprintf("Commission accrual %s (%s)", c.PeriodKey, c.RuleApplied),
		Reference:    string(c.ID),
		SourceModule: domain.SourceCommission,
	}, domain.AccountCommissionExpense, domain.AccountCommissionsPayable, c.Amount)
}

// PostCommissionPayoutEvent settles an accrued commission in cash.
func (p *Poster) PostCommissionPayoutEvent(ctx context.Context, c domain.Commission) (bool, error) {
	paidAt := p.clock()
	if c.PaidAt != nil {
		paidAt = *c.PaidAt
	}
	return p.postPair(ctx, Header{
		Date:         domain.StartOfDay(paidAt),
		Description:  fmt.Sprintf("Commission payout %s", c.PaymentReference),
		Reference:    string(c.ID),
		SourceModule: domain.SourceCommission,
	}, domain.AccountCommissionsPayable, domain.AccountCash, c.Amount)
}
