package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/billing-engine/domain"
	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/logger"
)

// =============================================================================
// PAYMENTS - Invoice settlement after billing
// =============================================================================

// Payments moves invoices through
//
//	Unpaid -> Partial -> Paid
//	Unpaid | Partial -> Overdue (past due date)
//
// An Overdue invoice stays Overdue until it is paid in full.
type Payments struct {
	store  domain.InvoiceStore
	poster *ledger.Poster
	clock  domain.Clock
	log    logger.Logger
}

func NewPayments(store domain.InvoiceStore, poster *ledger.Poster, clock domain.Clock) *Payments {
	if clock == nil {
		clock = domain.SystemClock
	}
	return &Payments{store: store, poster: poster, clock: clock, log: logger.New("payments")}
}

// RecordPayment applies amount to an invoice and posts the cash receipt.
// Non-positive amounts and overpayments are rejected with ErrInvalidPayment.
// A payment racing another one on the same invoice fails with ErrStaleUpdate
// and writes nothing.
func (p *Payments) RecordPayment(ctx context.Context, id domain.InvoiceID, amount decimal.Decimal) (domain.Invoice, error) {
	log := p.log.Function("RecordPayment")

	if !amount.IsPositive() {
		return domain.Invoice{}, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidPayment)
	}

	inv, err := p.store.GetInvoice(ctx, id)
	if err != nil {
		return domain.Invoice{}, err
	}
	if inv.Status == domain.InvoicePaid {
		return domain.Invoice{}, fmt.Errorf("%w: invoice %s is already paid", domain.ErrInvalidPayment, id)
	}
	if amount.GreaterThan(inv.Outstanding()) {
		return domain.Invoice{}, fmt.Errorf("%w: %s exceeds outstanding %s",
			domain.ErrInvalidPayment, amount.StringFixed(2), inv.Outstanding().StringFixed(2))
	}

	prev := *inv
	inv.PaidAmount = inv.PaidAmount.Add(amount)
	switch {
	case !inv.Outstanding().IsPositive():
		inv.Status = domain.InvoicePaid
	case inv.Status != domain.InvoiceOverdue:
		inv.Status = domain.InvoicePartial
	}

	if err := p.store.UpdateInvoice(ctx, *inv, prev); err != nil {
		return domain.Invoice{}, log.Err("failed to update invoice", err, "invoice", id)
	}

	if p.poster != nil {
		if _, err := p.poster.PostPaymentEvent(ctx, *inv, amount, p.clock()); err != nil {
			log.Er("payment posting failed, invoice updated", err, "invoice", id)
		}
	}

	log.Info("payment recorded", "invoice", id, "amount", amount.StringFixed(2), "status", inv.Status)
	return *inv, nil
}

// MarkOverdue flags every Unpaid or Partial invoice whose due date is before
// asOf and returns the invoices it changed.
func (p *Payments) MarkOverdue(ctx context.Context, asOf time.Time) ([]domain.Invoice, error) {
	log := p.log.Function("MarkOverdue")

	invoices, err := p.store.ListInvoices(ctx, "")
	if err != nil {
		return nil, err
	}

	cutoff := domain.StartOfDay(asOf)
	var changed []domain.Invoice
	for _, inv := range invoices {
		if inv.Status != domain.InvoiceUnpaid && inv.Status != domain.InvoicePartial {
			continue
		}
		if !inv.DueDate.Before(cutoff) {
			continue
		}
		prev := inv
		inv.Status = domain.InvoiceOverdue
		if err := p.store.UpdateInvoice(ctx, inv, prev); err != nil {
			if errors.Is(err, domain.ErrStaleUpdate) {
				log.Warn("invoice changed while marking overdue, skipped", "invoice", inv.ID)
				continue
			}
			return changed, log.Err("failed to mark invoice overdue", err, "invoice", inv.ID)
		}
		changed = append(changed, inv)
	}

	if len(changed) > 0 {
		log.Info("invoices marked overdue", "count", len(changed), "asOf", cutoff.Format(time.DateOnly))
	}
	return changed, nil
}
