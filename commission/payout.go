package commission

import (
	"context"
	"fmt"

	"github.com/warp/billing-engine/domain"
	"github.com/warp/billing-engine/ledger"
	"github.com/warp/billing-engine/logger"
)

// =============================================================================
// PAYOUTS - Commission status changes after creation
// =============================================================================

// Payouts advances commission rows through
//
//	Pending -> Approved -> Payable -> Paid, any -> Reversed
//
// Paying a commission posts a payout entry best effort.
type Payouts struct {
	store  domain.CommissionStore
	poster *ledger.Poster
	clock  domain.Clock
	log    logger.Logger
}

func NewPayouts(store domain.CommissionStore, poster *ledger.Poster, clock domain.Clock) *Payouts {
	if clock == nil {
		clock = domain.SystemClock
	}
	return &Payouts{store: store, poster: poster, clock: clock, log: logger.New("payouts")}
}

func (p *Payouts) Approve(ctx context.Context, id domain.CommissionID) (domain.Commission, error) {
	return p.transition(ctx, id, domain.CommissionApproved, nil)
}

func (p *Payouts) MarkPayable(ctx context.Context, id domain.CommissionID) (domain.Commission, error) {
	return p.transition(ctx, id, domain.CommissionPayable, nil)
}

func (p *Payouts) Reverse(ctx context.Context, id domain.CommissionID) (domain.Commission, error) {
	return p.transition(ctx, id, domain.CommissionReversed, nil)
}

// Pay moves every listed Payable commission to Paid under one payment reference.
// It stops at the first row that cannot be paid; rows paid before it stay paid.
func (p *Payouts) Pay(ctx context.Context, ids []domain.CommissionID, reference string) ([]domain.Commission, error) {
	log := p.log.Function("Pay")

	if reference == "" {
		return nil, fmt.Errorf("%w: payment reference is required", domain.ErrInvalidPayment)
	}

	paidAt := p.clock()
	var paid []domain.Commission
	for _, id := range ids {
		c, err := p.transition(ctx, id, domain.CommissionPaid, func(c *domain.Commission) {
			c.PaymentReference = reference
			c.PaidAt = &paidAt
		})
		if err != nil {
			return paid, err
		}

		if p.poster != nil {
			if _, err := p.poster.PostCommissionPayoutEvent(ctx, c); err != nil {
				log.Er("payout posting failed, commission stays paid", err, "commission", c.ID)
			}
		}
		paid = append(paid, c)
	}

	log.Info("commissions paid", "count", len(paid), "reference", reference)
	return paid, nil
}

func (p *Payouts) transition(ctx context.Context, id domain.CommissionID, to domain.CommissionStatus, mutate func(*domain.Commission)) (domain.Commission, error) {
	c, err := p.store.GetCommission(ctx, id)
	if err != nil {
		return domain.Commission{}, err
	}
	if !c.Status.CanTransitionTo(to) {
		return domain.Commission{}, &domain.TransitionError{Entity: "commission", From: string(c.Status), To: string(to)}
	}

	prev := c.Status
	c.Status = to
	if mutate != nil {
		mutate(c)
	}
	if err := p.store.UpdateCommission(ctx, *c, prev); err != nil {
		return domain.Commission{}, p.log.Function("transition").Err("failed to update commission", err, "commission", id)
	}
	return *c, nil
}
