package lifecycle

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"escrowflow/escrowerr"
	"escrowflow/ledger"
	"escrowflow/money"
)

// FundResult carries the hosted checkout the buyer should complete.
type FundResult struct {
	Result
	CheckoutURL string
	Fee         int64
}

// FundMilestone opens a hosted checkout for the buyer. Funding a trade that
// is still proposed accepts it first. Asking again while a checkout is open
// returns the same checkout.
func (e *Engine) FundMilestone(ctx context.Context, milestoneID string, version int64, actor Actor) (FundResult, error) {
	const op = "lifecycle.FundMilestone"
	m, err := e.store.GetMilestone(ctx, milestoneID)
	if err != nil {
		return FundResult{}, storeErr(op, "milestone", err)
	}
	d, err := e.store.GetDeal(ctx, m.DealID)
	if err != nil {
		return FundResult{}, storeErr(op, "deal", err)
	}
	buyer := milestoneRole(d, actor) == RoleBuyer

	if buyer && m.Status == ledger.MilestoneAwaitingFunding && m.CheckoutURL != "" {
		return FundResult{Result: Result{Deal: d, Milestone: m, From: string(m.Status), To: string(m.Status)},
			CheckoutURL: m.CheckoutURL, Fee: m.FeeAmount}, nil
	}

	var fee int64
	var claimed bool
	if buyer && m.Status == ledger.MilestoneCreated && m.Version == version && !d.Status.Terminal() {
		fee, claimed, err = e.platformFee(ctx, d.BuyerID(), m.Amount)
		if err != nil {
			return FundResult{}, err
		}
	}

	var res Result
	err = e.store.InTx(ctx, func(tx ledger.Tx) error {
		cur, err := tx.LockDeal(ctx, d.ID)
		if err != nil {
			return storeErr(op, "deal", err)
		}
		if buyer && cur.Kind == ledger.KindTrade && cur.Status == ledger.DealProposed {
			if _, err := e.Apply(ctx, tx, Request{
				Entity: ledger.EntityDeal, ID: cur.ID, Version: cur.Version,
				Target: string(ledger.DealAccepted), Actor: actor,
			}); err != nil {
				return err
			}
		}
		res, err = e.Apply(ctx, tx, Request{
			Entity: ledger.EntityMilestone, ID: milestoneID, Version: version,
			Target: string(ledger.MilestoneAwaitingFunding), Actor: actor, Fee: fee,
		})
		return err
	})
	if err != nil {
		if claimed {
			if rerr := e.accounts.RestoreFreeTrade(ctx, d.BuyerID()); rerr != nil {
				e.logger.Error("restore free trade credit failed",
					zap.String("user_id", d.BuyerID()),
					zap.Error(rerr),
				)
			}
		}
		return FundResult{}, err
	}
	return FundResult{Result: res, CheckoutURL: res.Milestone.CheckoutURL, Fee: fee}, nil
}

// platformFee waives the fee on a buyer's first deal, then spends free
// trade credits, then charges the configured percentage.
func (e *Engine) platformFee(ctx context.Context, buyerID string, amount int64) (int64, bool, error) {
	completed, err := e.store.CountCompletedDeals(ctx, buyerID)
	if err != nil {
		return 0, false, fmt.Errorf("lifecycle: count completed deals: %w", err)
	}
	if completed == 0 {
		return 0, false, nil
	}
	ok, err := e.accounts.ClaimFreeTrade(ctx, buyerID)
	if err != nil {
		return 0, false, fmt.Errorf("lifecycle: claim free trade: %w", err)
	}
	if ok {
		return 0, true, nil
	}
	if e.opts.FeePercent <= 0 {
		return 0, false, nil
	}
	return money.Percent(amount, e.opts.FeePercent), false, nil
}

// MarkShipped is the seller asserting a trade item was sent.
func (e *Engine) MarkShipped(ctx context.Context, milestoneID string, version int64, actor Actor) (Result, error) {
	return e.RequestTransition(ctx, Request{
		Entity: ledger.EntityMilestone, ID: milestoneID, Version: version,
		Target: string(ledger.MilestoneShipped), Actor: actor,
	})
}

// Release pays the milestone out to the seller.
func (e *Engine) Release(ctx context.Context, milestoneID string, version int64, actor Actor) (Result, error) {
	return e.RequestTransition(ctx, Request{
		Entity: ledger.EntityMilestone, ID: milestoneID, Version: version,
		Target: string(ledger.MilestoneReleased), Actor: actor,
	})
}

// ForceRefund is the admin override returning an undisputed milestone to
// the buyer.
func (e *Engine) ForceRefund(ctx context.Context, milestoneID string, version int64, admin Actor, note string) (Result, error) {
	if admin.Role != RoleAdmin {
		return Result{}, escrowerr.New(escrowerr.KindUnauthorized, "lifecycle.ForceRefund", "admin only")
	}
	return e.RequestTransition(ctx, Request{
		Entity: ledger.EntityMilestone, ID: milestoneID, Version: version,
		Target: string(ledger.MilestoneRefunded), Actor: admin, Note: note,
	})
}

// ForceRelease is the admin override paying an undisputed milestone out.
func (e *Engine) ForceRelease(ctx context.Context, milestoneID string, version int64, admin Actor, note string) (Result, error) {
	if admin.Role != RoleAdmin {
		return Result{}, escrowerr.New(escrowerr.KindUnauthorized, "lifecycle.ForceRelease", "admin only")
	}
	return e.RequestTransition(ctx, Request{
		Entity: ledger.EntityMilestone, ID: milestoneID, Version: version,
		Target: string(ledger.MilestoneReleased), Actor: admin, Note: note,
	})
}
