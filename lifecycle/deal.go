package lifecycle

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"escrowflow/escrowerr"
	"escrowflow/ledger"
)

const maxTitleLen = 200

// MilestoneSpec is one "Name: Amount" line of a project.
type MilestoneSpec struct {
	Name   string
	Amount int64
}

// CreateTradeParams describes a one-shot sale. The seller proposes it.
type CreateTradeParams struct {
	SellerID string
	BuyerID  string
	Title    string
	Amount   int64
	Currency string
}

// CreateProjectParams describes a milestone project. The paying client
// proposes it to the freelancer.
type CreateProjectParams struct {
	ClientID     string
	FreelancerID string
	Title        string
	Milestones   []MilestoneSpec
	Currency     string
}

// DealView is a deal with its milestones in sequence order.
type DealView struct {
	Deal       ledger.Deal
	Milestones []ledger.Milestone
}

// CreateTrade proposes a trade, which is a deal with exactly one milestone.
func (e *Engine) CreateTrade(ctx context.Context, p CreateTradeParams) (DealView, error) {
	return e.createDeal(ctx, ledger.KindTrade, p.SellerID, p.BuyerID, p.Title, p.Currency,
		[]MilestoneSpec{{Name: strings.TrimSpace(p.Title), Amount: p.Amount}})
}

// CreateProject proposes a project with one or more milestones.
func (e *Engine) CreateProject(ctx context.Context, p CreateProjectParams) (DealView, error) {
	return e.createDeal(ctx, ledger.KindProject, p.ClientID, p.FreelancerID, p.Title, p.Currency, p.Milestones)
}

func (e *Engine) createDeal(ctx context.Context, kind ledger.DealKind, initiator, counterparty, title, currency string, specs []MilestoneSpec) (DealView, error) {
	const op = "lifecycle.CreateDeal"
	title = strings.TrimSpace(title)
	switch {
	case initiator == "" || counterparty == "":
		return DealView{}, escrowerr.New(escrowerr.KindValidation, op, "both parties are required")
	case initiator == counterparty:
		return DealView{}, escrowerr.New(escrowerr.KindValidation, op, "you cannot open a deal with yourself")
	case title == "":
		return DealView{}, escrowerr.New(escrowerr.KindValidation, op, "title is required")
	case utf8.RuneCountInString(title) > maxTitleLen:
		return DealView{}, escrowerr.New(escrowerr.KindValidation, op, "title must be at most %d characters", maxTitleLen)
	case len(specs) == 0:
		return DealView{}, escrowerr.New(escrowerr.KindValidation, op, "at least one milestone is required")
	}
	if currency == "" {
		currency = e.opts.Currency
	}
	currency = strings.ToLower(currency)

	now := e.now()
	deal := ledger.Deal{
		ID:                 uuid.NewString(),
		Kind:               kind,
		Title:              title,
		InitiatorID:        initiator,
		CounterpartyID:     counterparty,
		Currency:           currency,
		Status:             ledger.DealProposed,
		Version:            1,
		CreatedAt:          now,
		AcceptanceDeadline: now.Add(e.opts.OfferTTL),
		UpdatedAt:          now,
	}
	milestones := make([]ledger.Milestone, 0, len(specs))
	for i, s := range specs {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return DealView{}, escrowerr.New(escrowerr.KindValidation, op, "milestone %d needs a name", i+1)
		}
		if s.Amount <= 0 {
			return DealView{}, escrowerr.New(escrowerr.KindValidation, op, "milestone %q needs a positive amount", name)
		}
		deal.TotalAmount += s.Amount
		milestones = append(milestones, ledger.Milestone{
			ID:        uuid.NewString(),
			DealID:    deal.ID,
			Seq:       i + 1,
			Name:      name,
			Amount:    s.Amount,
			Status:    ledger.MilestoneCreated,
			Version:   1,
			UpdatedAt: now,
		})
	}

	err := e.store.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertDeal(ctx, deal, milestones); err != nil {
			return storeErr(op, "deal", err)
		}
		return record(ctx, tx, ledger.EntityDeal, deal.ID, "", string(ledger.DealProposed), User(initiator), RoleInitiator,
			deal.Version, now, map[string]any{"kind": string(kind), "total_amount": deal.TotalAmount},
			ledger.TopicDealStatusChanged, map[string]any{
				"deal_id":    deal.ID,
				"from":       "",
				"to":         string(ledger.DealProposed),
				"version":    deal.Version,
				"actor_role": string(RoleInitiator),
			})
	})
	if err != nil {
		return DealView{}, err
	}
	return DealView{Deal: deal, Milestones: milestones}, nil
}

// AcceptDeal is the counterparty agreeing to the proposed terms.
func (e *Engine) AcceptDeal(ctx context.Context, dealID string, version int64, actor Actor) (Result, error) {
	return e.RequestTransition(ctx, Request{
		Entity: ledger.EntityDeal, ID: dealID, Version: version,
		Target: string(ledger.DealAccepted), Actor: actor,
	})
}

// CancelDeal withdraws a deal before any milestone is funded.
func (e *Engine) CancelDeal(ctx context.Context, dealID string, version int64, actor Actor, reason string) (Result, error) {
	return e.RequestTransition(ctx, Request{
		Entity: ledger.EntityDeal, ID: dealID, Version: version,
		Target: string(ledger.DealCancelled), Actor: actor, Note: reason,
	})
}

// GetDeal returns the deal and its milestones.
func (e *Engine) GetDeal(ctx context.Context, dealID string) (DealView, error) {
	const op = "lifecycle.GetDeal"
	d, err := e.store.GetDeal(ctx, dealID)
	if err != nil {
		return DealView{}, storeErr(op, "deal", err)
	}
	ms, err := e.store.ListMilestones(ctx, dealID)
	if err != nil {
		return DealView{}, storeErr(op, "milestones", err)
	}
	return DealView{Deal: d, Milestones: ms}, nil
}

// Party reports whether userID is one of the deal's two parties.
func (v DealView) Party(userID string) bool {
	return userID != "" && (v.Deal.InitiatorID == userID || v.Deal.CounterpartyID == userID)
}
