package command

import (
	"time"

	"escrowflow/escrowerr"
	"escrowflow/ledger"
	"escrowflow/lifecycle"
	"escrowflow/money"
	"escrowflow/user"
)

// Denial is what an end user sees when a command is rejected.
type Denial struct {
	Error string `json:"error"`
}

// Diagnosis is what an admin sees: the rejection kind and its detail.
type Diagnosis struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RenderError maps a rejected command to an HTTP status and body. Users
// get a plain denial; admins also get the kind.
func RenderError(err error, admin bool) (int, any) {
	status := escrowerr.HTTPStatus(err)
	msg := escrowerr.UserMessage(err)
	if !admin {
		return status, Denial{Error: msg}
	}
	kind := string(escrowerr.KindOf(err))
	if kind == "" {
		kind = "INTERNAL"
	}
	return status, Diagnosis{Kind: kind, Message: msg}
}

type MilestoneView struct {
	ID            string     `json:"id"`
	Seq           int        `json:"seq"`
	Name          string     `json:"name"`
	Amount        int64      `json:"amount"`
	Display       string     `json:"display"`
	Status        string     `json:"status"`
	Version       int64      `json:"version"`
	Fee           int64      `json:"fee,omitempty"`
	CheckoutURL   string     `json:"checkout_url,omitempty"`
	SellerAmount  int64      `json:"seller_amount,omitempty"`
	BuyerAmount   int64      `json:"buyer_amount,omitempty"`
	FundedAt      *time.Time `json:"funded_at,omitempty"`
	ShippedAt     *time.Time `json:"shipped_at,omitempty"`
	AutoRefundAt  *time.Time `json:"auto_refund_at,omitempty"`
	AutoReleaseAt *time.Time `json:"auto_release_at,omitempty"`
	SettledAt     *time.Time `json:"settled_at,omitempty"`
}

type DealView struct {
	ID                 string          `json:"id"`
	Kind               string          `json:"kind"`
	Title              string          `json:"title"`
	InitiatorID        string          `json:"initiator_id"`
	CounterpartyID     string          `json:"counterparty_id"`
	TotalAmount        int64           `json:"total_amount"`
	Display            string          `json:"display"`
	Currency           string          `json:"currency"`
	Status             string          `json:"status"`
	Version            int64           `json:"version"`
	Notes              string          `json:"notes,omitempty"`
	AcceptanceDeadline time.Time       `json:"acceptance_deadline"`
	Milestones         []MilestoneView `json:"milestones,omitempty"`
}

// TransitionView reports one accepted transition.
type TransitionView struct {
	From        string        `json:"from"`
	To          string        `json:"to"`
	Deal        DealView      `json:"deal"`
	Milestone   MilestoneView `json:"milestone"`
	CheckoutURL string        `json:"checkout_url,omitempty"`
}

type DisputeView struct {
	ID           string     `json:"id"`
	MilestoneID  string     `json:"milestone_id"`
	DealID       string     `json:"deal_id"`
	RaisedBy     string     `json:"raised_by"`
	Reason       string     `json:"reason"`
	EvidenceRef  string     `json:"evidence_ref,omitempty"`
	Status       string     `json:"status"`
	Resolution   string     `json:"resolution,omitempty"`
	SellerAmount int64      `json:"seller_amount,omitempty"`
	BuyerAmount  int64      `json:"buyer_amount,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type UserView struct {
	ID                  string `json:"id"`
	Handle              string `json:"handle"`
	Verified            bool   `json:"verified"`
	PayoutConnected     bool   `json:"payout_connected"`
	FreeTradesRemaining int    `json:"free_trades_remaining"`
	ReferralCode        string `json:"referral_code"`
}

type ReviewView struct {
	Author    string    `json:"author"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type ProfileView struct {
	Handle         string       `json:"handle"`
	Verified       bool         `json:"verified"`
	CompletedDeals int          `json:"completed_deals"`
	RatingCount    int          `json:"rating_count"`
	AverageRating  float64      `json:"average_rating"`
	RecentReviews  []ReviewView `json:"recent_reviews"`
}

func NewMilestoneView(m ledger.Milestone, currency string) MilestoneView {
	return MilestoneView{
		ID:            m.ID,
		Seq:           m.Seq,
		Name:          m.Name,
		Amount:        m.Amount,
		Display:       money.Format(m.Amount, currency),
		Status:        string(m.Status),
		Version:       m.Version,
		Fee:           m.FeeAmount,
		CheckoutURL:   m.CheckoutURL,
		SellerAmount:  m.SellerAmount,
		BuyerAmount:   m.BuyerAmount,
		FundedAt:      m.FundedAt,
		ShippedAt:     m.ShippedAt,
		AutoRefundAt:  m.AutoRefundAt,
		AutoReleaseAt: m.AutoReleaseAt,
		SettledAt:     m.SettledAt,
	}
}

func newDeal(d ledger.Deal) DealView {
	return DealView{
		ID:                 d.ID,
		Kind:               string(d.Kind),
		Title:              d.Title,
		InitiatorID:        d.InitiatorID,
		CounterpartyID:     d.CounterpartyID,
		TotalAmount:        d.TotalAmount,
		Display:            money.Format(d.TotalAmount, d.Currency),
		Currency:           d.Currency,
		Status:             string(d.Status),
		Version:            d.Version,
		Notes:              d.Notes,
		AcceptanceDeadline: d.AcceptanceDeadline,
	}
}

func NewDealView(v lifecycle.DealView) DealView {
	out := newDeal(v.Deal)
	out.Milestones = make([]MilestoneView, 0, len(v.Milestones))
	for _, m := range v.Milestones {
		out.Milestones = append(out.Milestones, NewMilestoneView(m, v.Deal.Currency))
	}
	return out
}

func NewTransitionView(r lifecycle.Result) TransitionView {
	tv := TransitionView{From: r.From, To: r.To, Deal: newDeal(r.Deal)}
	if r.Milestone.ID != "" {
		tv.Milestone = NewMilestoneView(r.Milestone, r.Deal.Currency)
	}
	return tv
}

func NewFundView(f lifecycle.FundResult) TransitionView {
	tv := NewTransitionView(f.Result)
	tv.CheckoutURL = f.CheckoutURL
	return tv
}

func NewDisputeView(d ledger.Dispute) DisputeView {
	return DisputeView{
		ID:           d.ID,
		MilestoneID:  d.MilestoneID,
		DealID:       d.DealID,
		RaisedBy:     d.RaisedBy,
		Reason:       d.Reason,
		EvidenceRef:  d.EvidenceRef,
		Status:       string(d.Status),
		Resolution:   string(d.Resolution),
		SellerAmount: d.SellerAmount,
		BuyerAmount:  d.BuyerAmount,
		ResolvedAt:   d.ResolvedAt,
		CreatedAt:    d.CreatedAt,
	}
}

func NewUserView(u user.User) UserView {
	return UserView{
		ID:                  u.ID,
		Handle:              u.Handle,
		Verified:            u.Verified,
		PayoutConnected:     u.PayoutAccount != "",
		FreeTradesRemaining: u.FreeTradesRemaining,
		ReferralCode:        user.ReferralCode(u),
	}
}

func NewProfileView(p user.Profile) ProfileView {
	out := ProfileView{
		Handle:         p.User.Handle,
		Verified:       p.User.Verified,
		CompletedDeals: p.CompletedDeals,
		RatingCount:    p.RatingCount,
		AverageRating:  p.AverageRating,
		RecentReviews:  make([]ReviewView, 0, len(p.RecentReviews)),
	}
	for _, r := range p.RecentReviews {
		out.RecentReviews = append(out.RecentReviews, ReviewView{
			Author:    r.AuthorHandle,
			Score:     r.Score,
			Comment:   r.Comment,
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}
