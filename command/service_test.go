package command

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/dispute"
	"escrowflow/escrowerr"
	"escrowflow/gateway/gatewaytest"
	"escrowflow/ledger"
	"escrowflow/ledger/memstore"
	"escrowflow/lifecycle"
	"escrowflow/user"
	"escrowflow/user/usertest"
)

type harness struct {
	svc    *Service
	engine *lifecycle.Engine
	gw     *gatewaytest.Fake
	seller Caller
	buyer  Caller
	admin  Caller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	users := user.NewService(usertest.New(), store, nil)
	gw := gatewaytest.New()
	engine := lifecycle.NewEngine(store, gw, users, lifecycle.Options{BaseURL: "https://escrow.test"})
	h := &harness{
		svc:    NewService(engine, dispute.NewService(engine, nil), users, nil),
		engine: engine,
		gw:     gw,
	}

	seller, err := users.Register(ctx, user.RegisterParams{ExternalID: "1", Handle: "seller"})
	require.NoError(t, err)
	buyer, err := users.Register(ctx, user.RegisterParams{ExternalID: "2", Handle: "buyer"})
	require.NoError(t, err)
	_, err = users.ConnectPayoutAccount(ctx, seller.ID, "acct_seller")
	require.NoError(t, err)

	h.seller = Caller{UserID: seller.ID}
	h.buyer = Caller{UserID: buyer.ID}
	h.admin = Caller{UserID: "ops", Admin: true}
	return h
}

// funded runs a 100.00 trade up to Funded and returns the milestone.
func (h *harness) funded(t *testing.T) ledger.Milestone {
	t.Helper()
	ctx := context.Background()
	view, err := h.svc.CreateTrade(ctx, h.seller, TradeInput{Counterparty: "@buyer", Title: "Bike", Amount: "100.00"})
	require.NoError(t, err)
	fund, err := h.svc.Fund(ctx, h.buyer, view.Milestones[0].ID, 1)
	require.NoError(t, err)
	require.NotEmpty(t, fund.CheckoutURL)
	res, err := h.engine.RequestTransition(ctx, lifecycle.Request{
		Entity: ledger.EntityMilestone, ID: fund.Milestone.ID, Version: fund.Milestone.Version,
		Target: string(ledger.MilestoneFunded), Actor: lifecycle.Reconciler, ProviderRef: "pi_1",
	})
	require.NoError(t, err)
	return res.Milestone
}

func TestCreateTradeResolvesCounterparty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	view, err := h.svc.CreateTrade(ctx, h.seller, TradeInput{Counterparty: "buyer", Title: "Bike", Amount: "150.50"})
	require.NoError(t, err)
	assert.Equal(t, h.buyer.UserID, view.Deal.CounterpartyID)
	assert.Equal(t, int64(15050), view.Deal.TotalAmount)

	_, err = h.svc.CreateTrade(ctx, h.seller, TradeInput{Counterparty: "ghost", Title: "Bike", Amount: "1"})
	assert.ErrorIs(t, err, escrowerr.NotFound)

	_, err = h.svc.CreateTrade(ctx, h.seller, TradeInput{Counterparty: "buyer", Title: "Bike", Amount: "1.001"})
	require.ErrorIs(t, err, escrowerr.Validation)
	assert.Contains(t, escrowerr.UserMessage(err), "amount")

	_, err = h.svc.CreateTrade(ctx, Caller{}, TradeInput{Counterparty: "buyer", Title: "Bike", Amount: "1"})
	assert.ErrorIs(t, err, escrowerr.Unauthorized)
}

func TestCreateProjectFromPlan(t *testing.T) {
	h := newHarness(t)
	view, err := h.svc.CreateProject(context.Background(), h.buyer, ProjectInput{
		Counterparty: "seller",
		Title:        "Website",
		Plan:         "Design: 300\n\nBuild: 700.50\n",
	})
	require.NoError(t, err)
	require.Len(t, view.Milestones, 2)
	assert.Equal(t, "Design", view.Milestones[0].Name)
	assert.Equal(t, int64(100050), view.Deal.TotalAmount)
	assert.Equal(t, h.buyer.UserID, view.Deal.BuyerID())
}

func TestParsePlanRejectsMalformedLine(t *testing.T) {
	_, err := ParsePlan("Design: 300\nBuild 700")
	require.ErrorIs(t, err, escrowerr.Validation)
	assert.Contains(t, escrowerr.UserMessage(err), "line 2")
}

func TestGetDealIsPartyOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	view, err := h.svc.CreateTrade(ctx, h.seller, TradeInput{Counterparty: "buyer", Title: "Bike", Amount: "10"})
	require.NoError(t, err)

	_, err = h.svc.GetDeal(ctx, h.buyer, view.Deal.ID)
	require.NoError(t, err)
	_, err = h.svc.GetDeal(ctx, Caller{UserID: "stranger"}, view.Deal.ID)
	assert.ErrorIs(t, err, escrowerr.Unauthorized)
	_, err = h.svc.GetDeal(ctx, h.admin, view.Deal.ID)
	require.NoError(t, err)
}

func TestAdminCommandsRejectUsers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ms := h.funded(t)

	_, err := h.svc.SetVerified(ctx, h.seller, "seller", true)
	assert.ErrorIs(t, err, escrowerr.Unauthorized)
	_, err = h.svc.ForceRefund(ctx, h.buyer, ms.ID, ms.Version, "")
	assert.ErrorIs(t, err, escrowerr.Unauthorized)
	_, err = h.svc.ForceRelease(ctx, h.buyer, ms.ID, ms.Version, "")
	assert.ErrorIs(t, err, escrowerr.Unauthorized)
	_, err = h.svc.SplitDispute(ctx, h.seller, "any", SplitInput{})
	assert.ErrorIs(t, err, escrowerr.Unauthorized)
	_, err = h.svc.RegisterUser(ctx, h.buyer, user.RegisterParams{ExternalID: "9", Handle: "mallory"})
	assert.ErrorIs(t, err, escrowerr.Unauthorized)

	u, err := h.svc.SetVerified(ctx, h.admin, "seller", true)
	require.NoError(t, err)
	assert.True(t, u.Verified)
}

func TestDisputeSplitThroughCommands(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ms := h.funded(t)

	opened, err := h.svc.OpenDispute(ctx, h.buyer, ms.ID, DisputeInput{Version: ms.Version, Reason: "item damaged"})
	require.NoError(t, err)

	_, err = h.svc.Release(ctx, h.buyer, ms.ID, opened.Result.Milestone.Version)
	require.Error(t, err)
	status, body := RenderError(err, false)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, Denial{Error: "cannot release: milestone is disputed"}, body)

	_, err = h.svc.ResolveDispute(ctx, h.admin, opened.Dispute.ID, opened.Result.Milestone.Version, ledger.ResolutionSplit, "")
	assert.ErrorIs(t, err, escrowerr.Validation)

	out, err := h.svc.SplitDispute(ctx, h.admin, opened.Dispute.ID, SplitInput{
		Version:      opened.Result.Milestone.Version,
		SellerAmount: "60.00",
		BuyerAmount:  "40",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneSplit, out.Result.Milestone.Status)
	assert.Equal(t, int64(6000), out.Dispute.SellerAmount)
	assert.Equal(t, int64(4000), out.Dispute.BuyerAmount)
	assert.Len(t, h.gw.Moves(), 2)

	list, err := h.svc.ListDisputes(ctx, h.admin, ms.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, ledger.DisputeResolved, list[0].Status)
}

func TestOneSidedSplitAcceptsZero(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ms := h.funded(t)

	opened, err := h.svc.OpenDispute(ctx, h.seller, ms.ID, DisputeInput{Version: ms.Version, Reason: "buyer unresponsive"})
	require.NoError(t, err)
	out, err := h.svc.SplitDispute(ctx, h.admin, opened.Dispute.ID, SplitInput{
		Version:      opened.Result.Milestone.Version,
		SellerAmount: "100",
		BuyerAmount:  "0",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.Dispute.BuyerAmount)
}

func TestRenderError(t *testing.T) {
	stale := escrowerr.New(escrowerr.KindStaleVersion, "lifecycle.Apply", "version 2 is stale")

	status, body := RenderError(stale, false)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, Denial{Error: "state changed, please refresh"}, body)

	status, body = RenderError(stale, true)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, Diagnosis{Kind: "STALE_VERSION", Message: "state changed, please refresh"}, body)

	status, body = RenderError(errors.New("pgx: connection reset"), true)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL", body.(Diagnosis).Kind)
	assert.NotContains(t, body.(Diagnosis).Message, "pgx")
}

func TestViews(t *testing.T) {
	h := newHarness(t)
	ms := h.funded(t)
	view, err := h.svc.GetDeal(context.Background(), h.seller, ms.DealID)
	require.NoError(t, err)

	dv := NewDealView(view)
	assert.Equal(t, "100.00 USD", dv.Display)
	assert.Equal(t, "active", dv.Status)
	require.Len(t, dv.Milestones, 1)
	assert.Equal(t, "funded", dv.Milestones[0].Status)
	assert.NotNil(t, dv.Milestones[0].AutoRefundAt)
}
