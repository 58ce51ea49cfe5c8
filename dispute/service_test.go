package dispute

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/escrowerr"
	"escrowflow/gateway/gatewaytest"
	"escrowflow/ledger"
	"escrowflow/ledger/memstore"
	"escrowflow/lifecycle"
)

type stubAccounts struct{}

func (stubAccounts) PayoutAccount(context.Context, string) (string, error) { return "acct_seller", nil }
func (stubAccounts) ClaimFreeTrade(context.Context, string) (bool, error)  { return false, nil }
func (stubAccounts) RestoreFreeTrade(context.Context, string) error        { return nil }

type env struct {
	store  *memstore.Store
	gw     *gatewaytest.Fake
	engine *lifecycle.Engine
	svc    *Service
	now    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: memstore.New(), gw: gatewaytest.New(), now: time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return e.now }
	e.store.WithClock(clock)
	e.engine = lifecycle.NewEngine(e.store, e.gw, stubAccounts{}, lifecycle.Options{Clock: clock})
	e.svc = NewService(e.engine, nil).WithClock(clock)
	return e
}

func (e *env) funded(t *testing.T, amount int64) ledger.Milestone {
	t.Helper()
	ctx := context.Background()
	view, err := e.engine.CreateTrade(ctx, lifecycle.CreateTradeParams{
		SellerID: "seller", BuyerID: "buyer", Title: "Laptop", Amount: amount,
	})
	require.NoError(t, err)
	fund, err := e.engine.FundMilestone(ctx, view.Milestones[0].ID, 1, lifecycle.User("buyer"))
	require.NoError(t, err)
	res, err := e.engine.RequestTransition(ctx, lifecycle.Request{
		Entity: ledger.EntityMilestone, ID: fund.Milestone.ID, Version: fund.Milestone.Version,
		Target: string(ledger.MilestoneFunded), Actor: lifecycle.Reconciler, ProviderRef: "pi_1",
	})
	require.NoError(t, err)
	return res.Milestone
}

func (e *env) opened(t *testing.T, amount int64) Outcome {
	t.Helper()
	ms := e.funded(t, amount)
	out, err := e.svc.Open(context.Background(), OpenParams{
		MilestoneID: ms.ID, Version: ms.Version, RaisedBy: "buyer", Reason: "item never arrived",
	})
	require.NoError(t, err)
	return out
}

func TestOpenFreezesMilestone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	out := e.opened(t, 10000)

	assert.Equal(t, ledger.DisputeOpen, out.Dispute.Status)
	assert.Equal(t, ledger.MilestoneDisputed, out.Result.Milestone.Status)
	assert.Equal(t, "buyer", out.Dispute.RaisedBy)

	got, err := e.svc.Get(ctx, out.Dispute.ID)
	require.NoError(t, err)
	assert.Equal(t, out.Dispute.MilestoneID, got.MilestoneID)
	assert.NotEmpty(t, got.DealID)

	list, err := e.svc.List(ctx, out.Dispute.MilestoneID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = e.engine.Release(ctx, out.Result.Milestone.ID, out.Result.Milestone.Version, lifecycle.User("buyer"))
	require.ErrorIs(t, err, escrowerr.InvalidTransition)
	assert.Equal(t, "cannot release: milestone is disputed", escrowerr.UserMessage(err))

	trail, err := e.store.AuditTrail(ctx, ledger.EntityDispute, out.Dispute.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, string(ledger.DisputeOpen), trail[0].ToStatus)
}

func TestOpenRules(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ms := e.funded(t, 5000)

	_, err := e.svc.Open(ctx, OpenParams{MilestoneID: ms.ID, Version: ms.Version, RaisedBy: "stranger", Reason: "x"})
	assert.ErrorIs(t, err, escrowerr.Unauthorized)

	_, err = e.svc.Open(ctx, OpenParams{MilestoneID: ms.ID, Version: ms.Version, RaisedBy: "buyer", Reason: "  "})
	assert.ErrorIs(t, err, escrowerr.Validation)

	_, err = e.svc.Open(ctx, OpenParams{MilestoneID: ms.ID, Version: ms.Version + 1, RaisedBy: "buyer", Reason: "late"})
	assert.ErrorIs(t, err, escrowerr.StaleVersion)

	out, err := e.svc.Open(ctx, OpenParams{MilestoneID: ms.ID, Version: ms.Version, RaisedBy: "seller", Reason: "buyer is lying"})
	require.NoError(t, err)

	_, err = e.svc.Open(ctx, OpenParams{MilestoneID: ms.ID, Version: out.Result.Milestone.Version, RaisedBy: "buyer", Reason: "again"})
	assert.ErrorIs(t, err, escrowerr.InvalidTransition)

	list, err := e.svc.List(ctx, ms.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1, "rejected opens leave no dispute behind")
}

func TestOpenNeedsFundedMilestone(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	view, err := e.engine.CreateTrade(ctx, lifecycle.CreateTradeParams{
		SellerID: "seller", BuyerID: "buyer", Title: "Desk", Amount: 900,
	})
	require.NoError(t, err)

	_, err = e.svc.Open(ctx, OpenParams{MilestoneID: view.Milestones[0].ID, Version: 1, RaisedBy: "buyer", Reason: "x"})
	assert.ErrorIs(t, err, escrowerr.InvalidTransition)

	_, err = e.svc.Open(ctx, OpenParams{MilestoneID: "missing", Version: 1, RaisedBy: "buyer", Reason: "x"})
	assert.ErrorIs(t, err, escrowerr.NotFound)
}

func TestResolveSplit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	out := e.opened(t, 10000)
	ms := out.Result.Milestone

	res, err := e.svc.Resolve(ctx, ResolveParams{
		DisputeID: out.Dispute.ID, Version: ms.Version, Resolution: ledger.ResolutionSplit,
		SellerAmount: 6000, BuyerAmount: 4000, Admin: lifecycle.Admin("root"),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneSplit, res.Result.Milestone.Status)
	assert.Equal(t, ledger.DealCompleted, res.Result.Deal.Status)
	assert.Equal(t, ledger.DisputeResolved, res.Dispute.Status)

	moves := e.gw.Moves()
	require.Len(t, moves, 2)
	assert.Equal(t, "transfer", moves[0].Op)
	assert.Equal(t, int64(6000), moves[0].Amount)
	assert.Equal(t, "refund", moves[1].Op)
	assert.Equal(t, int64(4000), moves[1].Amount)

	stored, err := e.svc.Get(ctx, out.Dispute.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.ResolutionSplit, stored.Resolution)
	assert.Equal(t, int64(6000), stored.SellerAmount)
	assert.Equal(t, int64(4000), stored.BuyerAmount)
	assert.Equal(t, "root", stored.ResolvedBy)
}

func TestResolveSplitMustAddUp(t *testing.T) {
	e := newEnv(t)
	out := e.opened(t, 10000)

	_, err := e.svc.Resolve(context.Background(), ResolveParams{
		DisputeID: out.Dispute.ID, Version: out.Result.Milestone.Version, Resolution: ledger.ResolutionSplit,
		SellerAmount: 6000, BuyerAmount: 3000, Admin: lifecycle.Admin("root"),
	})
	require.ErrorIs(t, err, escrowerr.Validation)
	assert.Empty(t, e.gw.Calls()[1:], "only the checkout reached the provider")

	d, err := e.svc.Get(context.Background(), out.Dispute.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeOpen, d.Status)
}

func TestResolveAdminOnly(t *testing.T) {
	e := newEnv(t)
	out := e.opened(t, 10000)

	_, err := e.svc.Resolve(context.Background(), ResolveParams{
		DisputeID: out.Dispute.ID, Version: out.Result.Milestone.Version, Resolution: ledger.ResolutionRefund,
		Admin: lifecycle.User("buyer"),
	})
	assert.ErrorIs(t, err, escrowerr.Unauthorized)
	assert.Empty(t, e.gw.Moves())
}

func TestResolveGatewayFailureKeepsDisputeOpen(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	out := e.opened(t, 10000)

	e.gw.FailNext(1, errors.New("provider unavailable"))
	_, err := e.svc.Resolve(ctx, ResolveParams{
		DisputeID: out.Dispute.ID, Version: out.Result.Milestone.Version, Resolution: ledger.ResolutionRefund,
		Admin: lifecycle.Admin("root"),
	})
	require.ErrorIs(t, err, escrowerr.GatewayFailure)

	d, err := e.svc.Get(ctx, out.Dispute.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DisputeOpen, d.Status)
	m, err := e.store.GetMilestone(ctx, out.Result.Milestone.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneDisputed, m.Status)

	res, err := e.svc.Resolve(ctx, ResolveParams{
		DisputeID: out.Dispute.ID, Version: out.Result.Milestone.Version, Resolution: ledger.ResolutionRefund,
		Admin: lifecycle.Admin("root"),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneRefunded, res.Result.Milestone.Status)
	assert.Equal(t, int64(10000), res.Dispute.BuyerAmount)
}

func TestConcurrentResolutionsOneWins(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	out := e.opened(t, 10000)
	version := out.Result.Milestone.Version

	params := []ResolveParams{
		{Resolution: ledger.ResolutionRelease},
		{Resolution: ledger.ResolutionRefund},
		{Resolution: ledger.ResolutionSplit, SellerAmount: 5000, BuyerAmount: 5000},
	}
	errs := make([]error, len(params))
	var wg sync.WaitGroup
	for i := range params {
		params[i].DisputeID = out.Dispute.ID
		params[i].Version = version
		params[i].Admin = lifecycle.Admin("root")
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.svc.Resolve(ctx, params[i])
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		kind := escrowerr.KindOf(err)
		assert.Contains(t, []escrowerr.Kind{escrowerr.KindAlreadyTerminal, escrowerr.KindStaleVersion}, kind)
	}
	assert.Equal(t, 1, wins)

	var moved int64
	for _, c := range e.gw.Moves() {
		moved += c.Amount
	}
	assert.Equal(t, int64(10000), moved)
}

func TestAdminOverrideRejectedWhileDisputed(t *testing.T) {
	e := newEnv(t)
	out := e.opened(t, 10000)

	_, err := e.engine.ForceRefund(context.Background(), out.Result.Milestone.ID, out.Result.Milestone.Version, lifecycle.Admin("root"), "")
	assert.ErrorIs(t, err, escrowerr.InvalidTransition)
}
