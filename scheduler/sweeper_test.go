package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/gateway/gatewaytest"
	"escrowflow/ledger"
	"escrowflow/ledger/memstore"
	"escrowflow/lifecycle"
)

type stubAccounts struct{}

func (stubAccounts) PayoutAccount(context.Context, string) (string, error) { return "acct_1", nil }
func (stubAccounts) ClaimFreeTrade(context.Context, string) (bool, error)  { return false, nil }
func (stubAccounts) RestoreFreeTrade(context.Context, string) error        { return nil }

var start = time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)

type env struct {
	store   *memstore.Store
	gw      *gatewaytest.Fake
	engine  *lifecycle.Engine
	sweeper *Sweeper
	now     time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{store: memstore.New(), gw: gatewaytest.New(), now: start}
	clock := func() time.Time { return e.now }
	e.store.WithClock(clock)
	e.engine = lifecycle.NewEngine(e.store, e.gw, stubAccounts{}, lifecycle.Options{Clock: clock})
	e.sweeper = NewSweeper(e.engine, Options{})
	return e
}

func (e *env) fundedTrade(t *testing.T) ledger.Milestone {
	t.Helper()
	ctx := context.Background()
	view, err := e.engine.CreateTrade(ctx, lifecycle.CreateTradeParams{
		SellerID: "seller", BuyerID: "buyer", Title: "Guitar", Amount: 40000,
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

func TestAutoRefundBoundary(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ms := e.fundedTrade(t)
	deadline := start.Add(7 * 24 * time.Hour)

	actions, err := e.sweeper.RunSweep(ctx, deadline.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, actions)

	actions, err = e.sweeper.RunSweep(ctx, deadline.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionAutoRefund, actions[0].Kind)
	assert.Equal(t, OutcomeApplied, actions[0].Outcome)

	got, err := e.store.GetMilestone(ctx, ms.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneRefunded, got.Status)
	moves := e.gw.Moves()
	require.Len(t, moves, 1)
	assert.Equal(t, "refund", moves[0].Op)
	assert.Equal(t, int64(40000), moves[0].Amount)

	actions, err = e.sweeper.RunSweep(ctx, deadline.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Len(t, e.gw.Moves(), 1)
}

func TestAutoReleaseAfterShipping(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ms := e.fundedTrade(t)

	e.now = start.Add(2 * 24 * time.Hour)
	shipped, err := e.engine.MarkShipped(ctx, ms.ID, ms.Version, lifecycle.User("seller"))
	require.NoError(t, err)

	// The original refund deadline no longer applies once shipped.
	actions, err := e.sweeper.RunSweep(ctx, start.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, actions)

	actions, err = e.sweeper.RunSweep(ctx, *shipped.Milestone.AutoReleaseAt)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionAutoRelease, actions[0].Kind)
	assert.Equal(t, OutcomeApplied, actions[0].Outcome)

	got, err := e.store.GetMilestone(ctx, ms.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneReleased, got.Status)
	deal, err := e.store.GetDeal(ctx, got.DealID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DealCompleted, deal.Status)
}

func TestOpenDisputeFreezesAutomation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ms := e.fundedTrade(t)

	require.NoError(t, e.store.InTx(ctx, func(tx ledger.Tx) error {
		if err := tx.InsertDispute(ctx, ledger.Dispute{
			ID: "d-1", MilestoneID: ms.ID, DealID: ms.DealID, RaisedBy: "buyer", Status: ledger.DisputeOpen, CreatedAt: e.now,
		}); err != nil {
			return err
		}
		_, err := e.engine.Apply(ctx, tx, lifecycle.Request{
			Entity: ledger.EntityMilestone, ID: ms.ID, Version: ms.Version,
			Target: string(ledger.MilestoneDisputed), Actor: lifecycle.User("buyer"), DisputeID: "d-1",
		})
		return err
	}))

	actions, err := e.sweeper.RunSweep(ctx, start.Add(30*24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, actions)
	assert.Empty(t, e.gw.Moves())
}

func TestStaleCandidateIsSkipped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	ms := e.fundedTrade(t)
	now := start.Add(8 * 24 * time.Hour)

	candidates, err := e.store.DueRefunds(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	// The buyer releases between the scan and the sweep's request.
	_, err = e.engine.Release(ctx, ms.ID, ms.Version, lifecycle.User("buyer"))
	require.NoError(t, err)

	a := e.sweeper.submit(ctx, ActionAutoRefund, lifecycle.Request{
		Entity: ledger.EntityMilestone, ID: ms.ID, Version: candidates[0].Version,
		Target: string(ledger.MilestoneRefunded),
	}, now)
	assert.Equal(t, OutcomeSkipped, a.Outcome)
	assert.Error(t, a.Err)
	assert.Len(t, e.gw.Moves(), 1)
}

func TestOfferExpiry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	view, err := e.engine.CreateProject(ctx, lifecycle.CreateProjectParams{
		ClientID: "client", FreelancerID: "dev", Title: "API",
		Milestones: []lifecycle.MilestoneSpec{{Name: "v1", Amount: 100}},
	})
	require.NoError(t, err)

	actions, err := e.sweeper.RunSweep(ctx, start.Add(24*time.Hour-time.Second))
	require.NoError(t, err)
	assert.Empty(t, actions)

	actions, err = e.sweeper.RunSweep(ctx, start.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionExpireOffer, actions[0].Kind)
	assert.Equal(t, OutcomeApplied, actions[0].Outcome)

	got, err := e.store.GetDeal(ctx, view.Deal.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DealExpired, got.Status)
	assert.Contains(t, got.Notes, "offer expired")

	_, err = e.engine.AcceptDeal(ctx, view.Deal.ID, got.Version, lifecycle.User("dev"))
	assert.Error(t, err)
}

func TestAcceptedOfferExpiresFromCreation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	view, err := e.engine.CreateProject(ctx, lifecycle.CreateProjectParams{
		ClientID: "client", FreelancerID: "dev", Title: "Mobile app",
		Milestones: []lifecycle.MilestoneSpec{{Name: "v1", Amount: 500}},
	})
	require.NoError(t, err)
	accepted, err := e.engine.AcceptDeal(ctx, view.Deal.ID, view.Deal.Version, lifecycle.User("dev"))
	require.NoError(t, err)
	assert.Equal(t, ledger.DealAccepted, accepted.Deal.Status)

	actions, err := e.sweeper.RunSweep(ctx, start.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionExpireOffer, actions[0].Kind)
	assert.Equal(t, OutcomeApplied, actions[0].Outcome)

	got, err := e.store.GetDeal(ctx, view.Deal.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DealExpired, got.Status)
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.sweeper.Run(ctx, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
