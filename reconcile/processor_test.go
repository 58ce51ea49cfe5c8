package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/escrowerr"
	"escrowflow/gateway"
	"escrowflow/gateway/gatewaytest"
	"escrowflow/ledger"
	"escrowflow/ledger/memstore"
	"escrowflow/lifecycle"
)

type stubAccounts struct{}

func (stubAccounts) PayoutAccount(context.Context, string) (string, error) { return "acct_1", nil }
func (stubAccounts) ClaimFreeTrade(context.Context, string) (bool, error)  { return false, nil }
func (stubAccounts) RestoreFreeTrade(context.Context, string) error        { return nil }

type harness struct {
	store  *memstore.Store
	gw     *gatewaytest.Fake
	engine *lifecycle.Engine
	proc   *Processor
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: memstore.New(),
		gw:    gatewaytest.New(),
		now:   time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	h.store.WithClock(clock)
	h.engine = lifecycle.NewEngine(h.store, h.gw, stubAccounts{}, lifecycle.Options{Clock: clock})
	h.proc = NewProcessor(h.engine, h.gw, nil).WithClock(clock)
	return h
}

// awaitingFunding returns a trade milestone with an open checkout.
func (h *harness) awaitingFunding(t *testing.T) ledger.Milestone {
	t.Helper()
	ctx := context.Background()
	view, err := h.engine.CreateTrade(ctx, lifecycle.CreateTradeParams{
		SellerID: "seller", BuyerID: "buyer", Title: "Bike", Amount: 25000,
	})
	require.NoError(t, err)
	res, err := h.engine.FundMilestone(ctx, view.Milestones[0].ID, 1, lifecycle.User("buyer"))
	require.NoError(t, err)
	return res.Milestone
}

func completed(id, milestoneID string) []byte {
	return gatewaytest.Encode(gatewaytest.Payload{
		ID: id, Type: gateway.EventCheckoutCompleted, MilestoneID: milestoneID, PaymentRef: "pi_" + id,
	})
}

func TestCompletedCheckoutFundsMilestone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ms := h.awaitingFunding(t)

	ack, err := h.proc.HandleProviderEvent(ctx, completed("evt_1", ms.ID), "valid")
	require.NoError(t, err)
	assert.Equal(t, Ack{EventID: "evt_1", Outcome: ledger.OutcomeApplied}, ack)

	got, err := h.store.GetMilestone(ctx, ms.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneFunded, got.Status)
	assert.Equal(t, "pi_evt_1", got.FundingRef)
	require.NotNil(t, got.AutoRefundAt)
	assert.Equal(t, h.now.Add(7*24*time.Hour), *got.AutoRefundAt)

	deal, err := h.store.GetDeal(ctx, got.DealID)
	require.NoError(t, err)
	assert.Equal(t, ledger.DealActive, deal.Status)

	ev, err := h.store.GetPaymentEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, ev.Outcome)
	assert.Equal(t, Digest(completed("evt_1", ms.ID)), ev.PayloadDigest)
	assert.NotNil(t, ev.ProcessedAt)
}

func TestReplayedEventAppliesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ms := h.awaitingFunding(t)
	payload := completed("evt_2", ms.ID)

	_, err := h.proc.HandleProviderEvent(ctx, payload, "valid")
	require.NoError(t, err)
	after, err := h.store.GetMilestone(ctx, ms.ID)
	require.NoError(t, err)
	trail, err := h.store.AuditTrail(ctx, ledger.EntityMilestone, ms.ID)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		ack, err := h.proc.HandleProviderEvent(ctx, payload, "valid")
		require.NoError(t, err)
		assert.True(t, ack.Duplicate)
		assert.Equal(t, ledger.OutcomeApplied, ack.Outcome)
	}

	again, err := h.store.GetMilestone(ctx, ms.ID)
	require.NoError(t, err)
	assert.Equal(t, after.Version, again.Version)
	trailAgain, err := h.store.AuditTrail(ctx, ledger.EntityMilestone, ms.ID)
	require.NoError(t, err)
	assert.Len(t, trailAgain, len(trail))
	assert.Len(t, h.store.PaymentEvents(), 1)
}

func TestConcurrentDeliveriesApplyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ms := h.awaitingFunding(t)
	payload := completed("evt_3", ms.ID)

	var wg sync.WaitGroup
	acks := make([]Ack, 8)
	for i := range acks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ack, err := h.proc.HandleProviderEvent(ctx, payload, "valid")
			assert.NoError(t, err)
			acks[i] = ack
		}(i)
	}
	wg.Wait()

	fresh := 0
	for _, ack := range acks {
		if !ack.Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	got, err := h.store.GetMilestone(ctx, ms.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneFunded, got.Status)
}

func TestInvalidSignatureWritesNothing(t *testing.T) {
	h := newHarness(t)
	ms := h.awaitingFunding(t)

	_, err := h.proc.HandleProviderEvent(context.Background(), completed("evt_4", ms.ID), "forged")
	require.ErrorIs(t, err, escrowerr.InvalidSignature)
	assert.Empty(t, h.store.PaymentEvents())
}

func TestLateEventAfterExpiryIsAnAnomaly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ms := h.awaitingFunding(t)

	expired := gatewaytest.Encode(gatewaytest.Payload{ID: "evt_5", Type: gateway.EventCheckoutExpired, MilestoneID: ms.ID})
	ack, err := h.proc.HandleProviderEvent(ctx, expired, "valid")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeApplied, ack.Outcome)

	got, err := h.store.GetMilestone(ctx, ms.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneCreated, got.Status)
	assert.Empty(t, got.CheckoutURL)

	ack, err = h.proc.HandleProviderEvent(ctx, completed("evt_6", ms.ID), "valid")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeRejected, ack.Outcome)
	assert.Contains(t, ack.Anomaly, "milestone is created")

	again, err := h.store.GetMilestone(ctx, ms.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Version, again.Version)

	ev, err := h.store.GetPaymentEvent(ctx, "evt_6")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeRejected, ev.Outcome)

	var anomalies int
	for _, msg := range h.store.Outbox() {
		if msg.Topic == ledger.TopicReconcileAnomaly {
			anomalies++
			assert.Equal(t, "evt_6", msg.Payload["event_id"])
		}
	}
	assert.Equal(t, 1, anomalies)
}

func TestUnknownMilestoneIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for _, id := range []string{"not-a-uuid", "6f1c1a55-2d4b-4b55-9c3c-6b1f2a9d0e11"} {
		ack, err := h.proc.HandleProviderEvent(ctx, completed("evt_"+id, id), "valid")
		require.NoError(t, err)
		assert.Equal(t, ledger.OutcomeRejected, ack.Outcome)
		assert.NotEmpty(t, ack.Anomaly)
	}
	assert.Len(t, h.store.PaymentEvents(), 2)
}

func TestUnhandledEventTypeIsIgnored(t *testing.T) {
	h := newHarness(t)
	payload := gatewaytest.Encode(gatewaytest.Payload{ID: "evt_7", Type: "customer.created"})

	ack, err := h.proc.HandleProviderEvent(context.Background(), payload, "valid")
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeIgnored, ack.Outcome)
	assert.Empty(t, ack.Anomaly)
	require.Len(t, h.store.PaymentEvents(), 1)
}

func TestEventWithoutIDIsInvalid(t *testing.T) {
	h := newHarness(t)
	payload := gatewaytest.Encode(gatewaytest.Payload{Type: gateway.EventCheckoutCompleted})

	_, err := h.proc.HandleProviderEvent(context.Background(), payload, "valid")
	assert.ErrorIs(t, err, escrowerr.Validation)
}

func TestDigestIsStable(t *testing.T) {
	a := Digest([]byte(`{"id":"evt"}`))
	assert.Len(t, a, 64)
	assert.Equal(t, a, Digest([]byte(`{"id":"evt"}`)))
	assert.NotEqual(t, a, Digest([]byte(`{"id":"evt2"}`)))
}
