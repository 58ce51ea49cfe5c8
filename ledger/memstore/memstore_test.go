package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/ledger"
)

func seed(t *testing.T, s *Store, now time.Time) (ledger.Deal, ledger.Milestone) {
	t.Helper()
	deal := ledger.Deal{
		ID: "deal-1", Kind: ledger.KindTrade, InitiatorID: "seller", CounterpartyID: "buyer",
		TotalAmount: 100, Currency: "usd", Status: ledger.DealActive, Version: 1,
		CreatedAt: now, AcceptanceDeadline: now.Add(time.Hour), UpdatedAt: now,
	}
	ms := ledger.Milestone{ID: "ms-1", DealID: deal.ID, Seq: 1, Amount: 100, Status: ledger.MilestoneFunded, Version: 1}
	require.NoError(t, s.InTx(context.Background(), func(tx ledger.Tx) error {
		return tx.InsertDeal(context.Background(), deal, []ledger.Milestone{ms})
	}))
	return deal, ms
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, ms := seed(t, s, time.Now())

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx ledger.Tx) error {
		next := ms
		next.Status = ledger.MilestoneReleased
		if _, err := tx.UpdateMilestone(ctx, next, ms.Version); err != nil {
			return err
		}
		if err := tx.Enqueue(ctx, ledger.TopicMilestoneStatusChanged, map[string]any{"id": ms.ID}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetMilestone(ctx, ms.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.MilestoneFunded, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.Empty(t, s.Outbox())
}

func TestUpdateMilestoneVersionCheck(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, ms := seed(t, s, time.Now())

	require.NoError(t, s.InTx(ctx, func(tx ledger.Tx) error {
		updated, err := tx.UpdateMilestone(ctx, ms, 1)
		if err != nil {
			return err
		}
		assert.Equal(t, int64(2), updated.Version)
		return nil
	}))

	err := s.InTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.UpdateMilestone(ctx, ms, 1)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrStaleVersion)

	err = s.InTx(ctx, func(tx ledger.Tx) error {
		_, err := tx.UpdateMilestone(ctx, ledger.Milestone{ID: "missing"}, 1)
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDuplicatesAreRejected(t *testing.T) {
	ctx := context.Background()
	s := New()
	deal, ms := seed(t, s, time.Now())

	ev := ledger.PaymentEvent{ProviderEventID: "evt_1", Outcome: ledger.OutcomeApplied}
	require.NoError(t, s.InTx(ctx, func(tx ledger.Tx) error { return tx.InsertPaymentEvent(ctx, ev) }))
	assert.ErrorIs(t, s.InTx(ctx, func(tx ledger.Tx) error { return tx.InsertPaymentEvent(ctx, ev) }), ledger.ErrDuplicateEvent)

	d := ledger.Dispute{ID: "d-1", MilestoneID: ms.ID, DealID: deal.ID, Status: ledger.DisputeOpen}
	require.NoError(t, s.InTx(ctx, func(tx ledger.Tx) error { return tx.InsertDispute(ctx, d) }))
	d.ID = "d-2"
	assert.ErrorIs(t, s.InTx(ctx, func(tx ledger.Tx) error { return tx.InsertDispute(ctx, d) }), ledger.ErrOpenDispute)

	resolved := ledger.Dispute{ID: "d-1", MilestoneID: ms.ID, Status: ledger.DisputeResolved}
	require.NoError(t, s.InTx(ctx, func(tx ledger.Tx) error { return tx.ResolveDispute(ctx, resolved) }))
	assert.ErrorIs(t, s.InTx(ctx, func(tx ledger.Tx) error { return tx.ResolveDispute(ctx, resolved) }), ledger.ErrStaleVersion)
}

func TestDueQueriesSkipOpenDisputes(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New()
	deal, ms := seed(t, s, now)

	due := now.Add(-time.Second)
	require.NoError(t, s.InTx(ctx, func(tx ledger.Tx) error {
		ms.AutoRefundAt = &due
		_, err := tx.UpdateMilestone(ctx, ms, 1)
		return err
	}))

	got, err := s.DueRefunds(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, s.InTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertDispute(ctx, ledger.Dispute{ID: "d-1", MilestoneID: ms.ID, DealID: deal.ID, Status: ledger.DisputeOpen})
	}))
	got, err = s.DueRefunds(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExpiredOffersBoundary(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := New()
	deal := ledger.Deal{ID: "d", Status: ledger.DealProposed, Version: 1, AcceptanceDeadline: now}
	require.NoError(t, s.InTx(ctx, func(tx ledger.Tx) error { return tx.InsertDeal(ctx, deal, nil) }))

	got, err := s.ExpiredOffers(ctx, now.Add(-time.Nanosecond), 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.ExpiredOffers(ctx, now, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOutboxClaimAndMark(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.InTx(ctx, func(tx ledger.Tx) error {
		return tx.Enqueue(ctx, ledger.TopicDisputeOpened, map[string]any{"n": 1})
	}))

	require.NoError(t, s.InTx(ctx, func(tx ledger.Tx) error {
		msgs, err := tx.ClaimOutbox(ctx, 10)
		if err != nil {
			return err
		}
		require.Len(t, msgs, 1)
		return tx.MarkOutbox(ctx, msgs[0].ID, ledger.OutboxDispatched, 1)
	}))

	out := s.Outbox()
	require.Len(t, out, 1)
	assert.Equal(t, ledger.OutboxDispatched, out[0].Status)
	assert.Equal(t, 1, out[0].Attempts)
}
