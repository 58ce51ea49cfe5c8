package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/ledger"
	"escrowflow/ledger/memstore"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []string
	failTopic string
}

func (p *recordingPublisher) Publish(_ context.Context, msg ledger.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.Topic == p.failTopic {
		return errors.New("notifier unavailable")
	}
	p.published = append(p.published, msg.Topic)
	return nil
}

func enqueue(t *testing.T, store *memstore.Store, topics ...string) {
	t.Helper()
	require.NoError(t, store.InTx(context.Background(), func(tx ledger.Tx) error {
		for _, topic := range topics {
			if err := tx.Enqueue(context.Background(), topic, map[string]any{"topic": topic}); err != nil {
				return err
			}
		}
		return nil
	}))
}

func statuses(store *memstore.Store) map[string]ledger.OutboxStatus {
	out := map[string]ledger.OutboxStatus{}
	for _, msg := range store.Outbox() {
		out[msg.Topic] = msg.Status
	}
	return out
}

func TestDrainDispatchesPending(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, ledger.TopicDealStatusChanged, ledger.TopicMilestoneStatusChanged)
	pub := &recordingPublisher{}
	relay := NewRelay(store, pub, Options{})

	st, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Dispatched: 2}, st)
	assert.Equal(t, []string{ledger.TopicDealStatusChanged, ledger.TopicMilestoneStatusChanged}, pub.published)

	st, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, st, "dispatched rows are not claimed again")
}

func TestDrainRetriesThenDeadLetters(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, ledger.TopicDisputeOpened, ledger.TopicDealStatusChanged)
	pub := &recordingPublisher{failTopic: ledger.TopicDisputeOpened}
	relay := NewRelay(store, pub, Options{MaxAttempts: 3})

	st, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Dispatched: 1, Retried: 1}, st)

	st, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Retried: 1}, st)

	st, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Dead: 1}, st)

	got := statuses(store)
	assert.Equal(t, ledger.OutboxDead, got[ledger.TopicDisputeOpened])
	assert.Equal(t, ledger.OutboxDispatched, got[ledger.TopicDealStatusChanged])
	for _, msg := range store.Outbox() {
		if msg.Topic == ledger.TopicDisputeOpened {
			assert.Equal(t, 3, msg.Attempts)
		}
	}
}

func TestDrainRespectsBatchSize(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, "a", "b", "c")
	relay := NewRelay(store, &recordingPublisher{}, Options{BatchSize: 2})

	st, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Dispatched)

	st, err = relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Dispatched)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := memstore.New()
	enqueue(t, store, ledger.TopicDealStatusChanged)
	relay := NewRelay(store, NewLogPublisher(nil), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx, 5*time.Millisecond) }()

	require.Eventually(t, func() bool {
		return statuses(store)[ledger.TopicDealStatusChanged] == ledger.OutboxDispatched
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
