// Package actors drives the escrow services concurrently against one
// database. Rejections are expected under contention; the oracles decide
// whether the ledger stayed consistent.
package actors

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/dispute"
	"escrowflow/escrowerr"
	"escrowflow/gateway"
	"escrowflow/gateway/gatewaytest"
	"escrowflow/ledger"
	"escrowflow/lifecycle"
	"escrowflow/outbox"
	"escrowflow/reconcile"
	"escrowflow/scheduler"
	"escrowflow/user"
)

// Env is everything an actor may touch.
type Env struct {
	Pool      *pgxpool.Pool
	Engine    *lifecycle.Engine
	Disputes  *dispute.Service
	Processor *reconcile.Processor
	Sweeper   *scheduler.Sweeper
	Relay     *outbox.Relay
	Users     []user.User
	Tally     *Tally
}

var stressAdmin = lifecycle.Admin("stress-admin")

// Tally counts actor outcomes by rejection kind.
type Tally struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewTally() *Tally {
	return &Tally{counts: map[string]int{}}
}

func (t *Tally) Observe(actor string, err error) {
	key := actor + ":ok"
	if err != nil {
		kind := string(escrowerr.KindOf(err))
		if kind == "" {
			kind = "infra"
		}
		key = actor + ":" + kind
	}
	t.mu.Lock()
	t.counts[key]++
	t.mu.Unlock()
}

func (t *Tally) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.counts))
	for k := range t.counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, t.counts[k]))
	}
	return strings.Join(parts, " ")
}

// loop runs step until stop closes, sleeping between iterations.
func loop(ctx context.Context, stop <-chan struct{}, pause func() time.Duration, step func()) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		step()
		time.Sleep(pause())
	}
}

func jitter(rng *rand.Rand, base, spread int) func() time.Duration {
	return func() time.Duration {
		return time.Duration(base+rng.Intn(spread)) * time.Millisecond
	}
}

func (env *Env) pair(rng *rand.Rand) (user.User, user.User) {
	i := rng.Intn(len(env.Users))
	j := (i + 1 + rng.Intn(len(env.Users)-1)) % len(env.Users)
	return env.Users[i], env.Users[j]
}

type target struct {
	milestoneID string
	version     int64
	amount      int64
	sellerID    string
	buyerID     string
}

// pick loads a random milestone in one of the statuses, or reports false.
func pick(ctx context.Context, pool *pgxpool.Pool, statuses ...ledger.MilestoneStatus) (target, bool) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	var t target
	err := pool.QueryRow(ctx, `
		SELECT m.id::text, m.version, m.amount, d.initiator_id::text, d.counterparty_id::text
		FROM milestones m JOIN deals d ON d.id = m.deal_id
		WHERE m.status = ANY($1)
		ORDER BY random() LIMIT 1`, names).Scan(&t.milestoneID, &t.version, &t.amount, &t.sellerID, &t.buyerID)
	// No rows and connections killed by chaos both mean skip this round.
	if err != nil {
		return target{}, false
	}
	return t, true
}

// Trader proposes trades between random users and funds them as the buyer,
// which accepts the offer and opens a checkout.
func Trader(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 20, 40), func() {
		seller, buyer := env.pair(rng)
		view, err := env.Engine.CreateTrade(ctx, lifecycle.CreateTradeParams{
			SellerID: seller.ID,
			BuyerID:  buyer.ID,
			Title:    fmt.Sprintf("Lot %d", rng.Intn(1000)),
			Amount:   int64(100 + rng.Intn(10000)),
		})
		env.Tally.Observe("create", err)
		if err != nil {
			return
		}
		_, err = env.Engine.FundMilestone(ctx, view.Milestones[0].ID, view.Milestones[0].Version, lifecycle.User(buyer.ID))
		env.Tally.Observe("fund", err)
	})
}

// Payer delivers provider webhooks for open checkouts. Event ids repeat so
// that replays race their originals.
func Payer(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 10, 30), func() {
		t, ok := pick(ctx, env.Pool, ledger.MilestoneAwaitingFunding, ledger.MilestoneFunded)
		if !ok {
			return
		}
		typ := gateway.EventCheckoutCompleted
		if rng.Intn(10) == 0 {
			typ = gateway.EventCheckoutExpired
		}
		body := gatewaytest.Encode(gatewaytest.Payload{
			ID:          fmt.Sprintf("evt_%s_%d", t.milestoneID, rng.Intn(3)),
			Type:        typ,
			MilestoneID: t.milestoneID,
			PaymentRef:  "pi_" + t.milestoneID[:8],
		})
		_, err := env.Processor.HandleProviderEvent(ctx, body, "valid")
		env.Tally.Observe("webhook", err)
	})
}

// Shipper marks funded trade milestones shipped as the seller.
func Shipper(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 30, 50), func() {
		t, ok := pick(ctx, env.Pool, ledger.MilestoneFunded)
		if !ok {
			return
		}
		_, err := env.Engine.MarkShipped(ctx, t.milestoneID, t.version, lifecycle.User(t.sellerID))
		env.Tally.Observe("ship", err)
	})
}

// Releaser pays sellers out as the buyer.
func Releaser(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 30, 60), func() {
		t, ok := pick(ctx, env.Pool, ledger.MilestoneFunded, ledger.MilestoneShipped)
		if !ok {
			return
		}
		_, err := env.Engine.Release(ctx, t.milestoneID, t.version, lifecycle.User(t.buyerID))
		env.Tally.Observe("release", err)
	})
}

// Disputer contests funded milestones as either party.
func Disputer(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 50, 100), func() {
		t, ok := pick(ctx, env.Pool, ledger.MilestoneFunded, ledger.MilestoneShipped)
		if !ok {
			return
		}
		raisedBy := t.buyerID
		if rng.Intn(2) == 0 {
			raisedBy = t.sellerID
		}
		_, err := env.Disputes.Open(ctx, dispute.OpenParams{
			MilestoneID: t.milestoneID,
			Version:     t.version,
			RaisedBy:    raisedBy,
			Reason:      "item not as described",
		})
		env.Tally.Observe("dispute", err)
	})
}

// Resolver settles open disputes with a random outcome.
func Resolver(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 80, 120), func() {
		var (
			disputeID string
			version   int64
			amount    int64
		)
		err := env.Pool.QueryRow(ctx, `
			SELECT d.id::text, m.version, m.amount
			FROM disputes d JOIN milestones m ON m.id = d.milestone_id
			WHERE d.status = 'open'
			ORDER BY random() LIMIT 1`).Scan(&disputeID, &version, &amount)
		if err != nil {
			return
		}
		p := dispute.ResolveParams{DisputeID: disputeID, Version: version, Admin: stressAdmin}
		switch rng.Intn(3) {
		case 0:
			p.Resolution = ledger.ResolutionRelease
		case 1:
			p.Resolution = ledger.ResolutionRefund
		default:
			p.Resolution = ledger.ResolutionSplit
			p.SellerAmount = amount / 2
			p.BuyerAmount = amount - p.SellerAmount
		}
		_, err = env.Disputes.Resolve(ctx, p)
		env.Tally.Observe("resolve", err)
	})
}

// Canceller withdraws offers that have not been funded yet.
func Canceller(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 60, 120), func() {
		var (
			dealID    string
			version   int64
			initiator string
		)
		err := env.Pool.QueryRow(ctx, `
			SELECT id::text, version, initiator_id::text FROM deals
			WHERE status IN ('proposed','accepted')
			ORDER BY random() LIMIT 1`).Scan(&dealID, &version, &initiator)
		if err != nil {
			return
		}
		_, err = env.Engine.CancelDeal(ctx, dealID, version, lifecycle.User(initiator), "changed my mind")
		env.Tally.Observe("cancel", err)
	})
}

// Sweeper runs the deadline rules with a clock far enough ahead that every
// funded milestone is due.
func Sweeper(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 500, 1000), func() {
		actions, err := env.Sweeper.RunSweep(ctx, time.Now().Add(60*24*time.Hour))
		env.Tally.Observe("sweep", err)
		for _, a := range actions {
			env.Tally.Observe("sweep_"+string(a.Kind), a.Err)
		}
	})
}

// OutboxWorker drains the outbox through a publisher that fails now and then.
func OutboxWorker(ctx context.Context, env *Env, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, jitter(rng, 100, 50), func() {
		_, err := env.Relay.Drain(ctx)
		env.Tally.Observe("outbox", err)
	})
}

// FlakyPublisher rejects roughly one message in FailEvery.
type FlakyPublisher struct {
	mu        sync.Mutex
	rng       *rand.Rand
	FailEvery int
}

func NewFlakyPublisher(seed int64, failEvery int) *FlakyPublisher {
	return &FlakyPublisher{rng: rand.New(rand.NewSource(seed)), FailEvery: failEvery}
}

func (p *FlakyPublisher) Publish(_ context.Context, msg ledger.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailEvery > 0 && p.rng.Intn(p.FailEvery) == 0 {
		return fmt.Errorf("notify %s: channel unavailable", msg.Topic)
	}
	return nil
}
