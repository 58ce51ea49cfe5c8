// Package memstore is an in-process ledger.Store. Transactions are
// serialised and applied copy-on-write, so a failed unit leaves no trace.
package memstore

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"escrowflow/ledger"
)

type state struct {
	deals      map[string]ledger.Deal
	milestones map[string]ledger.Milestone
	events     map[string]ledger.PaymentEvent
	disputes   map[string]ledger.Dispute
	audit      []ledger.AuditEntry
	outbox     []ledger.OutboxMessage
}

func (s *state) clone() *state {
	return &state{
		deals:      maps.Clone(s.deals),
		milestones: maps.Clone(s.milestones),
		events:     maps.Clone(s.events),
		disputes:   maps.Clone(s.disputes),
		audit:      slices.Clone(s.audit),
		outbox:     slices.Clone(s.outbox),
	}
}

// Store implements ledger.Store in memory.
type Store struct {
	mu    sync.RWMutex
	txMu  sync.Mutex
	state *state
	now   func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		state: &state{
			deals:      map[string]ledger.Deal{},
			milestones: map[string]ledger.Milestone{},
			events:     map[string]ledger.PaymentEvent{},
			disputes:   map[string]ledger.Dispute{},
		},
		now: time.Now,
	}
}

// WithClock overrides the timestamp source used for audit and outbox rows.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// InTx runs fn against a private copy of the ledger and publishes the copy
// only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	work := s.state.clone()
	s.mu.RUnlock()

	if err := fn(&tx{reader: reader{st: work}, now: s.now}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

func (s *Store) snapshot() reader {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reader{st: s.state}
}

func (s *Store) GetDeal(ctx context.Context, id string) (ledger.Deal, error) {
	return s.snapshot().GetDeal(ctx, id)
}

func (s *Store) GetMilestone(ctx context.Context, id string) (ledger.Milestone, error) {
	return s.snapshot().GetMilestone(ctx, id)
}

func (s *Store) ListMilestones(ctx context.Context, dealID string) ([]ledger.Milestone, error) {
	return s.snapshot().ListMilestones(ctx, dealID)
}

func (s *Store) GetDispute(ctx context.Context, id string) (ledger.Dispute, error) {
	return s.snapshot().GetDispute(ctx, id)
}

func (s *Store) OpenDisputeFor(ctx context.Context, milestoneID string) (ledger.Dispute, error) {
	return s.snapshot().OpenDisputeFor(ctx, milestoneID)
}

func (s *Store) ListDisputes(ctx context.Context, milestoneID string) ([]ledger.Dispute, error) {
	return s.snapshot().ListDisputes(ctx, milestoneID)
}

func (s *Store) GetPaymentEvent(ctx context.Context, id string) (ledger.PaymentEvent, error) {
	return s.snapshot().GetPaymentEvent(ctx, id)
}

func (s *Store) AuditTrail(ctx context.Context, entity ledger.EntityType, id string) ([]ledger.AuditEntry, error) {
	return s.snapshot().AuditTrail(ctx, entity, id)
}

func (s *Store) CountCompletedDeals(ctx context.Context, userID string) (int, error) {
	return s.snapshot().CountCompletedDeals(ctx, userID)
}

func (s *Store) ExpiredOffers(ctx context.Context, now time.Time, limit int) ([]ledger.Deal, error) {
	return s.snapshot().ExpiredOffers(ctx, now, limit)
}

func (s *Store) DueRefunds(ctx context.Context, now time.Time, limit int) ([]ledger.Milestone, error) {
	return s.snapshot().DueRefunds(ctx, now, limit)
}

func (s *Store) DueReleases(ctx context.Context, now time.Time, limit int) ([]ledger.Milestone, error) {
	return s.snapshot().DueReleases(ctx, now, limit)
}

// Outbox returns a copy of every outbox message, oldest first.
func (s *Store) Outbox() []ledger.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.state.outbox)
}

// PaymentEvents returns every recorded provider event.
func (s *Store) PaymentEvents() []ledger.PaymentEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ledger.PaymentEvent, 0, len(s.state.events))
	for _, ev := range s.state.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

type reader struct {
	st *state
}

func (r reader) GetDeal(_ context.Context, id string) (ledger.Deal, error) {
	d, ok := r.st.deals[id]
	if !ok {
		return ledger.Deal{}, ledger.ErrNotFound
	}
	return d, nil
}

func (r reader) GetMilestone(_ context.Context, id string) (ledger.Milestone, error) {
	m, ok := r.st.milestones[id]
	if !ok {
		return ledger.Milestone{}, ledger.ErrNotFound
	}
	return m, nil
}

func (r reader) ListMilestones(_ context.Context, dealID string) ([]ledger.Milestone, error) {
	out := []ledger.Milestone{}
	for _, m := range r.st.milestones {
		if m.DealID == dealID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r reader) GetDispute(_ context.Context, id string) (ledger.Dispute, error) {
	d, ok := r.st.disputes[id]
	if !ok {
		return ledger.Dispute{}, ledger.ErrNotFound
	}
	return d, nil
}

func (r reader) OpenDisputeFor(_ context.Context, milestoneID string) (ledger.Dispute, error) {
	for _, d := range r.st.disputes {
		if d.MilestoneID == milestoneID && d.Status == ledger.DisputeOpen {
			return d, nil
		}
	}
	return ledger.Dispute{}, ledger.ErrNotFound
}

func (r reader) ListDisputes(_ context.Context, milestoneID string) ([]ledger.Dispute, error) {
	out := []ledger.Dispute{}
	for _, d := range r.st.disputes {
		if milestoneID == "" || d.MilestoneID == milestoneID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r reader) GetPaymentEvent(_ context.Context, id string) (ledger.PaymentEvent, error) {
	ev, ok := r.st.events[id]
	if !ok {
		return ledger.PaymentEvent{}, ledger.ErrNotFound
	}
	return ev, nil
}

func (r reader) AuditTrail(_ context.Context, entity ledger.EntityType, id string) ([]ledger.AuditEntry, error) {
	out := []ledger.AuditEntry{}
	for _, e := range r.st.audit {
		if e.EntityType == entity && e.EntityID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r reader) CountCompletedDeals(_ context.Context, userID string) (int, error) {
	n := 0
	for _, d := range r.st.deals {
		if d.Status == ledger.DealCompleted && (d.InitiatorID == userID || d.CounterpartyID == userID) {
			n++
		}
	}
	return n, nil
}

func (r reader) ExpiredOffers(_ context.Context, now time.Time, limit int) ([]ledger.Deal, error) {
	out := []ledger.Deal{}
	for _, d := range r.st.deals {
		if (d.Status == ledger.DealProposed || d.Status == ledger.DealAccepted) && !d.AcceptanceDeadline.After(now) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcceptanceDeadline.Before(out[j].AcceptanceDeadline) })
	return truncate(out, limit), nil
}

func (r reader) DueRefunds(ctx context.Context, now time.Time, limit int) ([]ledger.Milestone, error) {
	out := []ledger.Milestone{}
	for _, m := range r.st.milestones {
		if m.Status != ledger.MilestoneFunded || m.AutoRefundAt == nil || m.AutoRefundAt.After(now) {
			continue
		}
		if _, err := r.OpenDisputeFor(ctx, m.ID); err == nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AutoRefundAt.Before(*out[j].AutoRefundAt) })
	return truncate(out, limit), nil
}

func (r reader) DueReleases(ctx context.Context, now time.Time, limit int) ([]ledger.Milestone, error) {
	out := []ledger.Milestone{}
	for _, m := range r.st.milestones {
		if m.Status != ledger.MilestoneFunded && m.Status != ledger.MilestoneShipped {
			continue
		}
		if m.AutoReleaseAt == nil || m.AutoReleaseAt.After(now) {
			continue
		}
		if _, err := r.OpenDisputeFor(ctx, m.ID); err == nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AutoReleaseAt.Before(*out[j].AutoReleaseAt) })
	return truncate(out, limit), nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

type tx struct {
	reader
	now func() time.Time
}

func (t *tx) InsertDeal(_ context.Context, deal ledger.Deal, milestones []ledger.Milestone) error {
	if _, ok := t.st.deals[deal.ID]; ok {
		return ledger.ErrStaleVersion
	}
	t.st.deals[deal.ID] = deal
	for _, m := range milestones {
		t.st.milestones[m.ID] = m
	}
	return nil
}

// LockDeal is a plain read: InTx already runs one transaction at a time.
func (t *tx) LockDeal(ctx context.Context, id string) (ledger.Deal, error) {
	return t.GetDeal(ctx, id)
}

func (t *tx) UpdateDeal(_ context.Context, d ledger.Deal, expected int64) (ledger.Deal, error) {
	cur, ok := t.st.deals[d.ID]
	if !ok {
		return ledger.Deal{}, ledger.ErrNotFound
	}
	if cur.Version != expected {
		return ledger.Deal{}, ledger.ErrStaleVersion
	}
	d.Version = expected + 1
	d.UpdatedAt = t.now()
	t.st.deals[d.ID] = d
	return d, nil
}

func (t *tx) UpdateMilestone(_ context.Context, m ledger.Milestone, expected int64) (ledger.Milestone, error) {
	cur, ok := t.st.milestones[m.ID]
	if !ok {
		return ledger.Milestone{}, ledger.ErrNotFound
	}
	if cur.Version != expected {
		return ledger.Milestone{}, ledger.ErrStaleVersion
	}
	m.Version = expected + 1
	m.UpdatedAt = t.now()
	t.st.milestones[m.ID] = m
	return m, nil
}

func (t *tx) RecordProviderRefs(_ context.Context, m ledger.Milestone) error {
	cur, ok := t.st.milestones[m.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	cur.CheckoutRef = m.CheckoutRef
	cur.CheckoutURL = m.CheckoutURL
	cur.TransferRef = m.TransferRef
	cur.RefundRef = m.RefundRef
	t.st.milestones[m.ID] = cur
	return nil
}

func (t *tx) InsertPaymentEvent(_ context.Context, ev ledger.PaymentEvent) error {
	if _, ok := t.st.events[ev.ProviderEventID]; ok {
		return ledger.ErrDuplicateEvent
	}
	t.st.events[ev.ProviderEventID] = ev
	return nil
}

func (t *tx) InsertDispute(ctx context.Context, d ledger.Dispute) error {
	if _, err := t.OpenDisputeFor(ctx, d.MilestoneID); err == nil {
		return ledger.ErrOpenDispute
	}
	t.st.disputes[d.ID] = d
	return nil
}

func (t *tx) ResolveDispute(_ context.Context, d ledger.Dispute) error {
	cur, ok := t.st.disputes[d.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	if cur.Status != ledger.DisputeOpen {
		return ledger.ErrStaleVersion
	}
	t.st.disputes[d.ID] = d
	return nil
}

func (t *tx) AppendAudit(_ context.Context, entry ledger.AuditEntry) error {
	entry.ID = int64(len(t.st.audit) + 1)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now()
	}
	t.st.audit = append(t.st.audit, entry)
	return nil
}

func (t *tx) Enqueue(_ context.Context, topic string, payload map[string]any) error {
	t.st.outbox = append(t.st.outbox, ledger.OutboxMessage{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   maps.Clone(payload),
		Status:    ledger.OutboxPending,
		CreatedAt: t.now(),
	})
	return nil
}

func (t *tx) ClaimOutbox(_ context.Context, limit int) ([]ledger.OutboxMessage, error) {
	out := []ledger.OutboxMessage{}
	for _, msg := range t.st.outbox {
		if msg.Status == ledger.OutboxPending {
			out = append(out, msg)
		}
	}
	return truncate(out, limit), nil
}

func (t *tx) MarkOutbox(_ context.Context, id string, status ledger.OutboxStatus, attempts int) error {
	for i := range t.st.outbox {
		if t.st.outbox[i].ID == id {
			t.st.outbox[i].Status = status
			t.st.outbox[i].Attempts = attempts
			return nil
		}
	}
	return ledger.ErrNotFound
}

var _ ledger.Tx = (*tx)(nil)
