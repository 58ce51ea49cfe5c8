// Package pgstore implements ledger.Store on PostgreSQL through pgx.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/ledger"
)

// querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL ledger.
type Store struct {
	reader
	pool *pgxpool.Pool
}

var (
	_ ledger.Store = (*Store)(nil)
	_ ledger.Tx    = (*tx)(nil)
)

// New wraps an existing pool. Callers own the pool lifecycle.
func New(pool *pgxpool.Pool) *Store {
	return &Store{reader: reader{q: pool}, pool: pool}
}

// InTx begins a transaction, runs fn and commits when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ledger.Tx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: begin tx: %w", err)
	}
	defer func() {
		_ = pgTx.Rollback(ctx)
	}()

	if err := fn(&tx{reader: reader{q: pgTx}}); err != nil {
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return fmt.Errorf("pgstore: commit: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

const dealColumns = `id::text, kind, title, initiator_id::text, counterparty_id::text, total_amount,
currency, status, version, notes, created_at, acceptance_deadline, updated_at`

const milestoneColumns = `id::text, deal_id::text, seq, name, amount, status, version,
checkout_ref, checkout_url, fee_amount, funding_ref, transfer_ref, refund_ref, seller_amount, buyer_amount,
funded_at, shipped_at, auto_refund_at, auto_release_at, settled_at, updated_at`

const disputeColumns = `id::text, milestone_id::text, deal_id::text, raised_by::text, reason,
evidence_ref, status, resolution, seller_amount, buyer_amount, resolved_by, resolved_at, created_at`

func scanDeal(row pgx.Row) (ledger.Deal, error) {
	var d ledger.Deal
	err := row.Scan(&d.ID, &d.Kind, &d.Title, &d.InitiatorID, &d.CounterpartyID, &d.TotalAmount,
		&d.Currency, &d.Status, &d.Version, &d.Notes, &d.CreatedAt, &d.AcceptanceDeadline, &d.UpdatedAt)
	return d, err
}

func scanMilestone(row pgx.Row) (ledger.Milestone, error) {
	var m ledger.Milestone
	err := row.Scan(&m.ID, &m.DealID, &m.Seq, &m.Name, &m.Amount, &m.Status, &m.Version,
		&m.CheckoutRef, &m.CheckoutURL, &m.FeeAmount, &m.FundingRef, &m.TransferRef, &m.RefundRef, &m.SellerAmount, &m.BuyerAmount,
		&m.FundedAt, &m.ShippedAt, &m.AutoRefundAt, &m.AutoReleaseAt, &m.SettledAt, &m.UpdatedAt)
	return m, err
}

func scanDispute(row pgx.Row) (ledger.Dispute, error) {
	var d ledger.Dispute
	err := row.Scan(&d.ID, &d.MilestoneID, &d.DealID, &d.RaisedBy, &d.Reason, &d.EvidenceRef,
		&d.Status, &d.Resolution, &d.SellerAmount, &d.BuyerAmount, &d.ResolvedBy, &d.ResolvedAt, &d.CreatedAt)
	return d, err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// notFound maps a missing row, or an id that is not a valid uuid, to
// ledger.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "22P02" {
		return ledger.ErrNotFound
	}
	return err
}

type reader struct {
	q querier
}

func (r reader) GetDeal(ctx context.Context, id string) (ledger.Deal, error) {
	d, err := scanDeal(r.q.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1`, id))
	if err != nil {
		return ledger.Deal{}, wrap("get deal", notFound(err))
	}
	return d, nil
}

func (r reader) GetMilestone(ctx context.Context, id string) (ledger.Milestone, error) {
	m, err := scanMilestone(r.q.QueryRow(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE id = $1`, id))
	if err != nil {
		return ledger.Milestone{}, wrap("get milestone", notFound(err))
	}
	return m, nil
}

func (r reader) ListMilestones(ctx context.Context, dealID string) ([]ledger.Milestone, error) {
	rows, err := r.q.Query(ctx, `SELECT `+milestoneColumns+` FROM milestones WHERE deal_id = $1 ORDER BY seq`, dealID)
	if err != nil {
		return nil, wrap("list milestones", err)
	}
	out, err := collect(rows, scanMilestone)
	return out, wrap("list milestones", err)
}

func (r reader) GetDispute(ctx context.Context, id string) (ledger.Dispute, error) {
	d, err := scanDispute(r.q.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		return ledger.Dispute{}, wrap("get dispute", notFound(err))
	}
	return d, nil
}

func (r reader) OpenDisputeFor(ctx context.Context, milestoneID string) (ledger.Dispute, error) {
	d, err := scanDispute(r.q.QueryRow(ctx,
		`SELECT `+disputeColumns+` FROM disputes WHERE milestone_id = $1 AND status = 'open'`, milestoneID))
	if err != nil {
		return ledger.Dispute{}, wrap("open dispute", notFound(err))
	}
	return d, nil
}

func (r reader) ListDisputes(ctx context.Context, milestoneID string) ([]ledger.Dispute, error) {
	rows, err := r.q.Query(ctx, `
SELECT `+disputeColumns+` FROM disputes
WHERE $1 = '' OR milestone_id::text = $1
ORDER BY created_at DESC`, milestoneID)
	if err != nil {
		return nil, wrap("list disputes", err)
	}
	out, err := collect(rows, scanDispute)
	return out, wrap("list disputes", err)
}

func (r reader) GetPaymentEvent(ctx context.Context, id string) (ledger.PaymentEvent, error) {
	var ev ledger.PaymentEvent
	err := r.q.QueryRow(ctx, `
SELECT provider_event_id, type, milestone_id, payload_digest, outcome, detail, received_at, processed_at
FROM payment_events WHERE provider_event_id = $1`, id).Scan(
		&ev.ProviderEventID, &ev.Type, &ev.MilestoneID, &ev.PayloadDigest, &ev.Outcome, &ev.Detail, &ev.ReceivedAt, &ev.ProcessedAt)
	if err != nil {
		return ledger.PaymentEvent{}, wrap("get payment event", notFound(err))
	}
	return ev, nil
}

func (r reader) AuditTrail(ctx context.Context, entity ledger.EntityType, id string) ([]ledger.AuditEntry, error) {
	rows, err := r.q.Query(ctx, `
SELECT id, entity_type, entity_id, from_status, to_status, actor_id, actor_role, version, payload, created_at
FROM audit_log WHERE entity_type = $1 AND entity_id = $2 ORDER BY id`, string(entity), id)
	if err != nil {
		return nil, wrap("audit trail", err)
	}
	out, err := collect(rows, func(row pgx.Row) (ledger.AuditEntry, error) {
		var e ledger.AuditEntry
		err := row.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.FromStatus, &e.ToStatus, &e.ActorID,
			&e.ActorRole, &e.Version, &e.Payload, &e.CreatedAt)
		return e, err
	})
	return out, wrap("audit trail", err)
}

func (r reader) CountCompletedDeals(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.q.QueryRow(ctx, `
SELECT count(*) FROM deals
WHERE status = 'completed' AND (initiator_id::text = $1 OR counterparty_id::text = $1)`, userID).Scan(&n)
	return n, wrap("count completed deals", err)
}

func (r reader) ExpiredOffers(ctx context.Context, now time.Time, limit int) ([]ledger.Deal, error) {
	rows, err := r.q.Query(ctx, `
SELECT `+dealColumns+` FROM deals
WHERE status IN ('proposed','accepted') AND acceptance_deadline <= $1
ORDER BY acceptance_deadline
LIMIT $2`, now, limitArg(limit))
	if err != nil {
		return nil, wrap("expired offers", err)
	}
	out, err := collect(rows, scanDeal)
	return out, wrap("expired offers", err)
}

func (r reader) DueRefunds(ctx context.Context, now time.Time, limit int) ([]ledger.Milestone, error) {
	rows, err := r.q.Query(ctx, `
SELECT `+milestoneColumns+` FROM milestones m
WHERE m.status = 'funded' AND m.auto_refund_at <= $1
  AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.milestone_id = m.id AND d.status = 'open')
ORDER BY m.auto_refund_at
LIMIT $2`, now, limitArg(limit))
	if err != nil {
		return nil, wrap("due refunds", err)
	}
	out, err := collect(rows, scanMilestone)
	return out, wrap("due refunds", err)
}

func (r reader) DueReleases(ctx context.Context, now time.Time, limit int) ([]ledger.Milestone, error) {
	rows, err := r.q.Query(ctx, `
SELECT `+milestoneColumns+` FROM milestones m
WHERE m.status IN ('funded','shipped') AND m.auto_release_at <= $1
  AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.milestone_id = m.id AND d.status = 'open')
ORDER BY m.auto_release_at
LIMIT $2`, now, limitArg(limit))
	if err != nil {
		return nil, wrap("due releases", err)
	}
	out, err := collect(rows, scanMilestone)
	return out, wrap("due releases", err)
}

// wrap keeps ledger sentinels matchable through errors.Is.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("pgstore: %s: %w", op, err)
}

type tx struct {
	reader
}

func (t *tx) InsertDeal(ctx context.Context, d ledger.Deal, milestones []ledger.Milestone) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO deals (id, kind, title, initiator_id, counterparty_id, total_amount, currency, status,
                   version, notes, created_at, acceptance_deadline, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, string(d.Kind), d.Title, d.InitiatorID, d.CounterpartyID, d.TotalAmount, d.Currency,
		string(d.Status), d.Version, d.Notes, d.CreatedAt, d.AcceptanceDeadline, d.UpdatedAt)
	if err != nil {
		return wrap("insert deal", err)
	}

	for _, m := range milestones {
		_, err := t.q.Exec(ctx, `
INSERT INTO milestones (id, deal_id, seq, name, amount, status, version, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, m.DealID, m.Seq, m.Name, m.Amount, string(m.Status), m.Version, m.UpdatedAt)
		if err != nil {
			return wrap("insert milestone", err)
		}
	}
	return nil
}

func (t *tx) LockDeal(ctx context.Context, id string) (ledger.Deal, error) {
	d, err := scanDeal(t.q.QueryRow(ctx, `SELECT `+dealColumns+` FROM deals WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return ledger.Deal{}, wrap("lock deal", notFound(err))
	}
	return d, nil
}

func (t *tx) UpdateDeal(ctx context.Context, d ledger.Deal, expected int64) (ledger.Deal, error) {
	err := t.q.QueryRow(ctx, `
UPDATE deals
SET status = $3, notes = $4, version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2
RETURNING version, updated_at`, d.ID, expected, string(d.Status), d.Notes).Scan(&d.Version, &d.UpdatedAt)
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.Deal{}, wrap("update deal", err)
	}
	if _, getErr := t.GetDeal(ctx, d.ID); getErr != nil {
		return ledger.Deal{}, getErr
	}
	return ledger.Deal{}, ledger.ErrStaleVersion
}

func (t *tx) UpdateMilestone(ctx context.Context, m ledger.Milestone, expected int64) (ledger.Milestone, error) {
	err := t.q.QueryRow(ctx, `
UPDATE milestones
SET status = $3, checkout_ref = $4, checkout_url = $5, fee_amount = $6, funding_ref = $7,
    transfer_ref = $8, refund_ref = $9, seller_amount = $10, buyer_amount = $11, funded_at = $12,
    shipped_at = $13, auto_refund_at = $14, auto_release_at = $15, settled_at = $16,
    version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2
RETURNING version, updated_at`,
		m.ID, expected, string(m.Status), m.CheckoutRef, m.CheckoutURL, m.FeeAmount, m.FundingRef, m.TransferRef, m.RefundRef,
		m.SellerAmount, m.BuyerAmount, m.FundedAt, m.ShippedAt, m.AutoRefundAt, m.AutoReleaseAt, m.SettledAt,
	).Scan(&m.Version, &m.UpdatedAt)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return ledger.Milestone{}, wrap("update milestone", err)
	}
	if _, getErr := t.GetMilestone(ctx, m.ID); getErr != nil {
		return ledger.Milestone{}, getErr
	}
	return ledger.Milestone{}, ledger.ErrStaleVersion
}

func (t *tx) RecordProviderRefs(ctx context.Context, m ledger.Milestone) error {
	tag, err := t.q.Exec(ctx, `
UPDATE milestones
SET checkout_ref = $2, checkout_url = $3, transfer_ref = $4, refund_ref = $5
WHERE id = $1`, m.ID, m.CheckoutRef, m.CheckoutURL, m.TransferRef, m.RefundRef)
	if err != nil {
		return wrap("record provider refs", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t *tx) InsertPaymentEvent(ctx context.Context, ev ledger.PaymentEvent) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO payment_events (provider_event_id, type, milestone_id, payload_digest, outcome, detail, received_at, processed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ProviderEventID, ev.Type, ev.MilestoneID, ev.PayloadDigest, string(ev.Outcome), ev.Detail, ev.ReceivedAt, ev.ProcessedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicateEvent
		}
		return wrap("insert payment event", err)
	}
	return nil
}

func (t *tx) InsertDispute(ctx context.Context, d ledger.Dispute) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO disputes (id, milestone_id, deal_id, raised_by, reason, evidence_ref, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.MilestoneID, d.DealID, d.RaisedBy, d.Reason, d.EvidenceRef, string(d.Status), d.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrOpenDispute
		}
		return wrap("insert dispute", err)
	}
	return nil
}

func (t *tx) ResolveDispute(ctx context.Context, d ledger.Dispute) error {
	tag, err := t.q.Exec(ctx, `
UPDATE disputes
SET status = $2, resolution = $3, seller_amount = $4, buyer_amount = $5, resolved_by = $6, resolved_at = $7
WHERE id = $1 AND status = 'open'`,
		d.ID, string(d.Status), string(d.Resolution), d.SellerAmount, d.BuyerAmount, d.ResolvedBy, d.ResolvedAt)
	if err != nil {
		return wrap("resolve dispute", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := t.GetDispute(ctx, d.ID); getErr != nil {
			return getErr
		}
		return ledger.ErrStaleVersion
	}
	return nil
}

func (t *tx) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := t.q.Exec(ctx, `
INSERT INTO audit_log (entity_type, entity_id, from_status, to_status, actor_id, actor_role, version, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		string(e.EntityType), e.EntityID, e.FromStatus, e.ToStatus, e.ActorID, e.ActorRole, e.Version, payload, created)
	return wrap("append audit", err)
}

func (t *tx) Enqueue(ctx context.Context, topic string, payload map[string]any) error {
	_, err := t.q.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, payload)
	return wrap("enqueue outbox", err)
}

func (t *tx) ClaimOutbox(ctx context.Context, limit int) ([]ledger.OutboxMessage, error) {
	rows, err := t.q.Query(ctx, `
SELECT id::text, topic, payload, status, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED`, limitArg(limit))
	if err != nil {
		return nil, wrap("claim outbox", err)
	}
	out, err := collect(rows, func(row pgx.Row) (ledger.OutboxMessage, error) {
		var m ledger.OutboxMessage
		err := row.Scan(&m.ID, &m.Topic, &m.Payload, &m.Status, &m.Attempts, &m.CreatedAt)
		return m, err
	})
	return out, wrap("claim outbox", err)
}

func (t *tx) MarkOutbox(ctx context.Context, id string, status ledger.OutboxStatus, attempts int) error {
	tag, err := t.q.Exec(ctx, `UPDATE outbox SET status = $2, attempts = $3 WHERE id = $1`, id, string(status), attempts)
	if err != nil {
		return wrap("mark outbox", err)
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}
