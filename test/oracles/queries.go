package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that must return no rows on a consistent ledger.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_open_dispute",
			SQL: `SELECT milestone_id, COUNT(*) FROM disputes
                  WHERE status = 'open'
                  GROUP BY milestone_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_disputed_iff_open_dispute",
			SQL: `SELECT m.id, m.status FROM milestones m
                  WHERE (m.status = 'disputed') <> EXISTS (
                      SELECT 1 FROM disputes d WHERE d.milestone_id = m.id AND d.status = 'open')`,
		},
		{
			Name: "O3_settlement_conserves_amount",
			SQL: `SELECT id, status, amount, seller_amount, buyer_amount FROM milestones
                  WHERE status IN ('released','refunded','split')
                    AND (seller_amount + buyer_amount <> amount
                         OR settled_at IS NULL
                         OR (seller_amount > 0 AND transfer_ref = '')
                         OR (buyer_amount > 0 AND refund_ref = ''))`,
		},
		{
			Name: "O4_funded_has_payment",
			SQL: `SELECT id, status FROM milestones
                  WHERE status IN ('funded','shipped','disputed','released','refunded','split')
                    AND (funded_at IS NULL OR funding_ref = '')`,
		},
		{
			Name: "O5_audit_version_monotonic",
			SQL: `WITH v AS (
                      SELECT entity_type, entity_id, version,
                             LAG(version) OVER (PARTITION BY entity_type, entity_id ORDER BY id) AS prev
                      FROM audit_log)
                  SELECT * FROM v WHERE prev IS NOT NULL AND version <= prev`,
		},
		{
			Name: "O6_deal_tracks_milestones",
			SQL: `SELECT d.id, d.status FROM deals d
                  WHERE (d.status = 'completed' AND EXISTS (
                            SELECT 1 FROM milestones m WHERE m.deal_id = d.id
                              AND m.status NOT IN ('released','refunded','split')))
                     OR (d.status = 'active' AND NOT EXISTS (
                            SELECT 1 FROM milestones m WHERE m.deal_id = d.id
                              AND m.status NOT IN ('released','refunded','split')))
                     OR (d.status IN ('proposed','cancelled','expired') AND EXISTS (
                            SELECT 1 FROM milestones m WHERE m.deal_id = d.id
                              AND m.status NOT IN ('created','awaiting_funding')))`,
		},
		{
			Name: "O7_settled_not_scheduled",
			SQL: `SELECT id, status FROM milestones
                  WHERE status IN ('released','refunded','split')
                    AND (auto_refund_at IS NOT NULL OR auto_release_at IS NOT NULL)`,
		},
		{
			Name: "O8_outbox_status_known",
			SQL: `SELECT id, status, attempts FROM outbox
                  WHERE status NOT IN ('pending','dispatched','dead') OR attempts < 0`,
		},
		{
			Name: "O9_ledger_delete_guard",
			SQL: `SELECT t.name AS missing_trigger
                  FROM (VALUES ('no_delete_deals'), ('no_delete_milestones'), ('no_delete_payment_events')) AS t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
