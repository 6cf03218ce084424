package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the ledger invariants. Each query selects violating rows, so an
// empty result is a pass.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_credit_per_order",
			SQL: `SELECT order_id, COUNT(*) FROM transactions
                  WHERE type = 'credit'
                  GROUP BY order_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_pending_balance_matches_pending_credits",
			SQL: `SELECT w.id, w.pending_balance, COALESCE(SUM(t.amount), 0) AS credits
                  FROM wallets w
                  LEFT JOIN transactions t
                         ON t.wallet_id = w.id AND t.type = 'credit' AND t.status = 'pending'
                  GROUP BY w.id, w.pending_balance
                  HAVING w.pending_balance <> COALESCE(SUM(t.amount), 0)`,
		},
		{
			Name: "O3_balance_matches_settled_credits_less_payouts",
			SQL: `SELECT w.id, w.balance, COALESCE(SUM(t.amount), 0) AS settled
                  FROM wallets w
                  LEFT JOIN LATERAL (
                      SELECT CASE WHEN type = 'debit' THEN -amount ELSE amount END AS amount
                      FROM transactions
                      WHERE wallet_id = w.id
                        AND ((type = 'credit' AND status = 'completed') OR type = 'debit')
                  ) t ON true
                  GROUP BY w.id, w.balance
                  HAVING w.balance <> COALESCE(SUM(t.amount), 0)`,
		},
		{
			Name: "O4_paid_order_has_credit",
			SQL: `SELECT o.id FROM orders o
                  WHERE o.payment_status = 'paid'
                    AND NOT EXISTS (SELECT 1 FROM transactions t WHERE t.order_id = o.id AND t.type = 'credit')`,
		},
		{
			Name: "O5_refund_unwinds_credit",
			SQL: `SELECT o.id, t.status FROM orders o
                  JOIN transactions t ON t.order_id = o.id AND t.type = 'credit'
                  WHERE (o.payment_status = 'refunded') <> (t.status = 'refunded')`,
		},
		{
			Name: "O6_settled_only_after_completion",
			SQL: `SELECT t.id FROM transactions t
                  JOIN bookings b ON b.order_id = t.order_id
                  WHERE t.type = 'credit' AND t.status = 'completed' AND b.status <> 'completed'`,
		},
		{
			Name: "O7_one_active_dispute",
			SQL: `SELECT order_id, COUNT(*) FROM disputes
                  WHERE status IN ('open', 'in_review')
                  GROUP BY order_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O8_outbox_drains",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE published_at IS NULL
                    AND now() - created_at > interval '5 minutes'`,
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
