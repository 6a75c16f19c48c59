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

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_confirmed_fund",
			SQL: `SELECT deal_id, COUNT(*) FROM escrow_funds
                  WHERE status = 'confirmed'
                  GROUP BY deal_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_completed_requires_both_confirmations",
			SQL: `SELECT d.id FROM deals d
                  WHERE d.status = 'completed'
                    AND NOT (d.seller_confirmed_delivered AND d.buyer_confirmed_received)
                    AND NOT EXISTS (
                        SELECT 1 FROM disputes dp
                        WHERE dp.deal_id = d.id AND dp.status = 'resolved')`,
		},
		{
			Name: "O3_single_open_dispute",
			SQL: `SELECT deal_id, COUNT(*) FROM disputes
                  WHERE status = 'open'
                  GROUP BY deal_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O4_open_dispute_freezes_deal",
			SQL: `SELECT dp.id FROM disputes dp
                  JOIN deals d ON d.id = dp.deal_id
                  WHERE dp.status = 'open' AND d.status <> 'disputed'`,
		},
		{
			Name: "O5_live_deal_has_recipient",
			SQL:  `SELECT id FROM deals WHERE status <> 'draft' AND recipient_id IS NULL`,
		},
		{
			Name: "O6_completion_logged_once",
			SQL: `SELECT deal_id, COUNT(*) FROM activity_log
                  WHERE action = 'deal.completed'
                  GROUP BY deal_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O7_funded_backed_by_confirmed_fund",
			SQL: `SELECT d.id FROM deals d
                  WHERE d.status IN ('funded','in_review','completed')
                    AND NOT EXISTS (
                        SELECT 1 FROM escrow_funds f
                        WHERE f.deal_id = d.id AND f.status = 'confirmed')`,
		},
		{
			Name: "O8_outbox_drained",
			SQL: `SELECT id, topic FROM outbox
                  WHERE published_at IS NULL AND now() - created_at > interval '5 minutes'`,
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
