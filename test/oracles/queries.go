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

// All returns every oracle. Each query selects violating rows; an empty result passes.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_one_active_case_per_loan",
			SQL: `SELECT loan_id, COUNT(*) FROM collection_cases
                  WHERE status IN ('open','in_progress','legal')
                  GROUP BY loan_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_one_pending_promise_per_case",
			SQL: `SELECT case_id, COUNT(*) FROM promises
                  WHERE status = 'pending'
                  GROUP BY case_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_discount_cap_requires_approval",
			SQL: `SELECT id, discount_pct FROM settlement_offers
                  WHERE discount_pct > 10 AND NOT approval_required`,
		},
		{
			Name: "O4_status_event_outbox_parity",
			SQL: `WITH ev AS (
                      SELECT case_id::text AS case_id, COUNT(*) AS n FROM case_events
                      WHERE type = 'STATUS_CHANGED' GROUP BY case_id),
                  ob AS (
                      SELECT payload->>'caseId' AS case_id, COUNT(*) AS n FROM outbox
                      WHERE topic = 'case.status_changed' GROUP BY payload->>'caseId')
                  SELECT COALESCE(ev.case_id, ob.case_id), ev.n, ob.n
                  FROM ev FULL OUTER JOIN ob ON ob.case_id = ev.case_id
                  WHERE COALESCE(ev.n, 0) <> COALESCE(ob.n, 0)`,
		},
		{
			Name: "O5_terminal_case_has_closed_at",
			SQL: `SELECT id, status FROM collection_cases
                  WHERE status IN ('closed','written_off') AND closed_at IS NULL`,
		},
		{
			Name: "O6_stage_matches_dpd",
			SQL: `SELECT id, dpd, stage FROM collection_cases
                  WHERE status IN ('open','in_progress','legal')
                    AND stage <> CASE
                        WHEN dpd <= 0 THEN 'current'
                        WHEN dpd <= 30 THEN 'dpd_1_30'
                        WHEN dpd <= 60 THEN 'dpd_31_60'
                        WHEN dpd <= 90 THEN 'dpd_61_90'
                        ELSE 'dpd_90_plus' END`,
		},
		{
			Name: "O7_kept_promise_fulfilled",
			SQL: `SELECT id, amount_minor, amount_received_minor FROM promises
                  WHERE status = 'kept'
                    AND (kept_at IS NULL OR amount_received_minor < amount_minor)`,
		},
		{
			Name: "O8_one_accepted_offer_per_case",
			SQL: `SELECT case_id, COUNT(*) FROM settlement_offers
                  WHERE status = 'accepted'
                  GROUP BY case_id HAVING COUNT(*) > 1`,
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
