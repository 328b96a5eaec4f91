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
			Name: "O1_resolved_at_matches_status",
			SQL: `SELECT id, status FROM payments
                  WHERE (status = 'pending') <> (resolved_at IS NULL)`,
		},
		{
			Name: "O2_single_transition",
			SQL: `SELECT payment_id, COUNT(*) FROM payment_events
                  WHERE type = 'PAYMENT_STATUS_CHANGED'
                  GROUP BY payment_id HAVING COUNT(*) > 1`,
		},
		{
			Name: "O3_transition_has_outbox",
			SQL: `SELECT p.id FROM payments p
                  WHERE (SELECT COUNT(*) FROM payment_events e
                         WHERE e.payment_id = p.id AND e.type = 'PAYMENT_STATUS_CHANGED')
                     <> (SELECT COUNT(*) FROM outbox o
                         WHERE o.topic = 'payment.status_changed' AND o.payload->>'payment_id' = p.id::text)`,
		},
		{
			Name: "O4_event_matches_status",
			SQL: `SELECT p.id, p.status, e.payload->>'next_status' FROM payments p
                  JOIN payment_events e ON e.payment_id = p.id AND e.type = 'PAYMENT_STATUS_CHANGED'
                  WHERE e.payload->>'next_status' <> p.status::text`,
		},
		{
			Name: "O5_watch_resolved_status",
			SQL: `SELECT w.id, w.final_status, p.status FROM watch_sessions w
                  JOIN payments p ON p.id = w.payment_id
                  WHERE w.outcome = 'resolved' AND w.final_status IS DISTINCT FROM p.status::text`,
		},
		{
			Name: "O6_watch_finish_complete",
			SQL: `SELECT id FROM watch_sessions
                  WHERE (finished_at IS NULL) <> (outcome IS NULL)`,
		},
		{
			Name: "O7_single_active_watch",
			SQL: `SELECT payment_id, COUNT(*) FROM watch_sessions
                  WHERE outcome IS NULL
                  GROUP BY payment_id HAVING COUNT(*) > 1`,
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
		if err := rows.Err(); err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
	}
	return "", "", nil
}
