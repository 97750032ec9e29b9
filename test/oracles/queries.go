// Package oracles holds the invariant checks run against the database while
// the actors hammer it. Every query returns rows only when the invariant is
// violated, so an empty result set means healthy.
package oracles

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name  string
	Query string
}

// All returns the full invariant suite.
func All() []Oracle {
	return []Oracle{
		{
			Name: "escrowed_total matches live sum",
			Query: `SELECT c.value, COALESCE(SUM(e.amount), 0) AS live
                    FROM counters c
                    LEFT JOIN escrows e ON e.status IN ('active', 'disputed')
                    WHERE c.name = 'escrowed_total'
                    GROUP BY c.value
                    HAVING c.value <> COALESCE(SUM(e.amount), 0)`,
		},
		{
			Name:  "verification attempts within budget",
			Query: `SELECT lost_asset_id, found_asset_id, attempts FROM match_requests WHERE attempts < 0 OR attempts > 5`,
		},
		{
			Name: "released escrows carry beneficiary and timestamps",
			Query: `SELECT asset_id FROM escrows
                    WHERE status = 'released'
                      AND (beneficiary_id IS NULL OR released_time IS NULL OR dispute_deadline IS NULL)`,
		},
		{
			Name: "disputes only on escrows that were released",
			Query: `SELECT d.asset_id FROM disputes d
                    JOIN escrows e USING (asset_id)
                    WHERE e.status NOT IN ('released', 'disputed', 'refunded')`,
		},
		{
			Name: "disputed escrows have an open dispute row",
			Query: `SELECT e.asset_id FROM escrows e
                    LEFT JOIN disputes d USING (asset_id)
                    WHERE e.status = 'disputed' AND (d.asset_id IS NULL OR d.resolved)`,
		},
		{
			Name:  "no negative balances outside custody",
			Query: `SELECT owner_id, balance FROM accounts WHERE balance < 0 AND owner_id <> 'custody'`,
		},
		{
			Name: "verified requests have a verification time",
			Query: `SELECT lost_asset_id, found_asset_id FROM match_requests
                    WHERE status IN ('verified', 'completed') AND verified_time IS NULL`,
		},
		{
			Name:  "escrow amounts positive",
			Query: `SELECT asset_id, amount FROM escrows WHERE amount <= 0`,
		},
		{
			Name: "outbox messages do not rot",
			Query: `SELECT id, topic, attempts FROM outbox
                    WHERE status = 'pending' AND attempts < 5 AND created_at < NOW() - INTERVAL '30 seconds'`,
		},
		{
			Name:  "asset id counter monotone",
			Query: `SELECT a.id FROM assets a, counters c WHERE c.name = 'next_asset_id' AND a.id >= c.value`,
		},
	}
}

// Run executes every oracle once and returns the first violation found,
// formatted with the offending rows.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.Query)
		if err != nil {
			return "", fmt.Errorf("oracle %q: %w", o.Name, err)
		}

		var sb strings.Builder
		n := 0
		for rows.Next() {
			vals, err := rows.Values()
			if err != nil {
				rows.Close()
				return "", fmt.Errorf("oracle %q scan: %w", o.Name, err)
			}
			if n < 10 {
				fmt.Fprintf(&sb, "  %v\n", vals)
			}
			n++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return "", fmt.Errorf("oracle %q rows: %w", o.Name, err)
		}

		if n > 0 {
			return fmt.Sprintf("%s: %d violating row(s)\n%s", o.Name, n, sb.String()), nil
		}
	}
	return "", nil
}
