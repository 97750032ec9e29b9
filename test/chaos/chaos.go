// Package chaos injects faults into the database while the stress actors run.
package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills a random non-self backend on the stress
// database at jittered intervals. The actors must survive the resulting
// connection resets without breaking any invariant.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-time.After(time.Duration(500+rand.Intn(1500)) * time.Millisecond):
		}

		_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid)
                               FROM pg_stat_activity
                               WHERE datname = current_database()
                                 AND pid <> pg_backend_pid()
                               ORDER BY random() LIMIT 1`)
	}
}
