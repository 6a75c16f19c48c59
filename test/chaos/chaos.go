package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const killOneIn = 5

// TerminateRandomBackend periodically kills one live backend of the current
// database so actors exercise their mid-transaction failure paths. Never
// targets its own connection.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	const q = `SELECT pg_terminate_backend(pid) FROM pg_stat_activity
               WHERE datname = current_database() AND pid <> pg_backend_pid()
               ORDER BY random() LIMIT 1`

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(killOneIn) == 0 {
				_, _ = pool.Exec(ctx, q)
			}
		}
	}
}
