package chaos

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TerminateRandomBackend kills one backend of the test database roughly every
// ten seconds. With appName set only backends reporting that
// application_name are eligible, so the oracle connection survives.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, appName string, stop <-chan struct{}) int {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	killed := 0
	for {
		select {
		case <-ctx.Done():
			return killed
		case <-stop:
			return killed
		case <-ticker.C:
			if rand.Intn(5) != 0 {
				continue
			}
			var ok bool
			err := pool.QueryRow(ctx, `
SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false) FROM (
    SELECT pid FROM pg_stat_activity
    WHERE datname = current_database()
      AND pid <> pg_backend_pid()
      AND ($1 = '' OR application_name = $1)
    ORDER BY random() LIMIT 1
) victim`, appName).Scan(&ok)
			if err == nil && ok {
				killed++
			}
		}
	}
}
