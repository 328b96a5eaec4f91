// Package chaos disrupts the database underneath running services.
package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Terminator kills a random backend of the current database every Interval
// with probability 1/Odds. Its own backend is never picked.
type Terminator struct {
	Pool     *pgxpool.Pool
	Interval time.Duration
	Odds     int
	Rand     *rand.Rand

	killed atomic.Int64
}

// Run blocks until ctx is done or stop is closed.
func (t *Terminator) Run(ctx context.Context, stop <-chan struct{}) {
	interval := t.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	odds := max(t.Odds, 1)
	rng := t.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rng.Intn(odds) != 0 {
				continue
			}
			var terminated bool
			err := t.Pool.QueryRow(ctx, `
SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false)
FROM (
    SELECT pid FROM pg_stat_activity
    WHERE datname = current_database() AND pid <> pg_backend_pid() AND backend_type = 'client backend'
    ORDER BY random() LIMIT 1
) victims`).Scan(&terminated)
			if err == nil && terminated {
				t.killed.Add(1)
			}
		}
	}
}

// Killed reports how many backends were terminated so far.
func (t *Terminator) Killed() int64 {
	return t.killed.Load()
}
