package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killer terminates random backends of the current database while a run is in flight.
type Killer struct {
	Pool *pgxpool.Pool
	// Every is the tick between attempts; OneIn is the chance (1/OneIn) a tick kills a backend.
	Every time.Duration
	OneIn int

	killed atomic.Int64
}

// Killed reports how many backends were terminated.
func (k *Killer) Killed() int64 {
	return k.killed.Load()
}

// Run blocks until ctx is done or stop is closed.
func (k *Killer) Run(ctx context.Context, stop <-chan struct{}) {
	every := k.Every
	if every <= 0 {
		every = 2 * time.Second
	}
	oneIn := k.OneIn
	if oneIn <= 0 {
		oneIn = 5
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(oneIn) != 0 {
				continue
			}
			var terminated bool
			err := k.Pool.QueryRow(ctx, `SELECT COALESCE(bool_or(pg_terminate_backend(pid)), false) FROM (
                                          SELECT pid FROM pg_stat_activity
                                          WHERE datname = current_database() AND pid <> pg_backend_pid()
                                            AND backend_type = 'client backend'
                                          ORDER BY random() LIMIT 1) victim`).Scan(&terminated)
			if err == nil && terminated {
				k.killed.Add(1)
			}
		}
	}
}
