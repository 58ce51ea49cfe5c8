package chaos

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/gateway/gatewaytest"
)

// TerminateRandomBackend kills a random backend of the stress database now and
// then, so that in-flight ledger transactions roll back mid-way.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(5) == 0 {
				_, _ = pool.Exec(ctx, `SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = current_database() AND pid <> pg_backend_pid() ORDER BY random() LIMIT 1`)
			}
		}
	}
}

// FailGateway makes a burst of provider calls fail every few seconds. The
// retrying wrapper absorbs short bursts; longer ones surface as gateway
// failures that must roll the transition back.
func FailGateway(ctx context.Context, fake *gatewaytest.Fake, stop <-chan struct{}) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			fake.FailNext(1+rand.Intn(4), errors.New("provider unavailable"))
		}
	}
}
