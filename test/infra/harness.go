package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoDatabase means neither Docker nor a local PostgreSQL is reachable.
var ErrNoDatabase = errors.New("no postgres available for stress run")

// Harness owns the database of one stress run and its migrated pool.
type Harness struct {
	pool      *pgxpool.Pool
	dsn       string
	container *PGContainer
	teardown  func(context.Context) error
}

// NewHarness resolves a database in this order: the dsn argument,
// STRESS_TEST_PG_DSN, a Docker container, a local server. Everything except
// the container is shared and gets an isolated schema that Close drops.
func NewHarness(ctx context.Context, dsn string) (*Harness, error) {
	h := &Harness{dsn: dsn}
	shared := true
	if h.dsn == "" {
		h.dsn = os.Getenv("STRESS_TEST_PG_DSN")
	}
	if h.dsn == "" {
		var err error
		switch {
		case dockerAvailable(ctx):
			shared = false
			h.container, h.dsn, err = StartPostgres(ctx)
			if err != nil {
				return nil, fmt.Errorf("start postgres: %w", err)
			}
		default:
			h.dsn, err = LocalDSN(ctx)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrNoDatabase, err)
			}
		}
	}

	pool, teardown, err := ApplyMigrations(ctx, h.dsn, shared)
	if err != nil {
		_ = h.container.Terminate(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	h.pool, h.teardown = pool, teardown
	return h, nil
}

func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections (e.g., chaos).
func (h *Harness) DSN() string {
	return h.dsn
}

// Close releases the pool, the isolated schema and the container.
func (h *Harness) Close(ctx context.Context) error {
	if h.pool != nil {
		h.pool.Close()
	}
	var errs []error
	if h.teardown != nil {
		errs = append(errs, h.teardown(ctx))
	}
	errs = append(errs, h.container.Terminate(ctx))
	return errors.Join(errs...)
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}
