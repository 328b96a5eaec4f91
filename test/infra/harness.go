package infra

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Harness owns the lifecycle of the Postgres test database and pgx pool.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	teardown  func(context.Context) error
	dsn       string
}

// NewHarness provisions a database (an existing one named by
// PAYFLOW_TEST_DATABASE_URL, a container, or a local server) and applies
// migrations in an isolated schema.
func NewHarness(ctx context.Context) (*Harness, error) {
	container, dsn, err := StartPostgres16(ctx, "")
	if err != nil && os.Getenv(DSNEnv) == "" {
		dsn, err = InitLocalDatabase(ctx)
		container = &PGContainer{}
	}
	if err != nil {
		return nil, fmt.Errorf("provision postgres: %w", err)
	}

	pool, teardown, err := ApplyMigrations(ctx, dsn, true)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &Harness{
		container: container,
		pool:      pool,
		teardown:  teardown,
		dsn:       dsn,
	}, nil
}

// Start is the test entry point: it skips under -short or when no database
// can be provisioned, and registers cleanup on t.
func Start(t *testing.T) *Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	ctx := context.Background()
	h, err := NewHarness(ctx)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close tears down resources.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.teardown != nil {
		_ = h.teardown(ctx)
	}
	if h.container != nil {
		_ = h.container.Terminate(ctx)
	}
}

// Reset truncates mutable tables to provide a clean slate for the next test.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"watch_sessions",
		"payment_events",
		"outbox",
		"idempotency",
		"payments",
	}

	tx, err := h.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reset begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, tbl := range tables {
		if _, err := tx.Exec(ctx, "TRUNCATE TABLE "+tbl+" CASCADE"); err != nil {
			return fmt.Errorf("truncate %s: %w", tbl, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reset commit: %w", err)
	}

	return nil
}
