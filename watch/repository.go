package watch

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"payflow/payment"
)

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists watch session history.
type Repository struct {
	db DB
}

func NewRepository(db DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(ctx context.Context, rec Record) error {
	const insertSQL = `
INSERT INTO watch_sessions (id, payment_id, interval_ms, timeout_ms, started_at)
VALUES ($1, $2, $3, $4, $5);
`
	if _, err := r.db.Exec(ctx, insertSQL, rec.ID, rec.PaymentID, rec.Interval.Milliseconds(), rec.Timeout.Milliseconds(), rec.StartedAt); err != nil {
		return fmt.Errorf("watch: insert session: %w", err)
	}
	return nil
}

// Finish stores the terminal fields of rec. Finishing twice keeps the first
// outcome.
func (r *Repository) Finish(ctx context.Context, rec Record) error {
	const updateSQL = `
UPDATE watch_sessions
SET finished_at = $2,
    outcome = $3,
    final_status = NULLIF($4, ''),
    attempts = $5,
    failures = $6
WHERE id = $1 AND outcome IS NULL;
`
	if _, err := r.db.Exec(ctx, updateSQL, rec.ID, rec.FinishedAt, string(rec.Outcome), string(rec.FinalStatus), rec.Attempts, rec.Failures); err != nil {
		return fmt.Errorf("watch: finish session: %w", err)
	}
	return nil
}

// Latest returns the most recent session for a payment.
func (r *Repository) Latest(ctx context.Context, paymentID string) (Record, error) {
	const selectSQL = `
SELECT id::text, payment_id::text, interval_ms, timeout_ms, started_at, finished_at,
       COALESCE(outcome, ''), COALESCE(final_status, ''), attempts, failures
FROM watch_sessions
WHERE payment_id = $1
ORDER BY started_at DESC
LIMIT 1;
`
	var (
		rec                   Record
		intervalMs, timeoutMs int64
		outcome, finalStatus  string
	)
	err := r.db.QueryRow(ctx, selectSQL, paymentID).Scan(
		&rec.ID, &rec.PaymentID, &intervalMs, &timeoutMs, &rec.StartedAt, &rec.FinishedAt,
		&outcome, &finalStatus, &rec.Attempts, &rec.Failures,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotWatching
		}
		return Record{}, fmt.Errorf("watch: latest session: %w", err)
	}
	rec.Interval = msToDuration(intervalMs)
	rec.Timeout = msToDuration(timeoutMs)
	rec.Outcome = Outcome(outcome)
	rec.FinalStatus = payment.Status(finalStatus)
	return rec, nil
}
