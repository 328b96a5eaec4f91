package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateIdempotencyKey signals the idempotency insert hit an existing key.
	ErrDuplicateIdempotencyKey = errors.New("payment: duplicate idempotency key")
	// ErrNotFound is returned when no payment row exists for the provided identifier.
	ErrNotFound = errors.New("payment: not found")
	// ErrInvalidTransition is returned when a payment cannot move to the requested status.
	ErrInvalidTransition = errors.New("payment: invalid status transition")
	// ErrDuplicateReference is returned when the merchant reference is already used.
	ErrDuplicateReference = errors.New("payment: duplicate reference")
)

const uniqueViolation = "23505"

// Querier abstracts pgxpool.Pool for reads outside a transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	db Querier
}

func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

const selectColumns = `id::text, reference, amount_minor, currency, status::text, created_at, updated_at, resolved_at`

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p      Payment
		status string
	)
	if err := row.Scan(&p.ID, &p.Reference, &p.AmountMinor, &p.Currency, &status, &p.CreatedAt, &p.UpdatedAt, &p.ResolvedAt); err != nil {
		return Payment{}, err
	}
	p.Status = Status(status)
	return p, nil
}

// Get loads a payment by id.
func (r *Repository) Get(ctx context.Context, id string) (Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+selectColumns+` FROM payments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: get: %w", err)
	}
	return p, nil
}

// InsertIdempotencyKey attempts to reserve the idempotency key inside the active transaction.
func (r *Repository) InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error {
	if key == "" {
		return fmt.Errorf("payment: empty idempotency key")
	}

	_, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, key)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("payment: insert idempotency key: %w", err)
	}

	return nil
}

// InsertTx creates a pending payment and its creation event.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, id string, params CreateParams) (Payment, error) {
	const insertSQL = `
INSERT INTO payments (id, reference, amount_minor, currency, status)
VALUES ($1, $2, $3, $4, 'pending')
RETURNING ` + selectColumns

	p, err := scanPayment(tx.QueryRow(ctx, insertSQL, id, params.Reference, params.AmountMinor, params.Currency))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return Payment{}, ErrDuplicateReference
		}
		return Payment{}, fmt.Errorf("payment: insert: %w", err)
	}

	payload := map[string]any{
		"reference":    p.Reference,
		"amount_minor": p.AmountMinor,
		"currency":     p.Currency,
	}
	if err := r.appendEvent(ctx, tx, p.ID, EventPaymentCreated, payload); err != nil {
		return Payment{}, err
	}
	return p, nil
}

// TransitionTx locks the payment, validates the move, updates the status and
// writes the event and outbox rows in the caller's transaction. Moving a
// payment to the status it already has is a no-op.
func (r *Repository) TransitionTx(ctx context.Context, tx pgx.Tx, params TransitionParams) (Payment, error) {
	if params.PaymentID == "" {
		return Payment{}, fmt.Errorf("payment: missing payment id")
	}

	var current string
	if err := tx.QueryRow(ctx, `SELECT status::text FROM payments WHERE id = $1 FOR UPDATE`, params.PaymentID).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("payment: fetch current status: %w", err)
	}

	previous := Status(current)
	if previous == params.Next {
		p, err := scanPayment(tx.QueryRow(ctx, `SELECT `+selectColumns+` FROM payments WHERE id = $1`, params.PaymentID))
		if err != nil {
			return Payment{}, fmt.Errorf("payment: reload: %w", err)
		}
		return p, nil
	}
	if !CanTransition(previous, params.Next) {
		return Payment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, previous, params.Next)
	}

	const updateSQL = `
UPDATE payments
SET status = $1::payment_status,
    updated_at = now(),
    resolved_at = COALESCE(resolved_at, now())
WHERE id = $2
RETURNING ` + selectColumns

	p, err := scanPayment(tx.QueryRow(ctx, updateSQL, string(params.Next), params.PaymentID))
	if err != nil {
		return Payment{}, fmt.Errorf("payment: update status: %w", err)
	}

	payload := map[string]any{
		"previous_status": previous,
		"next_status":     params.Next,
		"source":          params.Source,
	}
	for k, v := range params.Payload {
		if _, reserved := payload[k]; !reserved {
			payload[k] = v
		}
	}
	if err := r.appendEvent(ctx, tx, p.ID, EventPaymentStatusChanged, payload); err != nil {
		return Payment{}, err
	}

	outboxPayload := map[string]any{
		"payment_id": p.ID,
		"reference":  p.Reference,
		"previous":   previous,
		"next":       p.Status,
	}
	if err := r.enqueueOutbox(ctx, tx, OutboxTopicStatusChanged, outboxPayload); err != nil {
		return Payment{}, err
	}

	return p, nil
}

func (r *Repository) appendEvent(ctx context.Context, tx pgx.Tx, paymentID, eventType string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payment: marshal event payload: %w", err)
	}

	const insertSQL = `
INSERT INTO payment_events (payment_id, type, payload)
VALUES ($1, $2, $3);
`
	if _, err := tx.Exec(ctx, insertSQL, paymentID, eventType, payloadBytes); err != nil {
		return fmt.Errorf("payment: insert event: %w", err)
	}
	return nil
}

func (r *Repository) enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("payment: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`
	if _, err := tx.Exec(ctx, insertSQL, topic, payloadBytes); err != nil {
		return fmt.Errorf("payment: insert outbox message: %w", err)
	}
	return nil
}
