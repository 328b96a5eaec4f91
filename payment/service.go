package payment

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrInvalidInput wraps validation failures of caller-supplied data.
var ErrInvalidInput = errors.New("payment: invalid input")

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store defines the data access required by the service.
type Store interface {
	Get(ctx context.Context, id string) (Payment, error)
	InsertIdempotencyKey(ctx context.Context, tx pgx.Tx, key string) error
	InsertTx(ctx context.Context, tx pgx.Tx, id string, params CreateParams) (Payment, error)
	TransitionTx(ctx context.Context, tx pgx.Tx, params TransitionParams) (Payment, error)
}

type Service struct {
	pool        TxBeginner
	repo        Store
	idGenerator func() string
}

func NewService(pool TxBeginner, repo Store) *Service {
	return &Service{
		pool:        pool,
		repo:        repo,
		idGenerator: uuid.NewString,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Create registers a new pending payment.
func (s *Service) Create(ctx context.Context, params CreateParams) (Payment, error) {
	params.Reference = strings.TrimSpace(params.Reference)
	params.Currency = strings.ToUpper(strings.TrimSpace(params.Currency))
	if params.Reference == "" {
		return Payment{}, fmt.Errorf("%w: reference required", ErrInvalidInput)
	}
	if params.AmountMinor <= 0 {
		return Payment{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if !currencyPattern.MatchString(params.Currency) {
		return Payment{}, fmt.Errorf("%w: currency must be an ISO 4217 code", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.InsertTx(ctx, tx, s.idGenerator(), params)
	if err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit create: %w", err)
	}
	return p, nil
}

// Get returns the payment with the given id. Malformed ids are reported as
// not found.
func (s *Service) Get(ctx context.Context, id string) (Payment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Payment{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// Status implements StatusReader.
func (s *Service) Status(ctx context.Context, id string) (Status, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return p.Status, nil
}

// HandleProviderNotification applies a provider status report exactly once
// per idempotency key. Replays of a known key are silent no-ops.
func (s *Service) HandleProviderNotification(ctx context.Context, n Notification) error {
	if n.IdempotencyKey == "" {
		return fmt.Errorf("%w: missing idempotency key", ErrInvalidInput)
	}
	if n.PaymentID == "" {
		return fmt.Errorf("%w: missing payment id", ErrInvalidInput)
	}
	if _, err := uuid.Parse(n.PaymentID); err != nil {
		return ErrNotFound
	}
	if !n.Status.Terminal() {
		return fmt.Errorf("%w: status %q is not terminal", ErrInvalidInput, n.Status)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.InsertIdempotencyKey(ctx, tx, n.IdempotencyKey); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil
		}
		return err
	}

	params := TransitionParams{
		PaymentID: n.PaymentID,
		Next:      n.Status,
		Source:    SourceProvider,
		Payload:   n.Payload,
	}
	if _, err := s.repo.TransitionTx(ctx, tx, params); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("payment: commit tx: %w", err)
	}
	return nil
}

// Cancel moves a pending payment to cancelled on the client's request.
func (s *Service) Cancel(ctx context.Context, id string) (Payment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Payment{}, ErrNotFound
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Payment{}, fmt.Errorf("payment: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	p, err := s.repo.TransitionTx(ctx, tx, TransitionParams{
		PaymentID: id,
		Next:      StatusCancelled,
		Source:    SourceClient,
	})
	if err != nil {
		return Payment{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Payment{}, fmt.Errorf("payment: commit cancel: %w", err)
	}
	return p, nil
}
