// Package actors drives payment traffic concurrently against real services.
package actors

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync/atomic"
	"time"

	"payflow/payment"
)

// Payments is the subset of payment.Service the actors exercise.
type Payments interface {
	HandleProviderNotification(ctx context.Context, n payment.Notification) error
	Cancel(ctx context.Context, id string) (payment.Payment, error)
}

// Stats counts what the actors observed.
type Stats struct {
	Delivered atomic.Int64
	Rejected  atomic.Int64
	Transient atomic.Int64
	Cancelled atomic.Int64
}

// ProviderStatus is the outcome the provider reports for a payment. It is
// derived from the id so every actor agrees on it.
func ProviderStatus(paymentID string) payment.Status {
	h := fnv.New32a()
	_, _ = h.Write([]byte(paymentID))
	if h.Sum32()%4 == 0 {
		return payment.StatusFailed
	}
	return payment.StatusSuccess
}

// Provider replays webhook deliveries for random payments. Every actor uses
// the same idempotency key per payment, so deliveries race with each other.
// Occasionally it sends a contradicting late report under a fresh key.
func Provider(ctx context.Context, svc Payments, ids []string, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := ids[rng.Intn(len(ids))]
		n := payment.Notification{
			PaymentID:      id,
			IdempotencyKey: "provider-" + id,
			Status:         ProviderStatus(id),
			Payload:        map[string]any{"delivery": rng.Int63()},
		}
		if rng.Intn(10) == 0 {
			n.IdempotencyKey = fmt.Sprintf("provider-late-%s-%d", id, rng.Int63())
			n.Status = payment.StatusFailed
		}
		err := svc.HandleProviderNotification(ctx, n)
		if err == nil {
			stats.Delivered.Add(1)
		} else if err := classify(err, stats); err != nil {
			return fmt.Errorf("provider %s: %w", id, err)
		}
		time.Sleep(time.Duration(5+rng.Intn(20)) * time.Millisecond)
	}
}

// Canceller asks to cancel random payments, racing the provider.
func Canceller(ctx context.Context, svc Payments, ids []string, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := ids[rng.Intn(len(ids))]
		_, err := svc.Cancel(ctx, id)
		if err == nil {
			stats.Cancelled.Add(1)
		} else if err := classify(err, stats); err != nil {
			return fmt.Errorf("canceller %s: %w", id, err)
		}
		time.Sleep(time.Duration(40+rng.Intn(80)) * time.Millisecond)
	}
}

// classify swallows errors expected under contention and chaos.
func classify(err error, stats *Stats) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, payment.ErrInvalidTransition):
		stats.Rejected.Add(1)
		return nil
	case errors.Is(err, payment.ErrInvalidInput), errors.Is(err, payment.ErrNotFound):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		// Connection loss from terminated backends.
		stats.Transient.Add(1)
		return nil
	}
}
