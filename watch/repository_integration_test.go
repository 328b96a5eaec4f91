package watch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"payflow/payment"
	"payflow/poller"
	"payflow/test/infra"
)

// TestWatchResolvedByProvider_Integration watches a real payment, settles it
// through a provider notification and checks the persisted session row.
func TestWatchResolvedByProvider_Integration(t *testing.T) {
	h := infra.Start(t)
	pool := h.Pool()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	payments := payment.NewService(pool, payment.NewRepository(pool))
	created, err := payments.Create(ctx, payment.CreateParams{
		Reference:   fmt.Sprintf("watch-%d", time.Now().UnixNano()),
		AmountMinor: 1500,
		Currency:    "EUR",
	})
	require.NoError(t, err)

	repo := NewRepository(pool)
	svc := NewService(payments, repo, poller.Policy{Interval: 50 * time.Millisecond, Timeout: 10 * time.Second}, zaptest.NewLogger(t))
	defer svc.Shutdown(context.Background())

	rec, started, err := svc.Watch(ctx, created.ID, Overrides{})
	require.NoError(t, err)
	require.True(t, started)

	results, release, err := svc.Subscribe(created.ID)
	require.NoError(t, err)
	defer release()

	require.NoError(t, payments.HandleProviderNotification(ctx, payment.Notification{
		PaymentID:      created.ID,
		IdempotencyKey: "provider-" + created.ID,
		Status:         payment.StatusFailed,
		Payload:        map[string]any{"reason": "card_declined"},
	}))

	select {
	case result := <-results:
		require.Equal(t, OutcomeResolved, result.Outcome)
		require.Equal(t, payment.StatusFailed, result.Status)
	case <-ctx.Done():
		t.Fatalf("watch did not resolve: %v", ctx.Err())
	}

	stored, err := repo.Latest(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, rec.ID, stored.ID)
	require.Equal(t, OutcomeResolved, stored.Outcome)
	require.Equal(t, payment.StatusFailed, stored.FinalStatus)
	require.Equal(t, 50*time.Millisecond, stored.Interval)
	require.NotNil(t, stored.FinishedAt)
	require.GreaterOrEqual(t, stored.Attempts, 1)

	// A second finish never overwrites the first outcome.
	stored.Outcome = OutcomeCancelled
	require.NoError(t, repo.Finish(ctx, stored))
	again, err := repo.Latest(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeResolved, again.Outcome)
}
