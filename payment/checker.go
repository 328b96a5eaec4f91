package payment

import (
	"context"
	"fmt"

	"payflow/poller"
)

// StatusReader reports the current status of a payment.
type StatusReader interface {
	Status(ctx context.Context, id string) (Status, error)
}

// Checker adapts a StatusReader to the resolver's status check. Pending maps
// to poller.Pending and every other status resolves the session with that
// status. Read errors, including ErrNotFound, are transient check failures.
func Checker(reader StatusReader) poller.CheckFunc {
	return func(ctx context.Context, paymentID string) (poller.Outcome, error) {
		status, err := reader.Status(ctx, paymentID)
		if err != nil {
			return poller.Outcome{}, fmt.Errorf("payment: check %s: %w", paymentID, err)
		}
		if !status.Valid() {
			return poller.Outcome{}, fmt.Errorf("payment: check %s: unknown status %q", paymentID, status)
		}
		if status == StatusPending {
			return poller.Pending(), nil
		}
		return poller.Resolved(string(status)), nil
	}
}
