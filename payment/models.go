package payment

import "time"

// Status mirrors the payment_status enum.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s ends the payment lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// CanTransition reports whether a payment may move from one status to another.
// Only pending payments move, and only to a terminal status.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.Terminal()
}

// Payment mirrors the payments table.
type Payment struct {
	ID          string
	Reference   string
	AmountMinor int64
	Currency    string
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ResolvedAt  *time.Time
}

// CreateParams holds the caller-supplied fields of a new payment.
type CreateParams struct {
	Reference   string
	AmountMinor int64
	Currency    string
}

// Notification is a provider webhook normalized for the service.
type Notification struct {
	PaymentID      string
	IdempotencyKey string
	Status         Status
	Payload        map[string]any
}

// TransitionParams enumerates the writes executed inside a single transaction.
type TransitionParams struct {
	PaymentID string
	Next      Status
	Source    string
	Payload   map[string]any
}

const (
	// OutboxTopicStatusChanged is published whenever a payment leaves pending.
	OutboxTopicStatusChanged = "payment.status_changed"

	EventPaymentCreated       = "PAYMENT_CREATED"
	EventPaymentStatusChanged = "PAYMENT_STATUS_CHANGED"

	SourceProvider = "provider"
	SourceClient   = "client"
)
