package watch

import (
	"time"

	"payflow/payment"
)

// Outcome records how a watch session ended.
type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// Record mirrors the watch_sessions table. Outcome is empty while the
// session is active.
type Record struct {
	ID          string
	PaymentID   string
	Interval    time.Duration
	Timeout     time.Duration
	StartedAt   time.Time
	FinishedAt  *time.Time
	Outcome     Outcome
	FinalStatus payment.Status
	Attempts    int
	Failures    int
}

// Active reports whether the session is still polling.
func (r Record) Active() bool {
	return r.Outcome == ""
}

// Result is delivered to subscribers once a session ends.
type Result struct {
	SessionID string
	PaymentID string
	Outcome   Outcome
	Status    payment.Status
	Attempts  int
	Failures  int
}

// Overrides adjusts the default policy for one session. Zero fields keep the
// configured defaults.
type Overrides struct {
	Interval time.Duration
	Timeout  time.Duration
}
