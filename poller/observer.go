package poller

import "time"

// Termination names how a session ended.
type Termination int

const (
	TerminationResolved Termination = iota
	TerminationTimedOut
	TerminationCancelled
)

func (t Termination) String() string {
	switch t {
	case TerminationResolved:
		return "resolved"
	case TerminationTimedOut:
		return "timed_out"
	case TerminationCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Summary describes a finished session.
type Summary struct {
	Token       string
	Termination Termination
	State       string
	Attempts    int
	Failures    int
	StartedAt   time.Time
	Elapsed     time.Duration
}

// Observer receives session lifecycle events. Methods are called outside the
// resolver lock but must not call back into the Registry that owns the
// resolver.
type Observer interface {
	SessionStarted(token string, policy Policy)
	Attempt(token string, attempt int)
	CheckFailed(token string, attempt int, err error)
	SessionFinished(summary Summary)
}

// NopObserver ignores every event. Embed it to implement a subset of Observer.
type NopObserver struct{}

func (NopObserver) SessionStarted(string, Policy)  {}
func (NopObserver) Attempt(string, int)            {}
func (NopObserver) CheckFailed(string, int, error) {}
func (NopObserver) SessionFinished(Summary)        {}
