package poller

// Kind tags a Resolution Outcome.
type Kind int

const (
	KindPending Kind = iota
	KindResolved
	KindTimedOut
)

func (k Kind) String() string {
	switch k {
	case KindPending:
		return "pending"
	case KindResolved:
		return "resolved"
	case KindTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Outcome is the result of a single status check. State carries the terminal
// state reported by the check when Kind is KindResolved.
type Outcome struct {
	Kind  Kind
	State string
}

// Pending reports that the polled entity has not reached a terminal state.
func Pending() Outcome {
	return Outcome{Kind: KindPending}
}

// Resolved reports a terminal state.
func Resolved(state string) Outcome {
	return Outcome{Kind: KindResolved, State: state}
}

// TimedOut lets a check end the session through the timeout path, e.g. when
// the backend reports the entity as expired.
func TimedOut() Outcome {
	return Outcome{Kind: KindTimedOut}
}

func (o Outcome) IsPending() bool {
	return o.Kind == KindPending
}
