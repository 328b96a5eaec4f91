package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckFunc asks the backend for the current state of token. Returning an
// error marks the attempt as a transient failure; polling continues.
type CheckFunc func(ctx context.Context, token string) (Outcome, error)

// Request starts one Poll Session.
type Request struct {
	Token      string
	Check      CheckFunc
	OnResolved func(token, state string)
	OnTimeout  func(token string)
	Policy     Policy
}

// State is the externally visible resolver state.
type State int

const (
	StateIdle State = iota
	StatePolling
)

func (s State) String() string {
	if s == StatePolling {
		return "polling"
	}
	return "idle"
}

// Snapshot is a point-in-time view of the active session.
type Snapshot struct {
	Token     string
	State     State
	Policy    Policy
	StartedAt time.Time
	Attempts  int
	Failures  int
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(r *Resolver) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the structured logger used to report check failures and
// session transitions.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithObserver registers lifecycle hooks.
func WithObserver(observer Observer) Option {
	return func(r *Resolver) {
		if observer != nil {
			r.observer = observer
		}
	}
}

// Resolver repeatedly checks a token until the check reports a terminal
// outcome or the session deadline elapses. A Resolver runs at most one
// session at a time; use a Registry for one session per token.
type Resolver struct {
	clock    Clock
	logger   *zap.Logger
	observer Observer

	mu      sync.Mutex
	session *session
}

type session struct {
	token      string
	check      CheckFunc
	onResolved func(string, string)
	onTimeout  func(string)
	policy     Policy
	startedAt  time.Time
	timer      Timer
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	attempts   int
	failures   int
	// Offsets from startedAt at which the latest tick and the next tick
	// were scheduled. Deadline decisions use these, not the wall clock, so
	// timer latency never pushes an in-budget tick past the deadline.
	offset time.Duration
	next   time.Duration
}

// NewResolver builds an idle Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		clock:    SystemClock(),
		logger:   zap.NewNop(),
		observer: NopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins a new session. An active session is cancelled first and
// none of its callbacks fire. The first check runs one interval after Start.
func (r *Resolver) Start(req Request) error {
	if req.Check == nil {
		return ErrMissingCheck
	}
	policy, err := req.Policy.normalize()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	next := &session{
		token:      req.Token,
		check:      req.Check,
		onResolved: req.OnResolved,
		onTimeout:  req.OnTimeout,
		policy:     policy,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	var replaced *Summary
	if r.session != nil {
		summary := r.detachLocked(r.session, TerminationCancelled, "")
		replaced = &summary
	}
	next.startedAt = r.clock.Now()
	next.next = policy.Delay(0)
	next.timer = r.clock.NewTimer(next.next)
	r.session = next
	r.mu.Unlock()

	if replaced != nil {
		r.finished(*replaced)
	}
	r.logger.Debug("poll session started",
		zap.String("token", next.token),
		zap.Duration("interval", policy.Interval),
		zap.Duration("timeout", policy.Timeout),
	)
	r.observer.SessionStarted(next.token, policy)

	go r.run(next)
	return nil
}

// Stop cancels the active session. It is a no-op when idle. Once Stop
// returns no further ticks run and no callback fires for the cancelled
// session; results of checks still in flight are discarded.
func (r *Resolver) Stop() {
	r.mu.Lock()
	s := r.session
	if s == nil {
		r.mu.Unlock()
		return
	}
	summary := r.detachLocked(s, TerminationCancelled, "")
	r.mu.Unlock()

	r.finished(summary)
}

// State reports whether a session is active.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return StateIdle
	}
	return StatePolling
}

// Snapshot returns the active session, or false when idle.
func (r *Resolver) Snapshot() (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.session
	if s == nil {
		return Snapshot{}, false
	}
	return Snapshot{
		Token:     s.token,
		State:     StatePolling,
		Policy:    s.policy,
		StartedAt: s.startedAt,
		Attempts:  s.attempts,
		Failures:  s.failures,
	}, true
}

func (r *Resolver) run(s *session) {
	for {
		select {
		case <-s.done:
			return
		case <-s.timer.C():
			if !r.tick(s) {
				return
			}
		}
	}
}

// tick runs the deadline check and, if the session survives it, issues the
// next status check without waiting for earlier ones.
func (r *Resolver) tick(s *session) bool {
	r.mu.Lock()
	if r.session != s {
		r.mu.Unlock()
		return false
	}
	offset := s.next
	exhausted := s.policy.MaxAttempts > 0 && s.attempts >= s.policy.MaxAttempts
	if offset > s.policy.Timeout || exhausted {
		summary := r.detachLocked(s, TerminationTimedOut, "")
		r.mu.Unlock()
		r.complete(s, summary)
		return false
	}
	s.attempts++
	attempt := s.attempts
	s.offset = offset
	s.next = offset + s.policy.Delay(attempt)
	s.timer.Reset(max(s.startedAt.Add(s.next).Sub(r.clock.Now()), 0))
	r.mu.Unlock()

	r.observer.Attempt(s.token, attempt)
	go r.check(s, attempt)
	return true
}

func (r *Resolver) check(s *session, attempt int) {
	if s.ctx.Err() != nil {
		return
	}
	outcome, err := s.check(s.ctx, s.token)

	r.mu.Lock()
	if r.session != s {
		// Superseded by Stop, Start or an earlier terminal result.
		r.mu.Unlock()
		return
	}
	if err == nil && !outcome.IsPending() {
		termination := TerminationResolved
		if outcome.Kind == KindTimedOut {
			termination = TerminationTimedOut
		}
		summary := r.detachLocked(s, termination, outcome.State)
		r.mu.Unlock()
		r.complete(s, summary)
		return
	}
	if err != nil {
		s.failures++
	}
	// The latest check sits on the deadline, so no later tick can land inside
	// the budget. Results of older checks defer to the ones still in flight.
	if attempt == s.attempts && s.offset >= s.policy.Timeout {
		summary := r.detachLocked(s, TerminationTimedOut, "")
		r.mu.Unlock()
		r.reportFailure(s.token, attempt, err)
		r.complete(s, summary)
		return
	}
	r.mu.Unlock()
	r.reportFailure(s.token, attempt, err)
}

func (r *Resolver) reportFailure(token string, attempt int, err error) {
	if err == nil {
		return
	}
	r.logger.Warn("status check failed",
		zap.String("token", token),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
	r.observer.CheckFailed(token, attempt, err)
}

// detachLocked releases the session's timer and context. It must be called
// with r.mu held and r.session == s, which makes it run once per session.
func (r *Resolver) detachLocked(s *session, termination Termination, state string) Summary {
	r.session = nil
	s.timer.Stop()
	s.cancel()
	close(s.done)
	return Summary{
		Token:       s.token,
		Termination: termination,
		State:       state,
		Attempts:    s.attempts,
		Failures:    s.failures,
		StartedAt:   s.startedAt,
		Elapsed:     r.clock.Now().Sub(s.startedAt),
	}
}

func (r *Resolver) complete(s *session, summary Summary) {
	r.finished(summary)
	switch summary.Termination {
	case TerminationResolved:
		if s.onResolved != nil {
			s.onResolved(s.token, summary.State)
		}
	case TerminationTimedOut:
		if s.onTimeout != nil {
			s.onTimeout(s.token)
		}
	}
}

func (r *Resolver) finished(summary Summary) {
	r.logger.Info("poll session finished",
		zap.String("token", summary.Token),
		zap.Stringer("termination", summary.Termination),
		zap.String("state", summary.State),
		zap.Int("attempts", summary.Attempts),
		zap.Int("failures", summary.Failures),
		zap.Duration("elapsed", summary.Elapsed),
	)
	r.observer.SessionFinished(summary)
}
