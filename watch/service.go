package watch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"payflow/payment"
	"payflow/poller"
)

// ErrNotWatching is returned when no session exists for the payment.
var ErrNotWatching = errors.New("watch: payment is not being watched")

const (
	persistTimeout    = 5 * time.Second
	persistAttempts   = 3
	persistRetryDelay = 100 * time.Millisecond
)

// Store persists session history.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Finish(ctx context.Context, rec Record) error
	Latest(ctx context.Context, paymentID string) (Record, error)
}

// Service watches payments until they leave pending or the policy deadline
// passes. At most one session runs per payment.
type Service struct {
	registry    *poller.Registry
	reader      payment.StatusReader
	store       Store
	policy      poller.Policy
	logger      *zap.Logger
	idGenerator func() string
	now         func() time.Time

	mu          sync.Mutex
	active      map[string]*session
	starting    map[string]chan struct{}
	subscribers map[string][]chan Result
}

type session struct {
	record   Record
	attempts atomic.Int64
	failures atomic.Int64
}

func (s *session) snapshot() Record {
	rec := s.record
	rec.Attempts = int(s.attempts.Load())
	rec.Failures = int(s.failures.Load())
	return rec
}

func NewService(reader payment.StatusReader, store Store, policy poller.Policy, logger *zap.Logger, opts ...poller.Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]poller.Option{poller.WithLogger(logger.Named("poller"))}, opts...)
	return &Service{
		registry:    poller.NewRegistry(opts...),
		reader:      reader,
		store:       store,
		policy:      policy,
		logger:      logger,
		idGenerator: uuid.NewString,
		now:         time.Now,
		active:      make(map[string]*session),
		starting:    make(map[string]chan struct{}),
		subscribers: make(map[string][]chan Result),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// Watch starts a session for paymentID. If one is already running it is
// returned unchanged and started is false.
func (s *Service) Watch(ctx context.Context, paymentID string, overrides Overrides) (rec Record, started bool, err error) {
	policy := s.policy
	if overrides.Interval > 0 {
		policy.Interval = overrides.Interval
	}
	if overrides.Timeout > 0 {
		policy.Timeout = overrides.Timeout
	}
	if policy.Timeout == 0 {
		policy.Timeout = poller.DefaultTimeout
	}
	if err := policy.Validate(); err != nil {
		return Record{}, false, err
	}

	if _, err := s.reader.Status(ctx, paymentID); err != nil {
		return Record{}, false, err
	}

	for {
		s.mu.Lock()
		if current, ok := s.active[paymentID]; ok {
			rec = current.snapshot()
			s.mu.Unlock()
			return rec, false, nil
		}
		pending, ok := s.starting[paymentID]
		if !ok {
			break
		}
		s.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return Record{}, false, ctx.Err()
		}
	}
	// The insert runs unlocked; the guard keeps a second Watch of the same
	// payment waiting instead of inserting a duplicate row.
	guard := make(chan struct{})
	s.starting[paymentID] = guard
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.starting, paymentID)
		s.mu.Unlock()
		close(guard)
	}()

	sess := &session{record: Record{
		ID:        s.idGenerator(),
		PaymentID: paymentID,
		Interval:  policy.Interval,
		Timeout:   policy.Timeout,
		StartedAt: s.now().UTC(),
	}}
	if err := s.store.Insert(ctx, sess.record); err != nil {
		return Record{}, false, err
	}

	check := payment.Checker(s.reader)
	s.mu.Lock()
	err = s.registry.Start(poller.Request{
		Token: paymentID,
		Check: func(ctx context.Context, token string) (poller.Outcome, error) {
			sess.attempts.Add(1)
			outcome, err := check(ctx, token)
			if err != nil {
				sess.failures.Add(1)
			}
			return outcome, err
		},
		OnResolved: func(_ string, state string) {
			s.finish(sess, OutcomeResolved, payment.Status(state))
		},
		OnTimeout: func(string) {
			s.finish(sess, OutcomeTimedOut, "")
		},
		Policy: policy,
	})
	if err != nil {
		rec, _ := s.closeLocked(sess, OutcomeCancelled, "")
		s.mu.Unlock()
		s.persist(ctx, rec)
		return Record{}, false, fmt.Errorf("watch: start session: %w", err)
	}
	s.active[paymentID] = sess
	rec = sess.snapshot()
	s.mu.Unlock()

	s.logger.Info("watch started",
		zap.String("payment_id", paymentID),
		zap.String("session_id", sess.record.ID),
		zap.Duration("interval", policy.Interval),
		zap.Duration("timeout", policy.Timeout),
	)
	return rec, true, nil
}

// Cancel stops the session for paymentID without resolving it.
func (s *Service) Cancel(ctx context.Context, paymentID string) (Record, error) {
	s.mu.Lock()
	sess, ok := s.active[paymentID]
	if !ok {
		s.mu.Unlock()
		return Record{}, ErrNotWatching
	}
	delete(s.active, paymentID)
	s.registry.Stop(paymentID)
	rec, subscribers := s.closeLocked(sess, OutcomeCancelled, "")
	s.mu.Unlock()

	s.persist(ctx, rec)
	s.publish(rec, subscribers)
	return rec, nil
}

// Get returns the live session for paymentID or, when idle, the most recent
// finished one.
func (s *Service) Get(ctx context.Context, paymentID string) (Record, error) {
	s.mu.Lock()
	sess, ok := s.active[paymentID]
	var rec Record
	if ok {
		rec = sess.snapshot()
	}
	s.mu.Unlock()
	if ok {
		return rec, nil
	}
	return s.store.Latest(ctx, paymentID)
}

// Subscribe returns a channel that receives the session result once and is
// then closed. The returned func releases the subscription early.
func (s *Service) Subscribe(paymentID string) (<-chan Result, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[paymentID]; !ok {
		return nil, nil, ErrNotWatching
	}
	ch := make(chan Result, 1)
	s.subscribers[paymentID] = append(s.subscribers[paymentID], ch)
	release := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[paymentID]
		for i, sub := range subs {
			if sub == ch {
				s.subscribers[paymentID] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
		if len(s.subscribers[paymentID]) == 0 {
			delete(s.subscribers, paymentID)
		}
	}
	return ch, release, nil
}

// Active lists payments with a running session.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown cancels every running session.
func (s *Service) Shutdown(ctx context.Context) {
	for _, id := range s.Active() {
		if _, err := s.Cancel(ctx, id); err != nil && !errors.Is(err, ErrNotWatching) {
			s.logger.Warn("cancel watch on shutdown", zap.String("payment_id", id), zap.Error(err))
		}
	}
}

func (s *Service) finish(sess *session, outcome Outcome, status payment.Status) {
	s.mu.Lock()
	if s.active[sess.record.PaymentID] != sess {
		// Cancelled first.
		s.mu.Unlock()
		return
	}
	delete(s.active, sess.record.PaymentID)
	rec, subscribers := s.closeLocked(sess, outcome, status)
	s.mu.Unlock()

	s.persist(context.Background(), rec)
	s.publish(rec, subscribers)
}

func (s *Service) closeLocked(sess *session, outcome Outcome, status payment.Status) (Record, []chan Result) {
	finishedAt := s.now().UTC()
	rec := sess.snapshot()
	rec.FinishedAt = &finishedAt
	rec.Outcome = outcome
	rec.FinalStatus = status
	sess.record = rec

	subscribers := s.subscribers[rec.PaymentID]
	delete(s.subscribers, rec.PaymentID)
	return rec, subscribers
}

func (s *Service) persist(ctx context.Context, rec Record) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = s.store.Finish(ctx, rec); err == nil {
			break
		}
		if attempt == persistAttempts {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(time.Duration(attempt) * persistRetryDelay):
		}
	}
	if err != nil {
		s.logger.Error("persist watch session",
			zap.String("session_id", rec.ID),
			zap.String("payment_id", rec.PaymentID),
			zap.Error(err),
		)
	}
	s.logger.Info("watch finished",
		zap.String("payment_id", rec.PaymentID),
		zap.String("session_id", rec.ID),
		zap.String("outcome", string(rec.Outcome)),
		zap.String("status", string(rec.FinalStatus)),
		zap.Int("attempts", rec.Attempts),
		zap.Int("failures", rec.Failures),
	)
}

func (s *Service) publish(rec Record, subscribers []chan Result) {
	result := Result{
		SessionID: rec.ID,
		PaymentID: rec.PaymentID,
		Outcome:   rec.Outcome,
		Status:    rec.FinalStatus,
		Attempts:  rec.Attempts,
		Failures:  rec.Failures,
	}
	for _, ch := range subscribers {
		ch <- result
		close(ch)
	}
}

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
