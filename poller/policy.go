package poller

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultTimeout is the total budget used when a Policy leaves Timeout unset.
const DefaultTimeout = 300 * time.Second

var (
	// ErrInvalidPolicy is returned by Start when the retry policy cannot be honoured.
	ErrInvalidPolicy = errors.New("poller: invalid policy")
	// ErrMissingCheck is returned by Start when no status check is supplied.
	ErrMissingCheck = errors.New("poller: missing status check")
)

// Policy describes when checks are issued for one session.
//
// With the zero Backoff and MaxInterval the cadence is a fixed Interval.
// MaxAttempts caps the number of checks; zero means the deadline alone
// bounds the session.
type Policy struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxAttempts int
	Backoff     float64
	MaxInterval time.Duration
}

func (p Policy) normalize() (Policy, error) {
	if p.Interval <= 0 {
		return Policy{}, fmt.Errorf("%w: interval must be positive, got %s", ErrInvalidPolicy, p.Interval)
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}
	if p.Timeout < p.Interval {
		return Policy{}, fmt.Errorf("%w: timeout %s shorter than interval %s", ErrInvalidPolicy, p.Timeout, p.Interval)
	}
	if p.MaxAttempts < 0 {
		return Policy{}, fmt.Errorf("%w: negative max attempts", ErrInvalidPolicy)
	}
	if p.Backoff == 0 {
		p.Backoff = 1
	}
	if p.Backoff < 1 || math.IsNaN(p.Backoff) || math.IsInf(p.Backoff, 0) {
		return Policy{}, fmt.Errorf("%w: backoff must be >= 1, got %v", ErrInvalidPolicy, p.Backoff)
	}
	if p.MaxInterval != 0 && p.MaxInterval < p.Interval {
		return Policy{}, fmt.Errorf("%w: max interval %s shorter than interval %s", ErrInvalidPolicy, p.MaxInterval, p.Interval)
	}
	return p, nil
}

// Validate reports whether the policy would be accepted by Start.
func (p Policy) Validate() error {
	_, err := p.normalize()
	return err
}

// Delay returns the wait before the check that follows the given number of
// completed ticks. Delay(0) is the wait before the first check.
func (p Policy) Delay(ticks int) time.Duration {
	if p.Backoff <= 1 || ticks <= 0 {
		return p.Interval
	}
	limit := p.MaxInterval
	if limit == 0 {
		limit = p.Timeout
	}
	if limit < p.Interval {
		limit = p.Interval
	}
	scaled := float64(p.Interval) * math.Pow(p.Backoff, float64(ticks))
	if scaled >= float64(limit) || math.IsInf(scaled, 0) {
		return limit
	}
	return time.Duration(scaled)
}
