package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type callbackRecorder struct {
	mu       sync.Mutex
	resolved []string
	timeouts int
}

func (c *callbackRecorder) onResolved(_ string, state string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved = append(c.resolved, state)
}

func (c *callbackRecorder) onTimeout(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeouts++
}

func (c *callbackRecorder) snapshot() ([]string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.resolved...), c.timeouts
}

type recordingObserver struct {
	NopObserver
	mu        sync.Mutex
	failures  []int
	summaries []Summary
}

func (o *recordingObserver) CheckFailed(_ string, attempt int, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures = append(o.failures, attempt)
}

func (o *recordingObserver) SessionFinished(summary Summary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summaries = append(o.summaries, summary)
}

func (o *recordingObserver) failedAttempts() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.failures...)
}

func (o *recordingObserver) finished() []Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Summary(nil), o.summaries...)
}

// scriptedCheck returns outcomes in order and repeats the last one.
func scriptedCheck(calls *atomic.Int32, outcomes ...Outcome) CheckFunc {
	return func(context.Context, string) (Outcome, error) {
		n := int(calls.Add(1))
		if n > len(outcomes) {
			return outcomes[len(outcomes)-1], nil
		}
		return outcomes[n-1], nil
	}
}

func fixedPolicy() Policy {
	return Policy{Interval: 3 * time.Second, Timeout: 9 * time.Second}
}

func TestResolverResolvesOnThirdTick(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		recorder := &callbackRecorder{}
		resolver := NewResolver()
		defer resolver.Stop()

		err := resolver.Start(Request{
			Token:      "pay-1",
			Check:      scriptedCheck(&calls, Pending(), Pending(), Resolved("success")),
			OnResolved: recorder.onResolved,
			OnTimeout:  recorder.onTimeout,
			Policy:     fixedPolicy(),
		})
		require.NoError(t, err)

		time.Sleep(9*time.Second + time.Millisecond)
		synctest.Wait()

		resolved, timeouts := recorder.snapshot()
		require.Equal(t, []string{"success"}, resolved)
		require.Zero(t, timeouts)
		require.EqualValues(t, 3, calls.Load())
		require.Equal(t, StateIdle, resolver.State())

		time.Sleep(time.Minute)
		synctest.Wait()
		require.EqualValues(t, 3, calls.Load())
	})
}

func TestResolverTimesOutWhenAlwaysPending(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		recorder := &callbackRecorder{}
		resolver := NewResolver()
		defer resolver.Stop()

		require.NoError(t, resolver.Start(Request{
			Token:      "pay-2",
			Check:      scriptedCheck(&calls, Pending()),
			OnResolved: recorder.onResolved,
			OnTimeout:  recorder.onTimeout,
			Policy:     fixedPolicy(),
		}))

		time.Sleep(9*time.Second - time.Millisecond)
		synctest.Wait()
		_, timeouts := recorder.snapshot()
		require.Zero(t, timeouts)

		time.Sleep(2 * time.Millisecond)
		synctest.Wait()
		resolved, timeouts := recorder.snapshot()
		require.Empty(t, resolved)
		require.Equal(t, 1, timeouts)

		time.Sleep(time.Minute)
		synctest.Wait()
		require.EqualValues(t, 3, calls.Load())
		_, timeouts = recorder.snapshot()
		require.Equal(t, 1, timeouts)
	})
}

func TestResolverDoesNotCheckImmediately(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		resolver := NewResolver()
		defer resolver.Stop()

		require.NoError(t, resolver.Start(Request{
			Token:  "pay-3",
			Check:  scriptedCheck(&calls, Pending()),
			Policy: fixedPolicy(),
		}))
		synctest.Wait()
		require.Zero(t, calls.Load())

		time.Sleep(3*time.Second - time.Millisecond)
		synctest.Wait()
		require.Zero(t, calls.Load())

		time.Sleep(2 * time.Millisecond)
		synctest.Wait()
		require.EqualValues(t, 1, calls.Load())
	})
}

func TestResolverStopBeforeFirstTick(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		recorder := &callbackRecorder{}
		obs := &recordingObserver{}
		resolver := NewResolver(WithObserver(obs))

		require.NoError(t, resolver.Start(Request{
			Token:      "pay-4",
			Check:      scriptedCheck(&calls, Resolved("success")),
			OnResolved: recorder.onResolved,
			OnTimeout:  recorder.onTimeout,
			Policy:     fixedPolicy(),
		}))

		time.Sleep(time.Second)
		resolver.Stop()
		require.Equal(t, StateIdle, resolver.State())

		time.Sleep(time.Minute)
		synctest.Wait()

		resolved, timeouts := recorder.snapshot()
		require.Empty(t, resolved)
		require.Zero(t, timeouts)
		require.Zero(t, calls.Load())

		summaries := obs.finished()
		require.Len(t, summaries, 1)
		require.Equal(t, TerminationCancelled, summaries[0].Termination)
	})
}

func TestResolverDiscardsInFlightResultAfterStop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		release := make(chan struct{})
		recorder := &callbackRecorder{}
		resolver := NewResolver()

		require.NoError(t, resolver.Start(Request{
			Token: "pay-5",
			Check: func(context.Context, string) (Outcome, error) {
				<-release
				return Resolved("success"), nil
			},
			OnResolved: recorder.onResolved,
			OnTimeout:  recorder.onTimeout,
			Policy:     fixedPolicy(),
		}))

		time.Sleep(4 * time.Second)
		synctest.Wait()
		resolver.Stop()
		close(release)
		synctest.Wait()

		resolved, timeouts := recorder.snapshot()
		require.Empty(t, resolved)
		require.Zero(t, timeouts)
	})
}

func TestResolverPassesCancelledContextToInFlightCheck(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		cancelled := make(chan error, 1)
		resolver := NewResolver()

		require.NoError(t, resolver.Start(Request{
			Token: "pay-6",
			Check: func(ctx context.Context, _ string) (Outcome, error) {
				<-ctx.Done()
				cancelled <- ctx.Err()
				return Pending(), ctx.Err()
			},
			Policy: fixedPolicy(),
		}))

		time.Sleep(4 * time.Second)
		resolver.Stop()
		require.ErrorIs(t, <-cancelled, context.Canceled)
	})
}

func TestResolverStopWhenIdleIsNoop(t *testing.T) {
	obs := &recordingObserver{}
	resolver := NewResolver(WithObserver(obs))
	resolver.Stop()
	resolver.Stop()
	require.Equal(t, StateIdle, resolver.State())
	require.Empty(t, obs.finished())
	_, ok := resolver.Snapshot()
	require.False(t, ok)
}

func TestResolverCheckErrorsAreReportedAndPollingContinues(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		core, logs := observer.New(zapcore.WarnLevel)
		obs := &recordingObserver{}
		recorder := &callbackRecorder{}
		var calls atomic.Int32
		resolver := NewResolver(WithLogger(zap.New(core)), WithObserver(obs))
		defer resolver.Stop()

		require.NoError(t, resolver.Start(Request{
			Token: "pay-7",
			Check: func(context.Context, string) (Outcome, error) {
				if calls.Add(1) < 3 {
					return Outcome{}, errors.New("backend unavailable")
				}
				return Resolved("failed"), nil
			},
			OnResolved: recorder.onResolved,
			OnTimeout:  recorder.onTimeout,
			Policy:     fixedPolicy(),
		}))

		time.Sleep(10 * time.Second)
		synctest.Wait()

		resolved, timeouts := recorder.snapshot()
		require.Equal(t, []string{"failed"}, resolved)
		require.Zero(t, timeouts)

		warnings := logs.FilterMessage("status check failed").All()
		require.Len(t, warnings, 2)
		require.Equal(t, "pay-7", warnings[0].ContextMap()["token"])

		summaries := obs.finished()
		require.Len(t, summaries, 1)
		require.Equal(t, TerminationResolved, summaries[0].Termination)
		require.Equal(t, 3, summaries[0].Attempts)
		require.Equal(t, 2, summaries[0].Failures)
		require.Equal(t, []int{1, 2}, obs.failedAttempts())
	})
}

func TestResolverPersistentErrorsEndInTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		recorder := &callbackRecorder{}
		obs := &recordingObserver{}
		resolver := NewResolver(WithObserver(obs))
		defer resolver.Stop()

		require.NoError(t, resolver.Start(Request{
			Token: "pay-8",
			Check: func(context.Context, string) (Outcome, error) {
				return Outcome{}, errors.New("connection refused")
			},
			OnResolved: recorder.onResolved,
			OnTimeout:  recorder.onTimeout,
			Policy:     fixedPolicy(),
		}))

		time.Sleep(30 * time.Second)
		synctest.Wait()

		resolved, timeouts := recorder.snapshot()
		require.Empty(t, resolved)
		require.Equal(t, 1, timeouts)
		summaries := obs.finished()
		require.Len(t, summaries, 1)
		require.Equal(t, 3, summaries[0].Failures)
		require.Equal(t, TerminationTimedOut, summaries[0].Termination)
	})
}

func TestResolverFirstTerminalResultWins(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		releaseFirst := make(chan struct{})
		var calls atomic.Int32
		recorder := &callbackRecorder{}
		resolver := NewResolver()
		defer resolver.Stop()

		require.NoError(t, resolver.Start(Request{
			Token: "pay-9",
			Check: func(context.Context, string) (Outcome, error) {
				if calls.Add(1) == 1 {
					<-releaseFirst
					return Resolved("failed"), nil
				}
				return Resolved("success"), nil
			},
			OnResolved: recorder.onResolved,
			OnTimeout:  recorder.onTimeout,
			Policy:     fixedPolicy(),
		}))

		// The first check is still outstanding when the second tick fires.
		time.Sleep(6*time.Second + time.Millisecond)
		synctest.Wait()
		close(releaseFirst)
		synctest.Wait()

		resolved, timeouts := recorder.snapshot()
		require.Equal(t, []string{"success"}, resolved)
		require.Zero(t, timeouts)
		require.EqualValues(t, 2, calls.Load())
	})
}

func TestResolverStartReplacesActiveSession(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		first := &callbackRecorder{}
		second := &callbackRecorder{}
		var firstCalls, secondCalls atomic.Int32
		resolver := NewResolver()
		defer resolver.Stop()

		require.NoError(t, resolver.Start(Request{
			Token:      "pay-a",
			Check:      scriptedCheck(&firstCalls, Pending()),
			OnResolved: first.onResolved,
			OnTimeout:  first.onTimeout,
			Policy:     fixedPolicy(),
		}))
		time.Sleep(4 * time.Second)

		require.NoError(t, resolver.Start(Request{
			Token:      "pay-b",
			Check:      scriptedCheck(&secondCalls, Pending(), Resolved("cancelled")),
			OnResolved: second.onResolved,
			OnTimeout:  second.onTimeout,
			Policy:     fixedPolicy(),
		}))
		snapshot, ok := resolver.Snapshot()
		require.True(t, ok)
		require.Equal(t, "pay-b", snapshot.Token)

		time.Sleep(time.Minute)
		synctest.Wait()

		resolved, timeouts := first.snapshot()
		require.Empty(t, resolved)
		require.Zero(t, timeouts)
		require.EqualValues(t, 1, firstCalls.Load())

		resolved, timeouts = second.snapshot()
		require.Equal(t, []string{"cancelled"}, resolved)
		require.Zero(t, timeouts)
	})
}

func TestResolverCallbackMayRestart(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		restarted := make(chan struct{})
		resolver := NewResolver()
		defer resolver.Stop()

		var req Request
		req = Request{
			Token: "pay-r",
			Check: scriptedCheck(&calls, Resolved("success")),
			OnResolved: func(string, string) {
				if calls.Load() == 1 {
					require.NoError(t, resolver.Start(req))
					close(restarted)
				}
			},
			Policy: fixedPolicy(),
		}
		require.NoError(t, resolver.Start(req))

		time.Sleep(3*time.Second + time.Millisecond)
		<-restarted
		require.Equal(t, StatePolling, resolver.State())

		time.Sleep(3 * time.Second)
		synctest.Wait()
		require.EqualValues(t, 2, calls.Load())
		require.Equal(t, StateIdle, resolver.State())
	})
}

func TestResolverBackoffChecksDeadlineBeforeIssuingCheck(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		recorder := &callbackRecorder{}
		resolver := NewResolver()
		defer resolver.Stop()

		require.NoError(t, resolver.Start(Request{
			Token:      "pay-10",
			Check:      scriptedCheck(&calls, Pending()),
			OnResolved: recorder.onResolved,
			OnTimeout:  recorder.onTimeout,
			Policy:     Policy{Interval: 3 * time.Second, Timeout: 10 * time.Second, Backoff: 2},
		}))

		// Ticks land at 3s and 9s; the third tick at 19s is past the deadline.
		time.Sleep(18 * time.Second)
		synctest.Wait()
		_, timeouts := recorder.snapshot()
		require.Zero(t, timeouts)
		require.EqualValues(t, 2, calls.Load())

		time.Sleep(2 * time.Second)
		synctest.Wait()
		_, timeouts = recorder.snapshot()
		require.Equal(t, 1, timeouts)
		require.EqualValues(t, 2, calls.Load())
	})
}

func TestResolverMaxAttemptsEndsSession(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		recorder := &callbackRecorder{}
		resolver := NewResolver()
		defer resolver.Stop()

		require.NoError(t, resolver.Start(Request{
			Token:      "pay-11",
			Check:      scriptedCheck(&calls, Pending()),
			OnResolved: recorder.onResolved,
			OnTimeout:  recorder.onTimeout,
			Policy:     Policy{Interval: time.Second, Timeout: time.Minute, MaxAttempts: 2},
		}))

		time.Sleep(3*time.Second + time.Millisecond)
		synctest.Wait()

		_, timeouts := recorder.snapshot()
		require.Equal(t, 1, timeouts)
		require.EqualValues(t, 2, calls.Load())
	})
}

func TestResolverCheckMayReportExpiry(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		var calls atomic.Int32
		recorder := &callbackRecorder{}
		resolver := NewResolver()
		defer resolver.Stop()

		require.NoError(t, resolver.Start(Request{
			Token:      "pay-12",
			Check:      scriptedCheck(&calls, TimedOut()),
			OnResolved: recorder.onResolved,
			OnTimeout:  recorder.onTimeout,
			Policy:     fixedPolicy(),
		}))

		time.Sleep(4 * time.Second)
		synctest.Wait()

		resolved, timeouts := recorder.snapshot()
		require.Empty(t, resolved)
		require.Equal(t, 1, timeouts)
	})
}

func TestResolverStartRejectsInvalidRequests(t *testing.T) {
	check := func(context.Context, string) (Outcome, error) { return Pending(), nil }
	testCases := []struct {
		name    string
		request Request
		want    error
	}{
		{name: "missing_check", request: Request{Token: "t", Policy: fixedPolicy()}, want: ErrMissingCheck},
		{name: "zero_interval", request: Request{Token: "t", Check: check}, want: ErrInvalidPolicy},
		{name: "negative_interval", request: Request{Token: "t", Check: check, Policy: Policy{Interval: -time.Second}}, want: ErrInvalidPolicy},
		{name: "timeout_below_interval", request: Request{Token: "t", Check: check, Policy: Policy{Interval: 3 * time.Second, Timeout: time.Second}}, want: ErrInvalidPolicy},
		{name: "shrinking_backoff", request: Request{Token: "t", Check: check, Policy: Policy{Interval: time.Second, Backoff: 0.5}}, want: ErrInvalidPolicy},
		{name: "negative_attempts", request: Request{Token: "t", Check: check, Policy: Policy{Interval: time.Second, MaxAttempts: -1}}, want: ErrInvalidPolicy},
		{name: "max_interval_below_interval", request: Request{Token: "t", Check: check, Policy: Policy{Interval: 2 * time.Second, MaxInterval: time.Second}}, want: ErrInvalidPolicy},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			resolver := NewResolver()
			err := resolver.Start(testCase.request)
			require.ErrorIs(t, err, testCase.want)
			require.Equal(t, StateIdle, resolver.State())
		})
	}
}

func TestResolverAppliesDefaultTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		resolver := NewResolver()
		defer resolver.Stop()

		require.NoError(t, resolver.Start(Request{
			Token:  "pay-13",
			Check:  func(context.Context, string) (Outcome, error) { return Pending(), nil },
			Policy: Policy{Interval: 3 * time.Second},
		}))
		snapshot, ok := resolver.Snapshot()
		require.True(t, ok)
		require.Equal(t, DefaultTimeout, snapshot.Policy.Timeout)
		require.Equal(t, 300000*time.Millisecond, snapshot.Policy.Timeout)
	})
}
