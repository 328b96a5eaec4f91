package poller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPolicyDelay(t *testing.T) {
	testCases := []struct {
		name   string
		policy Policy
		ticks  []int
		want   []time.Duration
	}{
		{
			name:   "fixed",
			policy: Policy{Interval: 3 * time.Second, Timeout: 9 * time.Second, Backoff: 1},
			ticks:  []int{0, 1, 5},
			want:   []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second},
		},
		{
			name:   "doubling_capped_by_max_interval",
			policy: Policy{Interval: time.Second, Timeout: time.Minute, Backoff: 2, MaxInterval: 5 * time.Second},
			ticks:  []int{0, 1, 2, 3, 10},
			want:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second},
		},
		{
			name:   "doubling_capped_by_timeout",
			policy: Policy{Interval: time.Second, Timeout: 6 * time.Second, Backoff: 2},
			ticks:  []int{2, 3, 1000},
			want:   []time.Duration{4 * time.Second, 6 * time.Second, 6 * time.Second},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			for index, ticks := range testCase.ticks {
				require.Equal(t, testCase.want[index], testCase.policy.Delay(ticks), "ticks=%d", ticks)
			}
		})
	}
}

func TestPolicyValidate(t *testing.T) {
	require.NoError(t, Policy{Interval: time.Second}.Validate())
	require.NoError(t, Policy{Interval: time.Second, Timeout: time.Second}.Validate())
	require.ErrorIs(t, Policy{}.Validate(), ErrInvalidPolicy)
	require.ErrorIs(t, Policy{Interval: time.Minute, Timeout: time.Second}.Validate(), ErrInvalidPolicy)
}

func TestPolicyNormalizeDefaults(t *testing.T) {
	normalized, err := Policy{Interval: time.Second}.normalize()
	require.NoError(t, err)
	require.Equal(t, DefaultTimeout, normalized.Timeout)
	require.Equal(t, 1.0, normalized.Backoff)
}
