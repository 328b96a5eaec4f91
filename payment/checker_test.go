package payment

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"payflow/poller"
)

type stubReader struct {
	status Status
	err    error
	seen   string
}

func (s *stubReader) Status(_ context.Context, id string) (Status, error) {
	s.seen = id
	return s.status, s.err
}

func TestChecker(t *testing.T) {
	testCases := []struct {
		name    string
		reader  *stubReader
		want    poller.Outcome
		wantErr error
	}{
		{name: "pending", reader: &stubReader{status: StatusPending}, want: poller.Pending()},
		{name: "success", reader: &stubReader{status: StatusSuccess}, want: poller.Resolved("success")},
		{name: "failed", reader: &stubReader{status: StatusFailed}, want: poller.Resolved("failed")},
		{name: "cancelled", reader: &stubReader{status: StatusCancelled}, want: poller.Resolved("cancelled")},
		{name: "not_found", reader: &stubReader{err: ErrNotFound}, wantErr: ErrNotFound},
		{name: "unknown_status", reader: &stubReader{status: "refunded"}, wantErr: errors.New("unknown")},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, err := Checker(tc.reader)(context.Background(), testPaymentID)
			require.Equal(t, testPaymentID, tc.reader.seen)
			if tc.wantErr != nil {
				require.Error(t, err)
				if errors.Is(tc.wantErr, ErrNotFound) {
					require.ErrorIs(t, err, ErrNotFound)
				}
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, outcome)
		})
	}
}

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(StatusPending, StatusSuccess))
	require.True(t, CanTransition(StatusPending, StatusFailed))
	require.True(t, CanTransition(StatusPending, StatusCancelled))
	require.False(t, CanTransition(StatusPending, StatusPending))
	require.False(t, CanTransition(StatusSuccess, StatusFailed))
	require.False(t, CanTransition(StatusCancelled, StatusSuccess))
	require.False(t, CanTransition(StatusPending, "refunded"))
}
