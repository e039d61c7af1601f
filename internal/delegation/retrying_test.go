package delegation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/resourcerent/pkg/enums"
	"github.com/angelmondragon/resourcerent/pkg/errors"
	"github.com/angelmondragon/resourcerent/pkg/logger"
	"github.com/angelmondragon/resourcerent/pkg/retry"
)

type scriptedExecutor struct {
	results []Result
	calls   int
}

func (s *scriptedExecutor) Execute(ctx context.Context, req Request) Result {
	i := s.calls
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	s.calls++
	return s.results[i]
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryingRetriesDependencyFailures(t *testing.T) {
	transient := failure(enums.FailureReasonLedgerUnavailable, errors.New(errors.CodeDependency, "timeout"))
	next := &scriptedExecutor{results: []Result{transient, transient, {Success: true, GrantTxID: "abc"}}}

	res := Retrying(next, fastPolicy(), logger.Nop()).Execute(context.Background(), Request{})

	require.True(t, res.Success)
	require.Equal(t, "abc", res.GrantTxID)
	require.Equal(t, 3, next.calls)
}

func TestRetryingStopsOnBusinessFailure(t *testing.T) {
	capacity := failure(enums.FailureReasonInsufficientCapacity, errors.New(errors.CodeInsufficientCapacity, "drained"))
	next := &scriptedExecutor{results: []Result{capacity, {Success: true}}}

	res := Retrying(next, fastPolicy(), logger.Nop()).Execute(context.Background(), Request{})

	require.False(t, res.Success)
	require.Equal(t, enums.FailureReasonInsufficientCapacity, res.Reason)
	require.Equal(t, 1, next.calls)
}

func TestRetryingReturnsLastFailureWhenAttemptsRunOut(t *testing.T) {
	transient := failure(enums.FailureReasonLedgerUnavailable, errors.New(errors.CodeDependency, "timeout"))
	next := &scriptedExecutor{results: []Result{transient, transient, transient, transient}}

	res := Retrying(next, fastPolicy(), logger.Nop()).Execute(context.Background(), Request{})

	require.False(t, res.Success)
	require.Equal(t, enums.FailureReasonLedgerUnavailable, res.Reason)
	require.Equal(t, 3, next.calls)
}

func TestRetryingCancelledBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	next := &scriptedExecutor{results: []Result{{Success: true}}}

	res := Retrying(next, fastPolicy(), logger.Nop()).Execute(ctx, Request{})

	if next.calls == 0 {
		require.False(t, res.Success)
		require.Equal(t, enums.FailureReasonUnknown, res.Reason)
		require.True(t, res.Retryable())
	} else {
		require.True(t, res.Success)
	}
}
