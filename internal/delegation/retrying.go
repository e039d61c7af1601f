package delegation

import (
	"context"

	"github.com/angelmondragon/resourcerent/pkg/enums"
	"github.com/angelmondragon/resourcerent/pkg/errors"
	"github.com/angelmondragon/resourcerent/pkg/logger"
	"github.com/angelmondragon/resourcerent/pkg/retry"
)

type retryingExecutor struct {
	next   Executor
	policy retry.Policy
	logg   *logger.Logger
}

// Retrying re-runs failed grants whose code is retryable, with the policy's
// capped exponential backoff. Business failures and unconfirmed broadcasts
// return after one attempt.
func Retrying(next Executor, policy retry.Policy, logg *logger.Logger) Executor {
	return &retryingExecutor{next: next, policy: policy, logg: logg}
}

type resultError struct {
	result Result
}

func (e *resultError) Error() string {
	if e.result.Err != nil {
		return e.result.Err.Error()
	}
	return e.result.Reason.String()
}

func (r *retryingExecutor) Execute(ctx context.Context, req Request) Result {
	var last Result
	policy := r.policy
	policy.Retryable = func(err error) bool {
		re, ok := err.(*resultError)
		return ok && re.result.Retryable()
	}
	policy.OnRetry = func(attempt uint64, err error) {
		if r.logg == nil {
			return
		}
		r.logg.Warn(r.logg.WithFields(ctx, map[string]any{
			"attempt": attempt,
			"error":   err.Error(),
		}), "delegation attempt failed, retrying")
	}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		last = r.next.Execute(ctx, req)
		if last.Success {
			return nil
		}
		return &resultError{result: last}
	})
	if err != nil && !last.Success && last.Reason == "" {
		// cancelled before the first attempt ran
		return failure(enums.FailureReasonUnknown, errors.Wrap(errors.CodeDependency, err, "delegation not attempted"))
	}
	return last
}
