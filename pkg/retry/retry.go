// Package retry wraps sethvargo/go-retry with a policy value so call sites
// choose attempts, backoff and which errors deserve another try.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/angelmondragon/resourcerent/pkg/errors"
)

type Policy struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable decides whether an error is transient. Defaults to errors.IsRetryable.
	Retryable func(error) bool
	// OnRetry runs before each sleep with the attempt that just failed (1-based).
	OnRetry func(attempt uint64, err error)
}

// DefaultPolicy: 3 attempts, 500ms doubling, capped at 5s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

func (p Policy) backoff() goretry.Backoff {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	b := goretry.NewExponential(base)
	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}
	return goretry.WithMaxRetries(attempts-1, b)
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx ends. The last error from fn is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = errors.IsRetryable
	}
	var attempt uint64
	return goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if p.OnRetry != nil && attempt < p.MaxAttempts {
			p.OnRetry(attempt, err)
		}
		return goretry.RetryableError(err)
	})
}
