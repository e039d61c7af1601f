package retry

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/angelmondragon/resourcerent/pkg/errors"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDoRetriesTransientErrors(t *testing.T) {
	calls := 0
	var retried []uint64
	p := fastPolicy()
	p.OnRetry = func(attempt uint64, _ error) { retried = append(retried, attempt) }

	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New(errors.CodeDependency, "ledger busy")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls got %d", calls)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Fatalf("unexpected retry hook calls %v", retried)
	}
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	calls := 0
	sentinel := errors.New(errors.CodeDependency, "still down")
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return sentinel
	})
	if calls != 3 {
		t.Fatalf("expected exactly 3 attempts got %d", calls)
	}
	if !stdErrors.Is(err, sentinel) {
		t.Fatalf("expected last error returned, got %v", err)
	}
}

func TestDoDoesNotRetryBusinessErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		calls++
		return errors.New(errors.CodeValidation, "invalid address")
	})
	if calls != 1 {
		t.Fatalf("business errors must not be retried, got %d calls", calls)
	}
	if errors.CodeOf(err) != errors.CodeValidation {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestDoHonoursCustomPredicate(t *testing.T) {
	calls := 0
	p := fastPolicy()
	p.Retryable = func(error) bool { return false }
	_ = Do(context.Background(), p, func(context.Context) error {
		calls++
		return errors.New(errors.CodeDependency, "x")
	})
	if calls != 1 {
		t.Fatalf("custom predicate ignored, got %d calls", calls)
	}
}
