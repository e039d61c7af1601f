// Package batch runs per-item work in fixed-size batches with bounded
// concurrency and a pause between batches. One item failing never stops the
// others.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/resourcerent/pkg/clock"
)

type Options struct {
	Size        int
	Concurrency int
	Pause       time.Duration
}

// Summary counts outcomes. Err combines every item error.
type Summary struct {
	Total     int
	Succeeded int
	Failed    int
	Batches   int
	Err       error
}

// Run calls fn for every item. Panics inside fn are converted into item errors.
// Run stops scheduling new batches once ctx is done; in-flight items finish.
func Run[T any](ctx context.Context, items []T, opts Options, fn func(context.Context, T) error) Summary {
	size := opts.Size
	if size <= 0 {
		size = len(items)
	}
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 1
	}

	summary := Summary{Total: len(items)}
	var mu sync.Mutex

	for start := 0; start < len(items); start += size {
		if ctx.Err() != nil {
			break
		}
		if start > 0 && opts.Pause > 0 {
			if err := clock.SleepWithContext(ctx, opts.Pause); err != nil {
				break
			}
		}
		end := start + size
		if end > len(items) {
			end = len(items)
		}

		var g errgroup.Group
		g.SetLimit(limit)
		for _, item := range items[start:end] {
			g.Go(func() error {
				err := safeCall(ctx, item, fn)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					summary.Failed++
					summary.Err = multierr.Append(summary.Err, err)
				} else {
					summary.Succeeded++
				}
				return nil
			})
		}
		_ = g.Wait()
		summary.Batches++
	}
	return summary
}

func safeCall[T any](ctx context.Context, item T, fn func(context.Context, T) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, item)
}
