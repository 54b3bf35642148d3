package refresh

import (
	"context"
	"errors"
	"fmt"

	"github.com/growthops/countsync/internal/counter"
	"github.com/growthops/countsync/internal/domain"
	"golang.org/x/sync/errgroup"
)

// ErrCountPanicked marks a result recovered from a panicking count. Its Count
// is not a remote total and must not be persisted.
var ErrCountPanicked = errors.New("count panicked")

// Counter counts one combination. *counter.Counter satisfies it.
type Counter interface {
	Count(ctx context.Context, combo domain.Combination) counter.Result
}

// Dispatch counts every combination of batch concurrently and joins them.
// Failures, panics included, stay in the per-item results and never abort
// siblings.
func Dispatch(ctx context.Context, c Counter, batch []domain.Combination) ([]counter.Result, BatchOutcome) {
	results := make([]counter.Result, len(batch))

	var g errgroup.Group
	for i, combo := range batch {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					results[i] = counter.Result{Combination: combo, Err: fmt.Errorf("%w: %s: %v", ErrCountPanicked, combo, r)}
				}
			}()
			results[i] = c.Count(ctx, combo)
			return nil
		})
	}
	_ = g.Wait()

	outcome := BatchOutcome{Total: len(batch)}
	for _, r := range results {
		if r.OK() {
			outcome.Succeeded++
		}
		if r.RateLimited {
			outcome.RateLimited = true
		}
	}
	return results, outcome
}

// NextBatch cuts up to size combinations off the front of combos and returns
// the batch and the remainder. Callers re-ask the controller before each cut.
func NextBatch(combos []domain.Combination, size int) (batch, rest []domain.Combination) {
	if size < 1 {
		size = 1
	}
	if size > len(combos) {
		size = len(combos)
	}
	return combos[:size], combos[size:]
}
