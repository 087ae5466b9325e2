package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"recipecheck/types"
)

// BatchResult pairs one order of a batch with its outcome.
type BatchResult struct {
	Result *Result
	Err    error
}

// SubmitBatch analyses orders concurrently, at most Options.BatchConcurrency
// at a time. A failed order does not stop the others. Results keep the
// input order.
func (a *Analyzer) SubmitBatch(ctx context.Context, orders []types.Order) []BatchResult {
	results := make([]BatchResult, len(orders))

	var g errgroup.Group
	g.SetLimit(a.opts.BatchConcurrency)
	for i, order := range orders {
		g.Go(func() error {
			res, err := a.Submit(ctx, order)
			results[i] = BatchResult{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
