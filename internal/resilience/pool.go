package resilience

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// RunBounded fans work out across items with at most maxConcurrency
// in-flight goroutines, cancelling the remaining work on first error. This
// is the concurrency primitive behind the embedding (E1) and highlighter
// (E2) fan-out points: a bounded worker pool with first-error propagation
// and context cancellation, in place of raw WaitGroup/semaphore-channel
// plumbing.
func RunBounded(ctx context.Context, maxConcurrency int, items int, fn func(ctx context.Context, i int) error) error {
	if items == 0 {
		return nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	for i := 0; i < items; i++ {
		i := i
		g.Go(func() error {
			return fn(gctx, i)
		})
	}

	return g.Wait()
}
