package engine

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// ForEachLimit runs fn for every index in [0, n) with at most limit
// goroutines in flight, stopping on the first error or cancellation.
// Adapters use it for their per-page and per-document fan-out stages;
// Wait joins the stage before the caller moves on to the next one.
func ForEachLimit(ctx context.Context, n, limit int, fn func(ctx context.Context, i int) error) error {
	if n <= 0 {
		return nil
	}
	if limit <= 0 {
		limit = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}
	return g.Wait()
}
