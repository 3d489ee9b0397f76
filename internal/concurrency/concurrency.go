package concurrency

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// NewPool returns a new pool where each task respects context cancellation.
// Wait() will only return the first error seen.
func NewPool(ctx context.Context, maxGoroutines int) *pool.ContextPool {
	return pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(maxGoroutines)
}

// Fork runs fn on n goroutines at once, passing each its index, and waits for
// all of them. The first error cancels the context handed to the others.
func Fork(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	if n <= 0 {
		return nil
	}

	p := NewPool(ctx, n)
	for i := 0; i < n; i++ {
		p.Go(func(ctx context.Context) error {
			return fn(ctx, i)
		})
	}
	return p.Wait()
}
