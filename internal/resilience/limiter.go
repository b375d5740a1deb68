package resilience

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds how many calls run at once. A nil Limiter is unbounded.
type Limiter struct {
	sem *semaphore.Weighted
}

// NewLimiter returns a Limiter admitting limit concurrent calls, or nil when
// limit is zero or negative.
func NewLimiter(limit int) *Limiter {
	if limit <= 0 {
		return nil
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(limit))}
}

// Do waits for a slot and runs fn. It returns ctx.Err() without running fn
// if ctx ends first.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn(ctx)
}
