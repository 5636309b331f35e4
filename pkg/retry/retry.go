// Package retry runs an operation with bounded exponential backoff. Only
// failures the caller classifies as retryable are retried; everything else
// surfaces immediately.
package retry

import (
	"context"
	"time"
)

type Policy struct {
	Attempts int           // total attempts, including the first
	BaseWait time.Duration // wait before the second attempt, doubled after
	MaxWait  time.Duration // cap on a single wait
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 3, BaseWait: 200 * time.Millisecond, MaxWait: 2 * time.Second}
}

// Do invokes op until it succeeds, exhausts the attempt budget, or returns a
// non-retryable error per the retryable predicate. Context cancellation
// aborts the wait and returns the context error.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func(ctx context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	wait := p.BaseWait
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			wait *= 2
			if p.MaxWait > 0 && wait > p.MaxWait {
				wait = p.MaxWait
			}
		}
		err = op(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
	}
	return err
}
