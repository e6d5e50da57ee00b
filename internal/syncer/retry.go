// Package syncer pulls a day of sales from a provider, aggregates it into a
// consumption record and stores it idempotently, retrying transient failures
// with exponential backoff.
package syncer

import (
	"context"
	"time"

	"github.com/iliyamo/poscred/internal/backoff"
	"github.com/iliyamo/poscred/internal/poserr"
)

// RetryPolicy configures Retry.
type RetryPolicy struct {
	Retries   int // extra attempts after the first
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Jitter    bool
	// Sleep waits between attempts; a timer honouring ctx when nil.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the production defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: 3, BaseDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Jitter: true}
}

// RunResult is the outcome of Retry.
type RunResult struct {
	OK       bool
	Attempts int
	Count    int
	Err      error
}

// Retry runs op up to Retries+1 times, sleeping backoff.Delay between
// failures.  It stops early on success, on an error that is not retryable
// and when ctx ends, returning the last error in that case.
func Retry(ctx context.Context, op func(ctx context.Context) (int, error), p RetryPolicy) RunResult {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	if p.Retries < 0 {
		p.Retries = 0
	}
	var res RunResult
	for attempt := 0; attempt <= p.Retries; attempt++ {
		res.Attempts = attempt + 1
		n, err := op(ctx)
		if err == nil {
			return RunResult{OK: true, Attempts: res.Attempts, Count: n}
		}
		res.Count, res.Err = n, err
		if !poserr.Retryable(err) || attempt == p.Retries {
			break
		}
		if err := sleep(ctx, backoff.Delay(attempt, p.BaseDelay, p.MaxDelay, p.Jitter)); err != nil {
			break
		}
	}
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
