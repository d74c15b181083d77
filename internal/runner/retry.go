package runner

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/riboflow/internal/domain"
)

// RetryingRunner repeats failed attempts with exponential backoff, up to the
// invocation's Retries.
type RetryingRunner struct {
	inner      Runner
	newBackOff func() backoff.BackOff
}

// NewRetryingRunner wraps inner.
func NewRetryingRunner(inner Runner) *RetryingRunner {
	return &RetryingRunner{
		inner:      inner,
		newBackOff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// WithBackOff replaces the backoff policy.
func (r *RetryingRunner) WithBackOff(f func() backoff.BackOff) *RetryingRunner {
	r.newBackOff = f
	return r
}

// Run implements Runner. The outcome is the one of the last attempt.
func (r *RetryingRunner) Run(ctx context.Context, inv *Invocation) (*Outcome, error) {
	if inv.Retries <= 0 {
		return r.inner.Run(ctx, inv)
	}

	var (
		last     *Outcome
		lastErr  error
		attempts int
	)
	operation := func() error {
		attempts++
		last, lastErr = r.inner.Run(ctx, inv)
		if lastErr != nil {
			return backoff.Permanent(lastErr)
		}
		if !last.Succeeded() {
			return fmt.Errorf("%w: exit code %d", domain.ErrSubprocess, last.ExitCode)
		}
		return nil
	}

	b := backoff.WithMaxRetries(r.newBackOff(), uint64(inv.Retries))
	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	if last != nil {
		last.Attempts = attempts
	}
	if lastErr != nil {
		return last, lastErr
	}
	if err != nil && ctx.Err() != nil {
		return last, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
	}
	return last, nil
}
