package exchange

import (
	"context"
	"errors"
	"time"

	"gridbot/logger"
)

// RetryPolicy bounds how long a failing exchange call is re-attempted.
// Backoff doubles per attempt; rate-limit responses wait four times longer
// per step so the venue's counters drain before the next try.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

// Do runs fn until it succeeds, exhausts attempts, fails with a
// non-retryable error, or ctx ends. The last error is returned as-is so
// errors.Is checks against the taxonomy still work.
func (p RetryPolicy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		wait := p.BaseBackoff << uint(i)
		if errors.Is(err, ErrRateLimited) {
			wait *= 4
		}
		logger.Warnf("%s failed (attempt %d/%d), retrying in %v: %v", op, i+1, attempts, wait, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
