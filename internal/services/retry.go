package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"bilancio/internal/core"
)

// RetryPolicy bounds optimistic read-compute-commit cycles.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond}
}

// withOptimisticRetry runs attempt until it succeeds, fails with anything
// other than core.ErrConflict, or the attempts are exhausted. Exhaustion is
// reported as core.ErrTransient.
func withOptimisticRetry(ctx context.Context, p RetryPolicy, attempt func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	var err error
	for i := 0; i < p.MaxAttempts; i++ {
		if i > 0 && p.BaseDelay > 0 {
			// linear backoff with full jitter
			delay := time.Duration(rand.Int63n(int64(p.BaseDelay)*int64(i) + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		err = attempt()
		if !errors.Is(err, core.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: %d attempts: %v", core.ErrTransient, p.MaxAttempts, err)
}
