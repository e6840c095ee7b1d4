package stitch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"example.com/journey/internal/domain"
)

// RetryPolicy governs how CAS conflicts are retried. Conflicts restart the
// caller's operation from its lookup step; any other error is permanent.
type RetryPolicy struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the contention profile seen with a handful of
// concurrent workers.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond}
}

// Do runs op, retrying with exponential backoff while it fails with
// domain.ErrConflict. Exhausted retries surface domain.ErrRetriesExhausted
// so the caller can leave the affected events for a later cycle.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.BaseDelay
	policy.MaxInterval = 2 * time.Second

	err := backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrConflict) {
			recordConflict()
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, p.MaxAttempts), ctx))

	if err != nil && errors.Is(err, domain.ErrConflict) {
		recordRetriesExhausted()
		return fmt.Errorf("%w after %d attempts: %v", domain.ErrRetriesExhausted, p.MaxAttempts+1, err)
	}
	return err
}
