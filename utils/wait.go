package utils

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrConditionTimeout is returned by WaitForCondition when fn never reports
// success within the timeout.
var ErrConditionTimeout = errors.New("condition not met before timeout")

// WaitForCondition periodically executes the given function fn based on the
// provided pollingInterval. The function fn should return true if the desired
// condition is met. If the function never returns true within the timeoutAfter
// period the returned error wraps ErrConditionTimeout. An error returned by fn
// aborts the wait immediately. A zero timeoutAfter waits until ctx is done.
func WaitForCondition(ctx context.Context, timeoutAfter, pollingInterval time.Duration, fn func() (bool, error)) error {
	if timeoutAfter > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeoutAfter)
		defer cancel()
	}

	ticker := time.NewTicker(pollingInterval)
	defer ticker.Stop()

	for {
		reachedCondition, err := fn()
		if err != nil {
			return fmt.Errorf("error occurred while waiting for condition: %w", err)
		}
		if reachedCondition {
			return nil
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return fmt.Errorf("%w after %.0f seconds", ErrConditionTimeout, timeoutAfter.Seconds())
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
