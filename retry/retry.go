// retry/retry.go
package retry

import (
	"context"
	"time"
)

// Do runs fn until it succeeds, the policy gives up, or ctx ends. It returns
// the last error from fn, or ctx.Err() if the context ended first.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		delay, ok := policy.NextRetry(attempt)
		if !ok {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
