package backend

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/chhz0/inferq/retry"
)

// ReadyPolicy polls quickly a few times for a backend that is just starting,
// then backs off up to maxDelay.
func ReadyPolicy(maxDelay time.Duration) retry.Policy {
	return &retry.CompositePolicy{Policies: []retry.Policy{
		&retry.FixedInterval{Interval: 200 * time.Millisecond, MaxAttempts: 3},
		&retry.ExponentialBackoff{InitialDelay: 500 * time.Millisecond, MaxDelay: maxDelay, MaxAttempts: 20},
	}}
}

// WaitReady polls the adapter's health endpoint until it answers or the
// policy gives up.
func WaitReady(ctx context.Context, a Adapter, policy retry.Policy, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempt := 0
	return retry.Do(ctx, policy, func(ctx context.Context) error {
		attempt++
		err := a.HealthCheck(ctx)
		if err != nil {
			logger.Warn("backend not ready",
				zap.String("backend", string(a.Variant())),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		logger.Info("backend ready", zap.String("backend", string(a.Variant())), zap.Int("attempt", attempt))
		return nil
	})
}
