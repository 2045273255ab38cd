// middleware/middleware.go
package middleware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/chhz0/inferq/backend"
	"github.com/chhz0/inferq/types"
)

// Executor runs one flushed batch against a backend and returns the per-item
// outcomes in batch order.
type Executor func(ctx context.Context, batch *types.Batch, payloads [][]byte) ([]backend.Outcome, error)
type Middleware func(next Executor) Executor

// 中间件链
func Chain(middlewares ...Middleware) Middleware {
	return func(final Executor) Executor {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

// Adapt turns an adapter into the innermost executor.
func Adapt(a backend.Adapter) Executor {
	return func(ctx context.Context, _ *types.Batch, payloads [][]byte) ([]backend.Outcome, error) {
		return a.Execute(ctx, payloads)
	}
}

type execResult struct {
	outcomes []backend.Outcome
	err      error
}

// 超时中间件
//
// The call is abandoned when the deadline passes even if the backend ignores
// ctx. A batch that ran out of time fails as a whole with a timeout error.
func Timeout(d time.Duration) Middleware {
	return func(next Executor) Executor {
		return func(ctx context.Context, batch *types.Batch, payloads [][]byte) ([]backend.Outcome, error) {
			if d <= 0 {
				return next(ctx, batch, payloads)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			done := make(chan execResult, 1)
			go func() {
				outcomes, err := next(ctx, batch, payloads)
				done <- execResult{outcomes, err}
			}()

			select {
			case r := <-done:
				if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, timeoutError(d, r.err)
				}
				return r.outcomes, r.err
			case <-ctx.Done():
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil, timeoutError(d, ctx.Err())
				}
				return nil, types.WrapError(types.KindBackendUnavailable, "batch execution cancelled", ctx.Err())
			}
		}
	}
}

func timeoutError(d time.Duration, err error) error {
	if types.KindOf(err) == types.KindTimeout {
		return err
	}
	return types.WrapError(types.KindTimeout, fmt.Sprintf("batch exceeded %s", d), err)
}

// Recover turns a panicking backend into a whole-batch failure.
func Recover(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Executor) Executor {
		return func(ctx context.Context, batch *types.Batch, payloads [][]byte) (outcomes []backend.Outcome, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("backend panicked",
						zap.String("batch_id", batch.ID),
						zap.String("backend", string(batch.Backend)),
						zap.Any("panic", r))
					outcomes = nil
					err = types.NewError(types.KindBackendUnavailable, fmt.Sprintf("backend panicked: %v", r))
				}
			}()
			return next(ctx, batch, payloads)
		}
	}
}

// Conform rejects adapter answers whose length does not match the batch, so
// outcomes can always be zipped with members by index.
func Conform() Middleware {
	return func(next Executor) Executor {
		return func(ctx context.Context, batch *types.Batch, payloads [][]byte) ([]backend.Outcome, error) {
			outcomes, err := next(ctx, batch, payloads)
			if err != nil {
				return nil, err
			}
			if len(outcomes) != len(payloads) {
				return nil, types.NewError(types.KindBackendUnavailable,
					fmt.Sprintf("backend returned %d outcomes for %d payloads", len(outcomes), len(payloads)))
			}
			for i, o := range outcomes {
				if o.Err == nil && o.Result == nil {
					outcomes[i].Err = backend.ItemError("backend returned no result", nil)
				}
			}
			return outcomes, nil
		}
	}
}

// 日志中间件
func Logger(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Executor) Executor {
		return func(ctx context.Context, batch *types.Batch, payloads [][]byte) ([]backend.Outcome, error) {
			start := time.Now()
			fields := []zap.Field{
				zap.String("batch_id", batch.ID),
				zap.String("backend", string(batch.Backend)),
				zap.Int("batch_size", len(payloads)),
			}
			logger.Debug("batch started", fields...)

			outcomes, err := next(ctx, batch, payloads)

			fields = append(fields, zap.Duration("duration", time.Since(start)))
			if err != nil {
				logger.Warn("batch failed", append(fields, zap.String("error_kind", string(types.KindOf(err))), zap.Error(err))...)
				return outcomes, err
			}
			failed := 0
			for _, o := range outcomes {
				if o.Err != nil {
					failed++
				}
			}
			logger.Info("batch finished", append(fields, zap.Int("failed_items", failed))...)
			return outcomes, nil
		}
	}
}

// Recorder receives one observation per backend call.
type Recorder interface {
	ObserveExecution(variant types.BackendVariant, size int, took time.Duration, err error)
}

// 指标收集中间件
func Metrics(rec Recorder) Middleware {
	return func(next Executor) Executor {
		return func(ctx context.Context, batch *types.Batch, payloads [][]byte) ([]backend.Outcome, error) {
			start := time.Now()
			outcomes, err := next(ctx, batch, payloads)
			if rec != nil {
				rec.ObserveExecution(batch.Backend, len(payloads), time.Since(start), err)
			}
			return outcomes, err
		}
	}
}
