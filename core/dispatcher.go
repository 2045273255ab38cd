// core/dispatcher.go
package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/chhz0/inferq/backend"
	"github.com/chhz0/inferq/middleware"
	"github.com/chhz0/inferq/storage"
	"github.com/chhz0/inferq/transport"
	"github.com/chhz0/inferq/types"
)

// persistTimeout bounds the final writes of a batch. They run on their own
// context so a forced shutdown still records the outcome.
const persistTimeout = 10 * time.Second

// Dispatcher executes flushed batches with at most maxConcurrent in flight.
type Dispatcher struct {
	store    storage.Storage
	registry *BackendRegistry
	metrics  *Metrics
	events   transport.Publisher
	logger   *zap.Logger
	chain    middleware.Middleware
	now      func() time.Time

	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type DispatcherConfig struct {
	MaxConcurrent int
	CallTimeout   time.Duration
	// Middleware wraps the built-in chain, outermost first.
	Middleware []middleware.Middleware
}

func NewDispatcher(cfg DispatcherConfig, store storage.Storage, registry *BackendRegistry, metrics *Metrics,
	events transport.Publisher, logger *zap.Logger, now func() time.Time) *Dispatcher {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = transport.Nop{}
	}
	if now == nil {
		now = time.Now
	}

	// Recover sits innermost so it runs on the goroutine Timeout starts.
	mws := append([]middleware.Middleware{}, cfg.Middleware...)
	mws = append(mws,
		middleware.Logger(logger),
		middleware.Metrics(metrics),
		middleware.Timeout(cfg.CallTimeout),
		middleware.Conform(),
		middleware.Recover(logger),
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:    store,
		registry: registry,
		metrics:  metrics,
		events:   events,
		logger:   logger,
		chain:    middleware.Chain(mws...),
		now:      now,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dispatch waits for a permit, then executes the batch in the background.
// It returns an error only if ctx ends before a permit is free, in which
// case the batch was not started.
func (d *Dispatcher) Dispatch(ctx context.Context, batch *types.Batch) error {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		d.execute(batch)
	}()
	return nil
}

func (d *Dispatcher) execute(batch *types.Batch) {
	now := d.now()
	size := batch.Size()
	members := make([]*types.Task, 0, size)
	for _, t := range batch.Members {
		if err := t.StartProcessing(batch.ID, size, now); err != nil {
			d.logger.Warn("skipping batch member", zap.String("task_id", t.ID), zap.String("batch_id", batch.ID), zap.Error(err))
			continue
		}
		members = append(members, t)
	}
	if len(members) == 0 {
		return
	}
	batch.Members = members
	d.persist(members)
	d.metrics.BatchStarted(len(members))

	payloads := make([][]byte, len(members))
	for i, t := range members {
		payloads[i] = t.Payload
	}

	var (
		outcomes []backend.Outcome
		err      error
	)
	adapter, fallback, ok := d.registry.Get(batch.Backend)
	if !ok {
		err = types.NewError(types.KindBackendUnavailable, "no adapter registered for backend "+string(batch.Backend))
	} else {
		outcomes, err = d.chain(middleware.Adapt(adapter))(d.ctx, batch, payloads)
	}

	now = d.now()
	var completed, failed, degraded int
	if err != nil {
		d.logger.Warn("batch failed as a whole",
			zap.String("batch_id", batch.ID),
			zap.String("backend", string(batch.Backend)),
			zap.Int("batch_size", len(members)),
			zap.Strings("task_ids", batch.TaskIDs()),
			zap.String("fallback", fallback.String()),
			zap.Error(err))
		if fallback == FallbackDegraded {
			result := degradedResult(batch.Backend, err)
			for _, t := range members {
				d.finish(t, t.Complete(result, true, now))
			}
			completed, degraded = len(members), len(members)
		} else {
			info := *types.InfoOf(err)
			for _, t := range members {
				d.finish(t, t.Fail(info, now))
			}
			failed = len(members)
		}
	} else {
		for i, t := range members {
			if o := outcomes[i]; o.Err != nil {
				d.finish(t, t.Fail(*types.InfoOf(o.Err), now))
				failed++
			} else {
				d.finish(t, t.Complete(o.Result, false, now))
				completed++
			}
		}
	}

	d.persist(members)
	d.metrics.BatchFinished(len(members), completed, failed, degraded)
}

func (d *Dispatcher) finish(t *types.Task, err error) {
	if err != nil {
		d.logger.Error("terminal transition rejected", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// persist writes the members and announces their new status.
func (d *Dispatcher) persist(members []*types.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	now := d.now()
	events := make([]transport.TaskEvent, 0, len(members))
	for _, t := range members {
		if err := d.store.SaveTask(ctx, t); err != nil {
			d.logger.Error("save task failed", zap.String("task_id", t.ID), zap.String("status", t.Status.String()), zap.Error(err))
		}
		events = append(events, transport.EventFor(t, now))
	}
	if err := d.events.Publish(ctx, events...); err != nil {
		d.logger.Warn("publish task events failed", zap.Int("events", len(events)), zap.Error(err))
	}
}

// Shutdown waits for in-flight batches. When ctx ends first the running
// backend calls are cancelled, which fails their batches, and Shutdown still
// waits for those outcomes to be written.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.logger.Warn("shutdown grace expired, cancelling in-flight batches")
		d.cancel()
		<-done
		return ctx.Err()
	}
}

type degradedPlaceholder struct {
	Output   string           `json:"output"`
	Backend  string           `json:"backend"`
	Degraded bool             `json:"degraded"`
	Error    *types.ErrorInfo `json:"error"`
}

func degradedResult(variant types.BackendVariant, err error) []byte {
	b, _ := json.Marshal(degradedPlaceholder{
		Backend:  string(variant),
		Degraded: true,
		Error:    types.InfoOf(err),
	})
	return b
}
