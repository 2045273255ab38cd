// core/scheduler.go
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chhz0/inferq/middleware"
	"github.com/chhz0/inferq/queue"
	"github.com/chhz0/inferq/storage"
	"github.com/chhz0/inferq/transport"
	"github.com/chhz0/inferq/types"
)

type Config struct {
	MaxBatchSize         int
	TickInterval         time.Duration
	MaxConcurrentBatches int
	DrainLimit           int
	CallTimeout          time.Duration
	MaxBulkSubmission    int
	MaxPayloadBytes      int
	DefaultTaskEstimate  time.Duration
	DefaultBackend       types.BackendVariant
	Retention            time.Duration
	RetentionSweep       time.Duration
	ShutdownGrace        time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxBatchSize:         32,
		TickInterval:         100 * time.Millisecond,
		MaxConcurrentBatches: 4,
		DrainLimit:           1024,
		CallTimeout:          60 * time.Second,
		MaxBulkSubmission:    100,
		MaxPayloadBytes:      1 << 20,
		DefaultTaskEstimate:  2 * time.Second,
		DefaultBackend:       types.BackendLocal,
		Retention:            24 * time.Hour,
		RetentionSweep:       time.Minute,
		ShutdownGrace:        30 * time.Second,
	}
}

// SubmitReceipt is returned for every admitted task.
type SubmitReceipt struct {
	TaskID        string        `json:"task_id"`
	QueuePosition int           `json:"queue_position"`
	EstimatedWait time.Duration `json:"-"`
}

// Scheduler owns the queue, the batch buffers and the dispatcher, and runs
// the periodic loop that moves tasks between them.
type Scheduler struct {
	cfg        Config
	store      storage.Storage
	registry   *BackendRegistry
	queue      *queue.PriorityQueue
	acc        *Accumulator
	dispatcher *Dispatcher
	admission  *Admission
	metrics    *Metrics
	events     transport.Publisher
	logger     *zap.Logger
	now        func() time.Time

	// intake serializes persisting and enqueueing a task against
	// cancellation, so a cancel never sees a saved task that is not yet in
	// its lane.
	intake sync.Mutex

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
}

type Option func(*schedulerOptions)

type schedulerOptions struct {
	logger     *zap.Logger
	events     transport.Publisher
	now        func() time.Time
	middleware []middleware.Middleware
}

func WithLogger(l *zap.Logger) Option { return func(o *schedulerOptions) { o.logger = l } }

func WithPublisher(p transport.Publisher) Option { return func(o *schedulerOptions) { o.events = p } }

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(o *schedulerOptions) { o.now = now } }

// WithMiddleware adds executor middleware outside the built-in chain.
func WithMiddleware(mw ...middleware.Middleware) Option {
	return func(o *schedulerOptions) { o.middleware = append(o.middleware, mw...) }
}

func New(cfg Config, store storage.Storage, registry *BackendRegistry, opts ...Option) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("storage cannot be nil")
	}
	if registry == nil || len(registry.Variants()) == 0 {
		return nil, errors.New("at least one backend must be registered")
	}
	if cfg.MaxBatchSize < 1 {
		return nil, fmt.Errorf("max batch size must be >= 1, got %d", cfg.MaxBatchSize)
	}
	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("tick interval must be > 0")
	}
	if cfg.DrainLimit < 1 {
		cfg.DrainLimit = DefaultConfig().DrainLimit
	}
	if cfg.DefaultBackend == "" {
		cfg.DefaultBackend = registry.Variants()[0]
	}
	if !registry.Has(cfg.DefaultBackend) {
		return nil, fmt.Errorf("default backend %q is not registered", cfg.DefaultBackend)
	}

	o := schedulerOptions{logger: zap.NewNop(), events: transport.Nop{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	metrics := NewMetrics(cfg.DefaultTaskEstimate)
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		registry: registry,
		queue:    queue.New(),
		acc:      NewAccumulator(cfg.MaxBatchSize),
		dispatcher: NewDispatcher(DispatcherConfig{
			MaxConcurrent: cfg.MaxConcurrentBatches,
			CallTimeout:   cfg.CallTimeout,
			Middleware:    o.middleware,
		}, store, registry, metrics, o.events, o.logger, o.now),
		admission: NewAdmission(cfg.MaxBulkSubmission, cfg.MaxPayloadBytes, cfg.DefaultBackend, registry),
		metrics:   metrics,
		events:    o.events,
		logger:    o.logger,
		now:       o.now,
	}, nil
}

// Start recovers persisted work and launches the scheduling loop and the
// retention janitor. A stopped scheduler cannot be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.stopped {
		return errors.New("scheduler already stopped")
	}

	if err := s.recoverTasks(ctx); err != nil {
		return fmt.Errorf("recover tasks: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.loops.Add(2)
	go s.run(loopCtx)
	go s.janitor(loopCtx)

	s.logger.Info("scheduler started",
		zap.Int("max_batch_size", s.cfg.MaxBatchSize),
		zap.Duration("tick_interval", s.cfg.TickInterval),
		zap.Int("max_concurrent_batches", s.cfg.MaxConcurrentBatches))
	return nil
}

// Stop ends the loops, then waits up to ctx for in-flight batches before
// cancelling them. Tasks still queued or sitting in open buffers stay Queued
// in storage and are picked up again by the next Start.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.cancel()
	s.loops.Wait()
	s.running = false
	s.stopped = true

	if left := s.acc.Discard(); len(left) > 0 {
		s.logger.Info("returned buffered tasks to storage", zap.Int("tasks", len(left)))
	}
	err := s.dispatcher.Shutdown(ctx)
	s.logger.Info("scheduler stopped", zap.Int("queued", s.queue.Len()))
	return err
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.loops.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.step(ctx)
		}
	}
}

// step drains the queue into the batch buffers, dispatching each batch that
// fills up, then flushes whatever is left.
func (s *Scheduler) step(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduling step panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	now := s.now()
	for _, task := range s.queue.DequeueNext(s.cfg.DrainLimit) {
		if batch := s.acc.Add(task, now); batch != nil {
			s.dispatch(ctx, batch)
		}
	}
	for _, batch := range s.acc.Flush(now) {
		s.dispatch(ctx, batch)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, batch *types.Batch) {
	if err := s.dispatcher.Dispatch(ctx, batch); err != nil {
		// stopping; the members are still Queued in storage
		s.logger.Info("batch not dispatched",
			zap.String("batch_id", batch.ID),
			zap.Int("batch_size", batch.Size()),
			zap.Error(err))
	}
}

// recoverTasks re-enqueues Queued records and fails the ones a previous process
// left in Processing.
func (s *Scheduler) recoverTasks(ctx context.Context) error {
	queued, err := s.store.GetTasksByStatus(ctx, types.StatusQueued, 0)
	if err != nil {
		return err
	}
	for _, t := range queued {
		if _, err := s.queue.Enqueue(t); err != nil {
			s.logger.Warn("dropping unrecoverable task", zap.String("task_id", t.ID), zap.Error(err))
		}
	}

	interrupted, err := s.store.GetTasksByStatus(ctx, types.StatusProcessing, 0)
	if err != nil {
		return err
	}
	now := s.now()
	info := types.ErrorInfo{Kind: types.KindBackendUnavailable, Message: "dispatch interrupted by restart"}
	events := make([]transport.TaskEvent, 0, len(interrupted))
	for _, t := range interrupted {
		if err := t.Fail(info, now); err != nil {
			continue
		}
		if err := s.store.SaveTask(ctx, t); err != nil {
			return err
		}
		events = append(events, transport.EventFor(t, now))
	}
	s.metrics.RecordFailed(len(events))
	s.publish(ctx, events...)

	if len(queued) > 0 || len(interrupted) > 0 {
		s.logger.Info("recovered tasks",
			zap.Int("requeued", len(queued)),
			zap.Int("interrupted", len(interrupted)))
	}
	return nil
}

func (s *Scheduler) janitor(ctx context.Context) {
	defer s.loops.Done()
	if s.cfg.Retention <= 0 || s.cfg.RetentionSweep <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.RetentionSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	n, err := s.store.PurgeExpired(ctx, s.now().Add(-s.cfg.Retention))
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("retention sweep failed", zap.Error(err))
		}
		return
	}
	if n > 0 {
		s.logger.Info("purged expired tasks", zap.Int("tasks", n))
	}
}

func (s *Scheduler) publish(ctx context.Context, events ...transport.TaskEvent) {
	if len(events) == 0 {
		return
	}
	if err := s.events.Publish(ctx, events...); err != nil {
		s.logger.Warn("publish task events failed", zap.Int("events", len(events)), zap.Error(err))
	}
}

// Submit admits one task into its lane.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (SubmitReceipt, error) {
	adm, err := s.admission.check(req)
	if err != nil {
		s.metrics.RecordRejected(1)
		return SubmitReceipt{}, err
	}
	receipts, err := s.enqueue(ctx, []admitted{adm})
	if err != nil {
		return SubmitReceipt{}, err
	}
	return receipts[0], nil
}

// SubmitBatch admits a bulk submission. Every item is validated before any
// is enqueued, so a rejected submission creates no tasks.
func (s *Scheduler) SubmitBatch(ctx context.Context, reqs []SubmitRequest) ([]SubmitReceipt, error) {
	adms, err := s.admission.checkBulk(reqs)
	if err != nil {
		s.metrics.RecordRejected(len(reqs))
		return nil, err
	}
	return s.enqueue(ctx, adms)
}

// enqueue saves the tasks and announces them before handing them to the
// queue. Once a task is in its lane the scheduling loop owns it, so nothing
// here reads a task after Enqueue.
func (s *Scheduler) enqueue(ctx context.Context, adms []admitted) ([]SubmitReceipt, error) {
	s.intake.Lock()
	defer s.intake.Unlock()

	now := s.now()
	tasks := make([]*types.Task, 0, len(adms))
	events := make([]transport.TaskEvent, 0, len(adms))
	var saveErr error
	for _, adm := range adms {
		task := types.NewTask(adm.priority, adm.payload, adm.backend, now)
		if err := s.store.SaveTask(ctx, task); err != nil {
			saveErr = fmt.Errorf("save task: %w", err)
			break
		}
		tasks = append(tasks, task)
		events = append(events, transport.EventFor(task, now))
	}
	s.publish(ctx, events...)

	receipts := make([]SubmitReceipt, 0, len(tasks))
	defer func() { s.metrics.RecordSubmitted(len(receipts)) }()
	for _, task := range tasks {
		id := task.ID
		pos, err := s.queue.Enqueue(task)
		if err != nil {
			return receipts, err
		}
		receipts = append(receipts, SubmitReceipt{
			TaskID:        id,
			QueuePosition: pos,
			EstimatedWait: s.metrics.EstimateWait(pos),
		})
	}
	return receipts, saveErr
}

// Cancel removes a task that is still waiting in its lane. A task already
// pulled into a batch buffer or a running batch fails with InvalidState.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.intake.Lock()
	task, err := s.queue.Remove(id)
	s.intake.Unlock()
	if err != nil {
		if _, gerr := s.store.GetTask(ctx, id); gerr != nil {
			return gerr
		}
		return err
	}

	now := s.now()
	if err := task.Cancel(now); err != nil {
		return err
	}
	if err := s.store.SaveTask(ctx, task); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	s.metrics.RecordCancelled()
	s.publish(ctx, transport.EventFor(task, now))
	return nil
}

func (s *Scheduler) Status(ctx context.Context, id string) (types.TaskView, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return types.TaskView{}, err
	}
	return task.View(), nil
}

// Purge deletes a terminal task before its retention window ends.
func (s *Scheduler) Purge(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.IsTerminal() {
		return types.NewError(types.KindInvalidState, fmt.Sprintf("task %s is %s and cannot be purged", id, task.Status))
	}
	return s.store.DeleteTask(ctx, id)
}

func (s *Scheduler) Metrics() types.QueueMetricsView {
	return s.metrics.Snapshot(s.queue.Depths())
}

func (s *Scheduler) Backends(ctx context.Context) []types.BackendHealth {
	return s.registry.Health(ctx)
}
