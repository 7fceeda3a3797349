package workflow

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/swarmflow/swarmflow/config"
	"github.com/swarmflow/swarmflow/internal/metrics"
	"github.com/swarmflow/swarmflow/internal/pool"
	"github.com/swarmflow/swarmflow/types"
)

// Engine states.
const (
	stateNew int32 = iota
	stateRunning
	stateClosed
)

// EngineOption customizes engine construction.
type EngineOption func(*engineOptions)

type engineOptions struct {
	registerer prometheus.Registerer
	alertFn    AlertFunc
}

// WithRegisterer sets the Prometheus registerer metrics are registered with.
// Defaults to prometheus.DefaultRegisterer.
func WithRegisterer(reg prometheus.Registerer) EngineOption {
	return func(o *engineOptions) { o.registerer = reg }
}

// WithAlertFunc sets a callback invoked when the monitor raises an alert.
func WithAlertFunc(fn AlertFunc) EngineOption {
	return func(o *engineOptions) { o.alertFn = fn }
}

// Engine is the workflow execution engine facade. It owns the handler
// registry, the shared resource pool, the executor worker pool, and the
// scheduler, and exposes the submission and control surface.
//
// The engine is safe for concurrent use. Control operations are forwarded to
// the scheduler goroutine and answer from a consistent view of instance
// state.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	registry  *Registry
	validator *Validator
	resPool   *ResourcePool
	workers   *pool.WorkerPool
	executor  *Executor
	recovery  *RecoveryManager
	monitor   *Monitor
	bus       *EventBus
	scheduler *Scheduler
	collector *metrics.Collector

	state     atomic.Int32
	closeOnce sync.Once
}

// NewEngine builds an engine from the configuration. A nil cfg uses
// defaults; a nil logger disables logging. Call Start before submitting.
func NewEngine(cfg *config.Config, logger *zap.Logger, opts ...EngineOption) *Engine {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	options := engineOptions{}
	for _, opt := range opts {
		opt(&options)
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, options.registerer, logger)
	}

	registry := NewRegistry()
	resPool := NewResourcePool(cfg.Pool.MaxConcurrent, cfg.Pool.AgentCaps)
	workers := pool.New(pool.Config{
		MaxWorkers: cfg.Pool.MaxConcurrent,
		QueueSize:  cfg.Pool.QueueSize,
		PanicHandler: func(r any) {
			logger.Error("worker panic", zap.Any("panic", r))
		},
	})

	// Sized so every in-flight attempt can deliver without blocking even
	// while the scheduler is mid-pass.
	results := make(chan stepResult, 2*cfg.Pool.MaxConcurrent+16)

	executor := NewExecutor(registry, workers, results, logger)
	recovery := NewRecoveryManager(RecoveryPolicy{
		BaseDelay: cfg.Recovery.BaseDelay.Std(),
		MaxDelay:  cfg.Recovery.MaxDelay.Std(),
	}, logger)
	monitor := NewMonitor(MonitorConfig{
		ErrorRateThreshold: cfg.Alerts.ErrorRateThreshold,
		Window:             cfg.Alerts.Window.Std(),
		MinSamples:         cfg.Alerts.MinSamples,
	}, collector, options.alertFn, logger)
	bus := NewEventBus(256)

	scheduler := NewScheduler(SchedulerConfig{
		TickInterval:     cfg.Engine.TickInterval.Std(),
		AdmissionTimeout: cfg.Engine.AdmissionTimeout.Std(),
		Retention:        cfg.Engine.Retention.Std(),
	}, NewResolver(), resPool, executor, recovery, monitor, bus, results, logger)

	return &Engine{
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "engine")),
		registry:  registry,
		validator: NewValidator(cfg.Recovery.MaxRetryLimit, cfg.Recovery.MaxTimeout.Std()),
		resPool:   resPool,
		workers:   workers,
		executor:  executor,
		recovery:  recovery,
		monitor:   monitor,
		bus:       bus,
		scheduler: scheduler,
		collector: collector,
	}
}

// Register binds a handler to an (agent, command) pair. Registration after
// Start is allowed; validation sees the registry as of submission time.
func (e *Engine) Register(agent, command string, h Handler) error {
	return e.registry.Register(agent, command, h)
}

// RegisterFunc is Register for plain functions.
func (e *Engine) RegisterFunc(agent, command string, fn HandlerFunc) error {
	return e.registry.Register(agent, command, fn)
}

// Start launches the scheduler loop. Idempotent until Close.
func (e *Engine) Start() error {
	if e.state.Load() == stateClosed {
		return types.NewError(types.ErrEngineClosed, "engine is closed")
	}
	if e.state.CompareAndSwap(stateNew, stateRunning) {
		e.scheduler.Start()
		e.logger.Info("engine started",
			zap.Int("max_concurrent", e.cfg.Pool.MaxConcurrent),
			zap.Duration("tick_interval", e.cfg.Engine.TickInterval.Std()),
		)
	}
	return nil
}

// Submit validates a definition and, on success, creates and schedules an
// instance. A definition that fails validation is rejected synchronously and
// no instance exists afterwards. The engine works on a deep copy, so the
// caller's definition is never mutated and may be resubmitted concurrently.
func (e *Engine) Submit(ctx context.Context, def *WorkflowDefinition) (uuid.UUID, error) {
	if err := e.ensureRunning(); err != nil {
		return uuid.Nil, err
	}
	def = def.Clone()
	def.ApplyDefaults()
	if err := e.validator.Validate(def, e.registry); err != nil {
		return uuid.Nil, err
	}

	inst := NewInstance(def)
	msg := submitMsg{inst: inst, reply: make(chan error, 1)}
	if err := e.roundTrip(ctx, msg, msg.reply); err != nil {
		return uuid.Nil, err
	}
	return inst.ID, nil
}

// SubmitYAML parses a YAML definition and submits it.
func (e *Engine) SubmitYAML(ctx context.Context, data []byte) (uuid.UUID, error) {
	def, err := ParseDefinition(data)
	if err != nil {
		return uuid.Nil, err
	}
	return e.Submit(ctx, def)
}

// Pause suspends new dispatch for an instance. Running steps finish normally
// and their results are still applied.
func (e *Engine) Pause(ctx context.Context, id uuid.UUID) error {
	if err := e.ensureRunning(); err != nil {
		return err
	}
	msg := pauseMsg{id: id, reply: make(chan error, 1)}
	return e.roundTrip(ctx, msg, msg.reply)
}

// Resume lifts a pause.
func (e *Engine) Resume(ctx context.Context, id uuid.UUID) error {
	if err := e.ensureRunning(); err != nil {
		return err
	}
	msg := resumeMsg{id: id, reply: make(chan error, 1)}
	return e.roundTrip(ctx, msg, msg.reply)
}

// Cancel stops an instance: in-flight steps receive a cancellation signal
// and every non-terminal step ends skipped.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) error {
	if err := e.ensureRunning(); err != nil {
		return err
	}
	msg := cancelMsg{id: id, reply: make(chan error, 1)}
	return e.roundTrip(ctx, msg, msg.reply)
}

// Status returns a consistent snapshot of an instance.
func (e *Engine) Status(ctx context.Context, id uuid.UUID) (InstanceSnapshot, error) {
	if err := e.ensureRunning(); err != nil {
		return InstanceSnapshot{}, err
	}
	msg := statusMsg{id: id, reply: make(chan statusReply, 1)}
	if err := e.scheduler.post(msg); err != nil {
		return InstanceSnapshot{}, err
	}
	select {
	case r := <-msg.reply:
		return r.snap, r.err
	case <-ctx.Done():
		return InstanceSnapshot{}, types.NewError(types.ErrCancelled, "status wait cancelled").WithCause(ctx.Err())
	case <-e.scheduler.Done():
		return InstanceSnapshot{}, types.NewError(types.ErrEngineClosed, "engine is closed")
	}
}

// Wait blocks until the instance reaches a terminal status and returns its
// final snapshot.
func (e *Engine) Wait(ctx context.Context, id uuid.UUID) (InstanceSnapshot, error) {
	if err := e.ensureRunning(); err != nil {
		return InstanceSnapshot{}, err
	}
	msg := waitMsg{id: id, ch: make(chan InstanceSnapshot, 1), reply: make(chan error, 1)}
	if err := e.roundTrip(ctx, msg, msg.reply); err != nil {
		return InstanceSnapshot{}, err
	}
	select {
	case snap := <-msg.ch:
		return snap, nil
	case <-ctx.Done():
		return InstanceSnapshot{}, types.NewError(types.ErrCancelled, "wait cancelled").WithCause(ctx.Err())
	case <-e.scheduler.Done():
		return InstanceSnapshot{}, types.NewError(types.ErrEngineClosed, "engine is closed")
	}
}

// Subscribe returns a channel of lifecycle events and a cancel function.
// Delivery is best effort; a slow subscriber loses events rather than
// stalling the scheduler.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.bus.Subscribe()
}

// Registry exposes the handler registry, for validation tooling.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// PoolStats reports resource pool counters.
func (e *Engine) PoolStats() PoolStats {
	return e.resPool.Stats()
}

// WorkerStats reports executor worker pool counters.
func (e *Engine) WorkerStats() pool.Stats {
	return e.workers.Stats()
}

// MonitorStats reports per-(agent, command) execution statistics.
func (e *Engine) MonitorStats() []MonitorStats {
	return e.monitor.Stats()
}

// Close shuts the engine down: the scheduler loop exits, in-flight handlers
// are cancelled through their instance contexts, and workers drain.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		prev := e.state.Swap(stateClosed)
		if prev == stateRunning {
			e.scheduler.Stop()
		}
		e.executor.Shutdown()
		e.workers.Close()
		e.bus.Close()
		e.logger.Info("engine closed")
	})
	return nil
}

func (e *Engine) ensureRunning() error {
	switch e.state.Load() {
	case stateRunning:
		return nil
	case stateClosed:
		return types.NewError(types.ErrEngineClosed, "engine is closed")
	default:
		return types.NewError(types.ErrEngineClosed, "engine not started")
	}
}

// roundTrip posts a control message and waits for its reply.
func (e *Engine) roundTrip(ctx context.Context, msg controlMsg, reply <-chan error) error {
	if err := e.scheduler.post(msg); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return types.NewError(types.ErrCancelled, "control wait cancelled").WithCause(ctx.Err())
	case <-e.scheduler.Done():
		return types.NewError(types.ErrEngineClosed, "engine is closed")
	}
}
