package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/config"
	"github.com/goliatone/go-events/cron"
	"github.com/goliatone/go-events/dispatcher"
	"github.com/goliatone/go-events/executor"
	"github.com/goliatone/go-events/idempotency"
	"github.com/goliatone/go-events/metrics"
	"github.com/goliatone/go-events/outbox"
	"github.com/goliatone/go-events/processor"
	"github.com/goliatone/go-events/publisher"
	"github.com/goliatone/go-events/registry"
	"github.com/goliatone/go-events/router"
	"github.com/goliatone/go-events/runner"
	"github.com/goliatone/go-events/tx"
)

// Dependencies are the collaborators the engine is assembled from.
type Dependencies struct {
	// Registry holds the handler registrations. Required.
	Registry *registry.Registry
	// TransactionManagers keyed by kind (config.TransactionManagerLocal, ...).
	// Exactly one is selected, by config or because it is the only one.
	TransactionManagers map[string]tx.Manager
	// OutboxStore is required when a channel publishes through the outbox.
	OutboxStore outbox.Store
	Codec       *outbox.Codec
	// Idempotency rules, optional. TaskStore defaults to an in-memory store.
	Idempotency *idempotency.Configuration
	TaskStore   idempotency.TaskStore
	Logger      events.Logger
	Metrics     *metrics.Metrics
	// Scheduler runs the outbox poller and stats jobs. One is created when
	// nil.
	Scheduler *cron.Scheduler
}

// Engine wires the dispatch pipeline described by a config.Config.
type Engine struct {
	cfg       config.Config
	logger    events.Logger
	manager   tx.Manager
	router    *router.Router
	poller    *outbox.Poller
	tasks     *idempotency.TaskScheduler
	store     outbox.Store
	metrics   *metrics.Metrics
	scheduler *cron.Scheduler

	mu          sync.Mutex
	running     bool
	ownsSched   bool
	statsHandle cron.Handle
}

// New validates cfg and builds every component. Configuration problems are
// reported here and never at publish time.
func New(cfg config.Config, deps Dependencies) (*Engine, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Registry == nil {
		return nil, events.NewError(events.ErrInvalidConfig, "engine requires a handler registry", nil, nil)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    events.WithLoggerFields(events.NormalizeLogger(deps.Logger), map[string]any{"component": "engine"}),
		store:     deps.OutboxStore,
		metrics:   deps.Metrics,
		scheduler: deps.Scheduler,
	}

	if !deps.Registry.Initialized() {
		if err := deps.Registry.Initialize(); err != nil {
			return nil, err
		}
	}

	manager, err := selectManager(cfg.TransactionManager, deps.TransactionManagers)
	if err != nil {
		return nil, err
	}
	e.manager = manager

	exec, err := e.buildExecutor(deps)
	if err != nil {
		return nil, err
	}

	if err := e.buildRouter(deps.Registry, exec); err != nil {
		return nil, err
	}

	if cfg.UsesOutbox() {
		if err := e.buildPoller(deps.Codec); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func selectManager(kind string, managers map[string]tx.Manager) (tx.Manager, error) {
	available := make([]string, 0, len(managers))
	for name, m := range managers {
		if m != nil {
			available = append(available, name)
		}
	}
	sort.Strings(available)

	if kind != config.TransactionManagerAuto {
		if m := managers[kind]; m != nil {
			return m, nil
		}
		return nil, events.NewError(events.ErrTransactionManagerMissing,
			fmt.Sprintf("transaction manager %q is not provided", kind), nil,
			map[string]any{"requested": kind, "available": available})
	}

	switch len(available) {
	case 0:
		return nil, events.NewError(events.ErrTransactionManagerMissing,
			"no transaction manager provided", nil, nil)
	case 1:
		return managers[available[0]], nil
	default:
		return nil, events.NewError(events.ErrAmbiguousTransactionManager,
			"several transaction managers provided, set transaction_manager", nil,
			map[string]any{"available": available})
	}
}

func (e *Engine) buildExecutor(deps Dependencies) (executor.Executor, error) {
	runnerOpts := []runner.Option{runner.WithLogger(e.logger)}
	if e.cfg.HandlerTimeout > 0 {
		runnerOpts = append(runnerOpts, runner.WithTimeout(e.cfg.HandlerTimeout))
	}
	execOpts := []executor.Option{
		executor.WithLogger(e.logger),
		executor.WithRunner(runner.NewHandler(runnerOpts...)),
	}
	if e.metrics != nil {
		execOpts = append(execOpts, executor.WithRecorder(e.metrics))
	}

	base, err := executor.NewTransactionalExecutor(e.manager, execOpts...)
	if err != nil {
		return nil, err
	}

	if deps.Idempotency == nil || len(deps.Idempotency.Rules()) == 0 {
		return base, nil
	}

	store := deps.TaskStore
	if store == nil {
		e.logger.Warn("no idempotent task store provided, keys are kept in memory")
		store = idempotency.NewMemoryTaskStore()
	}
	schedOpts := []idempotency.SchedulerOption{
		idempotency.WithOrderedByEventType(e.cfg.OrderedByEventType),
		idempotency.WithMaxRetries(e.cfg.TaskMaxRetries),
		idempotency.WithSchedulerLogger(e.logger),
	}
	if e.metrics != nil {
		schedOpts = append(schedOpts, idempotency.WithSchedulerMetrics(e.metrics))
	}
	tasks, err := idempotency.NewTaskScheduler(store, schedOpts...)
	if err != nil {
		return nil, err
	}
	e.tasks = tasks

	return idempotency.NewExecutor(base, deps.Idempotency, tasks, idempotency.WithLogger(e.logger))
}

func (e *Engine) buildRouter(reg *registry.Registry, exec executor.Executor) error {
	receivers := map[bool]events.Receiver{}
	receiverFor := func(async bool) events.Receiver {
		if r, ok := receivers[async]; ok {
			return r
		}
		var proc processor.Processor = processor.NewSyncProcessor(exec)
		if async {
			proc = processor.NewAsyncProcessor(exec, processor.WithWorkers(e.cfg.Workers))
		}
		opts := []dispatcher.Option{dispatcher.WithLogger(e.logger)}
		if e.metrics != nil {
			opts = append(opts, dispatcher.WithMetrics(e.metrics))
		}
		r := dispatcher.NewReceiver(reg, proc, opts...)
		receivers[async] = r
		return r
	}

	channels := make(map[string]*router.Channel, len(e.cfg.Channels))
	for _, name := range e.cfg.ChannelNames() {
		chCfg := e.cfg.Channels[name]
		receiver := receiverFor(e.cfg.AsyncFor(chCfg))
		pub, err := e.buildPublisher(name, chCfg, receiver)
		if err != nil {
			return err
		}
		channels[name] = &router.Channel{Name: name, Publisher: pub, Receiver: receiver}
	}

	r, err := router.New(channels[e.cfg.DefaultChannel], router.WithLogger(e.logger))
	if err != nil {
		return err
	}
	for _, name := range e.cfg.ChannelNames() {
		if name == e.cfg.DefaultChannel {
			continue
		}
		if err := r.Register(channels[name]); err != nil {
			return err
		}
	}
	for _, name := range e.cfg.ChannelNames() {
		for _, pattern := range e.cfg.Channels[name].Routes {
			if err := r.RoutePattern(pattern, name); err != nil {
				return err
			}
		}
	}
	e.router = r
	return nil
}

func (e *Engine) buildPublisher(name string, chCfg config.ChannelConfig, receiver events.Receiver) (publisher.Publisher, error) {
	opts := []publisher.Option{publisher.WithLogger(e.logger)}
	switch chCfg.Publisher {
	case config.PublisherDirect:
		return publisher.NewDirectPublisher(receiver, opts...), nil
	case config.PublisherTransactional:
		phase := publisher.BeforeCommit
		if e.cfg.AfterCommitFor(chCfg) {
			phase = publisher.AfterCommit
		}
		return publisher.NewTransactionalPublisher(receiver, phase, opts...)
	case config.PublisherOutbox:
		if e.store == nil {
			return nil, events.NewError(events.ErrInvalidConfig,
				fmt.Sprintf("channel %q publishes through the outbox but no outbox store is provided", name), nil,
				map[string]any{"channel": name})
		}
		return publisher.NewOutboxPublisher(e.store, opts...), nil
	default:
		return nil, events.NewError(events.ErrInvalidConfig,
			fmt.Sprintf("channel %q: unknown publisher %q", name, chCfg.Publisher), nil,
			map[string]any{"channel": name})
	}
}

func (e *Engine) buildPoller(codec *outbox.Codec) error {
	if e.scheduler == nil {
		e.scheduler = cron.NewScheduler(cron.WithLogger(e.logger))
		e.ownsSched = true
	}
	opts := []outbox.PollerOption{
		outbox.WithBatchSize(e.cfg.BatchSize),
		outbox.WithPollingDelay(e.cfg.PollingDelay),
		outbox.WithPollingPeriod(e.cfg.PollingPeriod),
		outbox.WithPollerLogger(e.logger),
		outbox.WithScheduler(e.scheduler),
	}
	if codec != nil {
		opts = append(opts, outbox.WithCodec(codec))
	}
	if e.metrics != nil {
		opts = append(opts, outbox.WithPollerMetrics(e.metrics))
	}

	poller, err := outbox.NewPoller(e.store, e.router, opts...)
	if err != nil {
		return err
	}
	e.poller = poller
	return nil
}

// Route sends events of type E to the named channel.
func Route[E any](e *Engine, channel string) error {
	return router.Route[E](e.router, channel)
}

// Publish routes event to its channel publisher. txn is the caller's
// transaction, nil when there is none.
func (e *Engine) Publish(ctx context.Context, txn tx.Transaction, event any) error {
	return e.router.Publish(ctx, txn, event)
}

// PublishInTransaction runs fn in a transaction of the selected manager and
// hands fn a publish function bound to that transaction.
func (e *Engine) PublishInTransaction(ctx context.Context, fn func(ctx context.Context, publish func(event any) error) error) error {
	return e.manager.RunInTransaction(ctx, func(ctx context.Context, txn tx.Transaction) error {
		return fn(ctx, func(event any) error {
			return e.router.Publish(ctx, txn, event)
		})
	})
}

// Receive dispatches event synchronously through its channel receiver.
func (e *Engine) Receive(ctx context.Context, event any) (events.ProcessingResult, error) {
	return e.router.Receive(ctx, event)
}

func (e *Engine) Router() *router.Router {
	return e.router
}

func (e *Engine) TransactionManager() tx.Manager {
	return e.manager
}

// Poller returns nil when no channel uses the outbox.
func (e *Engine) Poller() *outbox.Poller {
	return e.poller
}

func (e *Engine) Config() config.Config {
	return e.cfg
}

// Tasks returns nil when no idempotency rule is configured.
func (e *Engine) Tasks() *idempotency.TaskScheduler {
	return e.tasks
}

// Start launches the outbox poller and the outbox stats job.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}
	if e.poller == nil {
		e.running = true
		return nil
	}

	if err := e.poller.Start(ctx); err != nil {
		return err
	}
	if err := e.scheduleStats(); err != nil {
		_ = e.poller.Stop(ctx)
		return err
	}
	if e.ownsSched {
		if err := e.scheduler.Start(ctx); err != nil {
			_ = e.poller.Stop(ctx)
			return err
		}
	}
	e.running = true
	e.logger.WithContext(ctx).Info("event engine started with %d channels", len(e.cfg.Channels))
	return nil
}

func (e *Engine) scheduleStats() error {
	inspector, ok := e.store.(outbox.Inspector)
	if !ok || e.metrics == nil || e.cfg.StatsPeriod <= 0 {
		return nil
	}
	handle, err := e.scheduler.ScheduleEvery(0, e.cfg.StatsPeriod, func(ctx context.Context) error {
		return e.ObserveOutbox(ctx, inspector)
	})
	if err != nil {
		return err
	}
	e.statsHandle = handle
	return nil
}

// ObserveOutbox publishes the current outbox stats to the metrics gauges.
func (e *Engine) ObserveOutbox(ctx context.Context, inspector outbox.Inspector) error {
	if e.metrics == nil {
		return nil
	}
	stats, err := inspector.Stats(ctx)
	if err != nil {
		e.logger.WithContext(ctx).Warn("outbox stats unavailable: %v", err)
		return err
	}
	e.metrics.ObserveOutbox(stats, time.Now())
	return nil
}

// Stop halts polling and waits for scheduled idempotent tasks until ctx is
// done.
func (e *Engine) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs error
	if e.statsHandle != nil {
		e.statsHandle.Cancel()
		e.statsHandle = nil
	}
	if e.poller != nil {
		if err := e.poller.Stop(ctx); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if e.ownsSched && e.running {
		if err := e.scheduler.Stop(ctx); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if e.tasks != nil {
		if err := e.tasks.Close(ctx); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	e.running = false
	e.logger.WithContext(ctx).Info("event engine stopped")
	return errs
}
