package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/runner"
	"go.opentelemetry.io/otel/trace"
)

// Metrics records idempotent task outcomes.
type Metrics interface {
	RecordTask(eventType string, outcome string)
}

const (
	OutcomeScheduled = "scheduled"
	OutcomeDuplicate = "duplicate"
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

type noopMetrics struct{}

func (noopMetrics) RecordTask(string, string) {}

// Work is the unit of work run for a scheduled task.
type Work func(ctx context.Context) error

type pendingTask struct {
	ctx  context.Context
	task Task
	work Work
}

// TaskScheduler records tasks in a TaskStore and runs them in the
// background with retries. With ordering enabled, tasks of one event type
// run one at a time in submission order.
type TaskScheduler struct {
	store      TaskStore
	runnerOpts []runner.Option
	ordered    bool
	queueSize  int
	logger     events.Logger
	metrics    Metrics

	gate    sync.RWMutex
	closed  bool
	mu      sync.Mutex
	queues  map[string]chan pendingTask
	running sync.WaitGroup
	workers sync.WaitGroup
}

// SchedulerOption customizes TaskScheduler.
type SchedulerOption func(*TaskScheduler)

// WithOrderedByEventType serializes tasks per event type.
func WithOrderedByEventType(ordered bool) SchedulerOption {
	return func(s *TaskScheduler) {
		s.ordered = ordered
	}
}

// WithQueueSize bounds each per event type queue. Schedule blocks while
// the queue is full.
func WithQueueSize(size int) SchedulerOption {
	return func(s *TaskScheduler) {
		if size > 0 {
			s.queueSize = size
		}
	}
}

// WithMaxRetries sets how often a failing task is retried with
// exponential backoff.
func WithMaxRetries(retries int) SchedulerOption {
	return func(s *TaskScheduler) {
		s.runnerOpts = append(s.runnerOpts, runner.WithMaxRetries(retries))
	}
}

// WithRunnerOptions adds task execution options such as timeouts or a
// custom retry strategy.
func WithRunnerOptions(opts ...runner.Option) SchedulerOption {
	return func(s *TaskScheduler) {
		s.runnerOpts = append(s.runnerOpts, opts...)
	}
}

func WithSchedulerLogger(logger events.Logger) SchedulerOption {
	return func(s *TaskScheduler) {
		s.logger = logger
	}
}

func WithSchedulerMetrics(metrics Metrics) SchedulerOption {
	return func(s *TaskScheduler) {
		s.metrics = metrics
	}
}

func NewTaskScheduler(store TaskStore, opts ...SchedulerOption) (*TaskScheduler, error) {
	if store == nil {
		return nil, events.NewError(events.ErrInvalidConfig, "task scheduler requires a task store", nil, nil)
	}
	s := &TaskScheduler{
		store: store,
		runnerOpts: []runner.Option{
			runner.WithMaxRetries(3),
			runner.WithRetryStrategy(runner.ExponentialBackoffStrategy{
				Base:   100 * time.Millisecond,
				Factor: 2,
				Max:    5 * time.Second,
			}),
		},
		queueSize: 256,
		queues:    make(map[string]chan pendingTask),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = events.NormalizeLogger(s.logger)
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	return s, nil
}

// Schedule inserts task and runs work in the background. A key that is
// already present yields events.ErrDuplicateTask and work is not run.
// Other store failures are wrapped in events.ErrTaskScheduling.
func (s *TaskScheduler) Schedule(ctx context.Context, task Task, work Work) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if work == nil {
		return events.NewError(events.ErrTaskScheduling, "task work cannot be nil", nil,
			map[string]any{"task_key": task.Key})
	}

	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.closed {
		return events.NewError(events.ErrTaskScheduling, "task scheduler is closed", nil,
			map[string]any{"task_key": task.Key})
	}

	if err := s.store.Insert(ctx, task); err != nil {
		if events.HasCode(err, events.ErrCodeDuplicateTask) {
			s.metrics.RecordTask(task.EventType, OutcomeDuplicate)
			return err
		}
		return events.NewError(events.ErrTaskScheduling,
			fmt.Sprintf("schedule task %s", task.Key), err,
			map[string]any{"task_key": task.Key})
	}
	s.metrics.RecordTask(task.EventType, OutcomeScheduled)

	pending := pendingTask{ctx: detach(ctx), task: task, work: work}
	s.running.Add(1)
	if !s.ordered {
		go s.run(pending)
		return nil
	}

	queue := s.queue(task.EventType)
	select {
	case queue <- pending:
		return nil
	case <-ctx.Done():
		s.running.Done()
		return events.NewError(events.ErrTaskScheduling,
			fmt.Sprintf("task %s stored but not queued", task.Key), ctx.Err(),
			map[string]any{"task_key": task.Key})
	}
}

func (s *TaskScheduler) queue(eventType string) chan pendingTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue, ok := s.queues[eventType]
	if ok {
		return queue
	}
	queue = make(chan pendingTask, s.queueSize)
	s.queues[eventType] = queue
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		for pending := range queue {
			s.run(pending)
		}
	}()
	return queue
}

func (s *TaskScheduler) run(pending pendingTask) {
	defer s.running.Done()
	task := pending.task
	logger := events.WithLoggerFields(s.logger.WithContext(pending.ctx), map[string]any{
		"task_key":   task.Key,
		"handler":    task.Handler,
		"method":     task.Method,
		"event_type": task.EventType,
	})

	attempts := 0
	h := runner.NewHandler(append([]runner.Option{runner.WithLogger(s.logger)}, s.runnerOpts...)...)
	err := h.Run(pending.ctx, func(ctx context.Context) error {
		attempts++
		return pending.work(ctx)
	})

	// Outcomes are recorded even when the run context was canceled.
	storeCtx := context.Background()
	if err != nil {
		logger.Error("idempotent task failed after %d attempts: %v", attempts, err)
		s.metrics.RecordTask(task.EventType, OutcomeFailed)
		if storeErr := s.store.Fail(storeCtx, task.Key, attempts, err); storeErr != nil {
			logger.Error("recording task failure failed: %v", storeErr)
		}
		return
	}
	s.metrics.RecordTask(task.EventType, OutcomeCompleted)
	if storeErr := s.store.Complete(storeCtx, task.Key, attempts); storeErr != nil {
		logger.Error("recording task completion failed: %v", storeErr)
	}
}

// Wait blocks until every scheduled task has finished.
func (s *TaskScheduler) Wait() {
	s.running.Wait()
}

// Close stops accepting tasks and waits for queued ones until ctx is done.
func (s *TaskScheduler) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.gate.Lock()
	if s.closed {
		s.gate.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Lock()
	for _, queue := range s.queues {
		close(queue)
	}
	s.mu.Unlock()
	s.gate.Unlock()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// detach keeps the trace of ctx but none of its values or cancellation.
// Tasks outlive the dispatch that scheduled them and must never join its
// transaction.
func detach(ctx context.Context) context.Context {
	detached := context.Background()
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		detached = trace.ContextWithSpanContext(detached, sc)
	}
	return detached
}
