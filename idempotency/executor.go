package idempotency

import (
	"context"
	"fmt"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/executor"
)

// Executor schedules invocations covered by a rule as deduplicated tasks
// and passes every other invocation to the wrapped executor.
type Executor struct {
	next      executor.Executor
	config    *Configuration
	scheduler *TaskScheduler
	logger    events.Logger
}

// ExecutorOption customizes Executor.
type ExecutorOption func(*Executor)

func WithLogger(logger events.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

func NewExecutor(next executor.Executor, config *Configuration, scheduler *TaskScheduler, opts ...ExecutorOption) (*Executor, error) {
	if next == nil {
		return nil, events.NewError(events.ErrInvalidConfig, "idempotent executor requires a wrapped executor", nil, nil)
	}
	if scheduler == nil {
		return nil, events.NewError(events.ErrInvalidConfig, "idempotent executor requires a task scheduler", nil, nil)
	}
	if config == nil {
		config = NewConfiguration()
	}
	e := &Executor{next: next, config: config, scheduler: scheduler}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = events.NormalizeLogger(e.logger)
	return e, nil
}

// Execute reports ok once the task is scheduled or was already scheduled
// for the same key. Key derivation and store failures are returned as
// fatal errors.
func (e *Executor) Execute(ctx context.Context, ec events.ExecutionContext) (bool, error) {
	rule, ok := e.config.Match(ec)
	if !ok {
		return e.next.Execute(ctx, ec)
	}

	eventType := events.TypeName(ec.Event())
	derived, err := rule.Key(ec.Event())
	if err != nil {
		return false, events.NewError(events.ErrTaskScheduling,
			"derive idempotency key", err,
			map[string]any{"handler": ec.HandlerName(), "event_type": eventType})
	}

	task := Task{
		Key:       TaskKey(rule, derived),
		Handler:   ec.HandlerName(),
		Method:    ec.MethodName(),
		EventType: eventType,
	}
	logger := events.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"task_key":   task.Key,
		"handler":    task.Handler,
		"event_type": eventType,
	})

	err = e.scheduler.Schedule(ctx, task, func(ctx context.Context) error {
		ok, err := e.next.Execute(ctx, ec)
		if err != nil {
			return err
		}
		if !ok {
			return events.NewError(events.ErrHandlerFailed,
				fmt.Sprintf("%s.%s failed", ec.HandlerName(), ec.MethodName()), nil, nil)
		}
		return nil
	})
	switch {
	case err == nil:
		logger.Debug("idempotent task scheduled")
		return true, nil
	case events.HasCode(err, events.ErrCodeDuplicateTask):
		logger.Debug("idempotent task already handled")
		return true, nil
	default:
		logger.Error("idempotent task scheduling failed: %v", err)
		return false, err
	}
}
