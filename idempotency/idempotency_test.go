package idempotency

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/executor"
	"github.com/goliatone/go-events/runner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type paymentSettled struct {
	PaymentID string
	Amount    int
}

type refundIssued struct {
	RefundID string
}

func quiet() events.Logger {
	return events.NewFmtLogger(&bytes.Buffer{})
}

func settledContext(handler string, event paymentSettled, fn func(context.Context) error) events.ExecutionContext {
	return events.NewServiceExecutionContext(handler, "OnSettled", struct{}{}, event, fn)
}

func paymentKey(e paymentSettled) (string, error) {
	return e.PaymentID, nil
}

type recordedTasks struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (r *recordedTasks) RecordTask(_ string, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = make(map[string]int)
	}
	r.outcomes[outcome]++
}

func (r *recordedTasks) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[outcome]
}

func newTestExecutor(t *testing.T, store TaskStore, opts ...SchedulerOption) (*Executor, *TaskScheduler) {
	t.Helper()
	config := NewConfiguration()
	require.NoError(t, AddRule(config, "ledger", "OnSettled", paymentKey))

	opts = append([]SchedulerOption{
		WithSchedulerLogger(quiet()),
		WithRunnerOptions(runner.WithRetryStrategy(runner.NoDelayStrategy{})),
	}, opts...)
	scheduler, err := NewTaskScheduler(store, opts...)
	require.NoError(t, err)

	exec, err := NewExecutor(executor.NewDirectExecutor(executor.WithLogger(quiet())), config, scheduler, WithLogger(quiet()))
	require.NoError(t, err)
	return exec, scheduler
}

func TestConfigurationValidatesAndMatches(t *testing.T) {
	config := NewConfiguration()
	require.NoError(t, AddRule(config, "ledger", "OnSettled", paymentKey))
	require.NoError(t, AddRule(config, "notifier", "", func(e paymentSettled) (string, error) { return e.PaymentID, nil }))

	err := AddRule(config, "ledger", "OnSettled", paymentKey)
	assert.True(t, events.IsConfigurationError(err), "duplicate rule")
	assert.True(t, events.IsConfigurationError(config.Add(Rule{Handler: "x", EventType: "y"})), "missing key")
	assert.True(t, events.IsConfigurationError(AddRule[paymentSettled](config, "", "m", paymentKey)), "missing handler")

	event := paymentSettled{PaymentID: "p-1"}
	rule, ok := config.Match(settledContext("ledger", event, nil))
	require.True(t, ok)
	assert.Equal(t, "idempotency::payment_settled", rule.EventType)
	key, err := rule.Key(event)
	require.NoError(t, err)
	assert.Equal(t, "p-1", key)
	assert.Equal(t, "ledger.OnSettled:idempotency::payment_settled:p-1", TaskKey(rule, key))

	rule, ok = config.Match(events.NewServiceExecutionContext("notifier", "AnyMethod", struct{}{}, event, nil))
	require.True(t, ok, "an empty method matches every method")
	assert.Equal(t, "notifier.*:idempotency::payment_settled:p-1", TaskKey(rule, "p-1"))

	_, ok = config.Match(events.NewServiceExecutionContext("ledger", "OnSettled", struct{}{}, refundIssued{}, nil))
	assert.False(t, ok)
	assert.Len(t, config.Rules(), 2)
}

func TestExecutorPassesThroughWithoutRule(t *testing.T) {
	exec, scheduler := newTestExecutor(t, NewMemoryTaskStore())

	called := false
	ok, err := exec.Execute(context.Background(), settledContext("reporting", paymentSettled{PaymentID: "p"}, func(context.Context) error {
		called = true
		return nil
	}))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, called, "unmatched handlers run inline")
	scheduler.Wait()
}

func TestExecutorRunsDuplicateKeysOnce(t *testing.T) {
	store := NewMemoryTaskStore()
	metrics := &recordedTasks{}
	exec, scheduler := newTestExecutor(t, store, WithSchedulerMetrics(metrics))

	var effects atomic.Int32
	deliver := func(amount int) {
		ok, err := exec.Execute(context.Background(), settledContext("ledger", paymentSettled{PaymentID: "p-7", Amount: amount}, func(context.Context) error {
			effects.Add(1)
			return nil
		}))
		require.NoError(t, err)
		assert.True(t, ok)
	}
	deliver(10)
	deliver(10)
	scheduler.Wait()

	assert.Equal(t, int32(1), effects.Load(), "the business effect is observed exactly once")
	assert.Equal(t, 1, metrics.count(OutcomeScheduled))
	assert.Equal(t, 1, metrics.count(OutcomeDuplicate))
	assert.Equal(t, 1, metrics.count(OutcomeCompleted))

	task, found, err := store.Get(context.Background(), "ledger.OnSettled:idempotency::payment_settled:p-7")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, TaskCompleted, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Equal(t, "ledger", task.Handler)
}

func TestExecutorRetriesFailingTasks(t *testing.T) {
	store := NewMemoryTaskStore()
	exec, scheduler := newTestExecutor(t, store, WithMaxRetries(2))

	var calls atomic.Int32
	ok, err := exec.Execute(context.Background(), settledContext("ledger", paymentSettled{PaymentID: "p-9"}, func(context.Context) error {
		calls.Add(1)
		return errors.New("ledger locked")
	}))
	require.NoError(t, err)
	assert.True(t, ok, "scheduling succeeded even though the task will fail")
	scheduler.Wait()

	assert.Equal(t, int32(3), calls.Load())
	tasks := store.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, TaskFailed, tasks[0].Status)
	assert.Equal(t, 3, tasks[0].Attempts)
	assert.NotEmpty(t, tasks[0].Error)
}

type brokenStore struct {
	*MemoryTaskStore
}

func (brokenStore) Insert(context.Context, Task) error {
	return errors.New("connection reset")
}

func TestExecutorSurfacesSchedulingFailures(t *testing.T) {
	exec, _ := newTestExecutor(t, brokenStore{NewMemoryTaskStore()})

	ok, err := exec.Execute(context.Background(), settledContext("ledger", paymentSettled{PaymentID: "p"}, func(context.Context) error {
		t.Fatal("handler must not run when the task cannot be stored")
		return nil
	}))
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, events.HasCode(err, events.ErrCodeTaskScheduling))
}

func TestExecutorSurfacesKeyDerivationFailures(t *testing.T) {
	config := NewConfiguration()
	require.NoError(t, AddRule(config, "ledger", "OnSettled", func(paymentSettled) (string, error) {
		return "", errors.New("payment id missing")
	}))
	scheduler, err := NewTaskScheduler(NewMemoryTaskStore())
	require.NoError(t, err)
	exec, err := NewExecutor(executor.NewDirectExecutor(), config, scheduler)
	require.NoError(t, err)

	ok, err := exec.Execute(context.Background(), settledContext("ledger", paymentSettled{}, func(context.Context) error { return nil }))
	assert.False(t, ok)
	assert.True(t, events.HasCode(err, events.ErrCodeTaskScheduling))
}

func TestSchedulerOrdersTasksPerEventType(t *testing.T) {
	scheduler, err := NewTaskScheduler(NewMemoryTaskStore(), WithOrderedByEventType(true), WithSchedulerLogger(quiet()))
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	var active, peak atomic.Int32
	for _, key := range []string{"1", "2", "3", "4", "5"} {
		key := key
		err := scheduler.Schedule(context.Background(), Task{Key: key, EventType: "payments"}, func(context.Context) error {
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			order = append(order, key)
			mu.Unlock()
			active.Add(-1)
			return nil
		})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, scheduler.Close(ctx))

	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, order)
	assert.Equal(t, int32(1), peak.Load())

	err = scheduler.Schedule(context.Background(), Task{Key: "late"}, func(context.Context) error { return nil })
	assert.True(t, events.HasCode(err, events.ErrCodeTaskScheduling))
}

func TestNewExecutorValidatesCollaborators(t *testing.T) {
	scheduler, err := NewTaskScheduler(NewMemoryTaskStore())
	require.NoError(t, err)

	_, err = NewExecutor(nil, nil, scheduler)
	assert.True(t, events.IsConfigurationError(err))
	_, err = NewExecutor(executor.NewDirectExecutor(), nil, nil)
	assert.True(t, events.IsConfigurationError(err))
	_, err = NewTaskScheduler(nil)
	assert.True(t, events.IsConfigurationError(err))
}
