package executor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/runner"
	"github.com/goliatone/go-events/tx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type paymentCaptured struct {
	ID string
}

func serviceContext(event any, fn func(ctx context.Context) error) events.ExecutionContext {
	return events.NewServiceExecutionContext("billing", "OnCaptured", struct{}{}, event, fn)
}

type recordedExecution struct {
	eventType string
	ok        bool
}

type fakeRecorder struct {
	records []recordedExecution
}

func (r *fakeRecorder) RecordExecution(eventType, _, _ string, ok bool, _ time.Duration) {
	r.records = append(r.records, recordedExecution{eventType: eventType, ok: ok})
}

func TestDirectExecutorReportsOutcome(t *testing.T) {
	buf := &bytes.Buffer{}
	recorder := &fakeRecorder{}
	var hooks []string

	exec := NewDirectExecutor(
		WithLogger(events.NewFmtLogger(buf)),
		WithRecorder(recorder),
		WithBeforeExecution(func(context.Context, events.ExecutionContext) { hooks = append(hooks, "before") }),
		WithAfterExecution(func(_ context.Context, _ events.ExecutionContext, ok bool) {
			if ok {
				hooks = append(hooks, "after:ok")
			} else {
				hooks = append(hooks, "after:failed")
			}
		}),
	)

	ok, err := exec.Execute(context.Background(), serviceContext(paymentCaptured{ID: "p1"}, func(context.Context) error { return nil }))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = exec.Execute(context.Background(), serviceContext(paymentCaptured{ID: "p2"}, func(context.Context) error {
		return errors.New("gateway down")
	}))
	require.NoError(t, err, "handler failures are never returned")
	assert.False(t, ok)

	assert.Equal(t, []string{"before", "after:ok", "before", "after:failed"}, hooks)
	require.Len(t, recorder.records, 2)
	assert.Equal(t, "executor::payment_captured", recorder.records[0].eventType)
	assert.False(t, recorder.records[1].ok)
	assert.True(t, strings.Contains(buf.String(), "gateway down"))
	assert.True(t, strings.Contains(buf.String(), "handler=billing"))
}

func TestDirectExecutorCatchesPanics(t *testing.T) {
	exec := NewDirectExecutor(WithLogger(events.NewFmtLogger(&bytes.Buffer{})))

	ok, err := exec.Execute(context.Background(), serviceContext(paymentCaptured{}, func(context.Context) error {
		panic("unexpected")
	}))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDirectExecutorAppliesRetryPolicy(t *testing.T) {
	exec := NewDirectExecutor(
		WithLogger(events.NewFmtLogger(&bytes.Buffer{})),
		WithRunner(runner.NewHandler(runner.WithMaxRetries(2))),
	)

	calls := 0
	ok, _ := exec.Execute(context.Background(), serviceContext(paymentCaptured{}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	}))
	assert.True(t, ok)
	assert.Equal(t, 3, calls)
}

func TestTransactionalExecutorRequiresManager(t *testing.T) {
	_, err := NewTransactionalExecutor(nil)
	require.Error(t, err)
	assert.True(t, events.IsConfigurationError(err))
}

func TestTransactionalExecutorOpensTransactionPerInvocation(t *testing.T) {
	mgr := tx.NewLocalManager()
	exec, err := NewTransactionalExecutor(mgr, WithLogger(events.NewFmtLogger(&bytes.Buffer{})))
	require.NoError(t, err)

	var status tx.Status
	ok, err := exec.Execute(context.Background(), serviceContext(paymentCaptured{}, func(ctx context.Context) error {
		txn, found := tx.FromContext(ctx)
		require.True(t, found, "handler must run inside a transaction")
		txn.OnAfterCompletion(func(_ context.Context, s tx.Status) { status = s })
		return nil
	}))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, tx.StatusCommitted, status)

	ok, _ = exec.Execute(context.Background(), serviceContext(paymentCaptured{}, func(ctx context.Context) error {
		txn, _ := tx.FromContext(ctx)
		txn.OnAfterCompletion(func(_ context.Context, s tx.Status) { status = s })
		return errors.New("constraint violated")
	}))
	assert.False(t, ok)
	assert.Equal(t, tx.StatusRolledBack, status)
}

func TestTransactionalExecutorJoinsAmbientTransaction(t *testing.T) {
	mgr := tx.NewLocalManager()
	exec, err := NewTransactionalExecutor(mgr, WithLogger(events.NewFmtLogger(&bytes.Buffer{})))
	require.NoError(t, err)

	err = mgr.RunInTransaction(context.Background(), func(ctx context.Context, outer tx.Transaction) error {
		ok, execErr := exec.Execute(ctx, serviceContext(paymentCaptured{}, func(inner context.Context) error {
			joined, found := tx.FromContext(inner)
			require.True(t, found)
			assert.Same(t, outer, joined)
			return errors.New("reject")
		}))
		require.NoError(t, execErr)
		assert.False(t, ok)
		assert.True(t, outer.RollbackOnly())
		return nil
	})

	require.Error(t, err, "a failed joined handler aborts the outer commit")
	assert.True(t, events.HasCode(err, events.ErrCodeRollbackOnly))
}

func TestTransactionalExecutorRequiresNew(t *testing.T) {
	mgr := tx.NewLocalManager()
	exec, err := NewTransactionalExecutor(mgr,
		WithPropagation(PropagationRequiresNew),
		WithLogger(events.NewFmtLogger(&bytes.Buffer{})),
	)
	require.NoError(t, err)

	err = mgr.RunInTransaction(context.Background(), func(ctx context.Context, outer tx.Transaction) error {
		ok, _ := exec.Execute(ctx, serviceContext(paymentCaptured{}, func(inner context.Context) error {
			current, _ := tx.FromContext(inner)
			assert.NotSame(t, outer, current)
			return errors.New("isolated failure")
		}))
		assert.False(t, ok)
		assert.False(t, outer.RollbackOnly())
		return nil
	})
	require.NoError(t, err)
}
