package publisher

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/dispatcher"
	"github.com/goliatone/go-events/executor"
	"github.com/goliatone/go-events/outbox"
	"github.com/goliatone/go-events/processor"
	"github.com/goliatone/go-events/registry"
	"github.com/goliatone/go-events/tx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type accountOpened struct {
	Name string
}

type inbox struct {
	mu       sync.Mutex
	received []string
}

func (i *inbox) add(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.received = append(i.received, name)
}

func (i *inbox) names() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.received...)
}

func quiet() events.Logger {
	return events.NewFmtLogger(&bytes.Buffer{})
}

// newReceiver wires two handlers recording receipts, plus an optional
// failing handler, behind a transactional executor.
func newReceiver(t *testing.T, mgr tx.Manager, box *inbox, failing bool) events.Receiver {
	t.Helper()
	reg := registry.New(nil)
	for _, name := range []string{"audit", "welcome"} {
		name := name
		require.NoError(t, registry.SubscribeFunc(reg, name, func(_ context.Context, e accountOpened) error {
			box.add(name + ":" + e.Name)
			return nil
		}))
	}
	if failing {
		require.NoError(t, registry.SubscribeFunc(reg, "crm", func(context.Context, accountOpened) error {
			return errors.New("crm unavailable")
		}))
	}
	require.NoError(t, reg.Initialize())

	exec, err := executor.NewTransactionalExecutor(mgr, executor.WithLogger(quiet()))
	require.NoError(t, err)
	return dispatcher.NewReceiver(reg, processor.NewSyncProcessor(exec), dispatcher.WithLogger(quiet()))
}

func TestDirectPublisherDispatchesImmediately(t *testing.T) {
	box := &inbox{}
	pub := NewDirectPublisher(newReceiver(t, tx.NewLocalManager(), box, false), WithLogger(quiet()))

	require.NoError(t, pub.Publish(context.Background(), nil, accountOpened{Name: "X"}))
	assert.ElementsMatch(t, []string{"audit:X", "welcome:X"}, box.names())
}

func TestDirectPublisherHidesHandlerFailures(t *testing.T) {
	box := &inbox{}
	pub := NewDirectPublisher(newReceiver(t, tx.NewLocalManager(), box, true))

	require.NoError(t, pub.Publish(context.Background(), nil, accountOpened{Name: "X"}))
	assert.Len(t, box.names(), 2)

	assert.True(t, events.HasCode(pub.Publish(context.Background(), nil, nil), events.ErrCodeUnknownEventType))
}

func TestTransactionalPublishersRequireTransaction(t *testing.T) {
	box := &inbox{}
	receiver := newReceiver(t, tx.NewLocalManager(), box, false)

	for _, phase := range []Phase{BeforeCommit, AfterCommit} {
		pub, err := NewTransactionalPublisher(receiver, phase)
		require.NoError(t, err)
		assert.Equal(t, phase, pub.Phase())

		err = pub.Publish(context.Background(), nil, accountOpened{Name: "X"})
		assert.True(t, events.HasCode(err, events.ErrCodeNoActiveTransaction), string(phase))

		done := tx.NewLocalManager().Begin()
		require.NoError(t, done.Commit(context.Background()))
		err = pub.Publish(context.Background(), done, accountOpened{Name: "X"})
		assert.True(t, events.HasCode(err, events.ErrCodeNoActiveTransaction), string(phase))
	}
	assert.Empty(t, box.names())

	_, err := NewTransactionalPublisher(receiver, Phase("during_commit"))
	assert.True(t, events.IsConfigurationError(err))
}

func TestAfterCommitPublisherDispatchesOnlyWhenCommitted(t *testing.T) {
	mgr := tx.NewLocalManager()
	box := &inbox{}
	pub, err := NewTransactionalPublisher(newReceiver(t, mgr, box, false), AfterCommit, WithLogger(quiet()))
	require.NoError(t, err)

	err = mgr.RunInTransaction(context.Background(), func(ctx context.Context, txn tx.Transaction) error {
		require.NoError(t, pub.Publish(ctx, txn, accountOpened{Name: "committed"}))
		assert.Empty(t, box.names(), "nothing is dispatched before commit")
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"audit:committed", "welcome:committed"}, box.names())

	err = mgr.RunInTransaction(context.Background(), func(ctx context.Context, txn tx.Transaction) error {
		require.NoError(t, pub.Publish(ctx, txn, accountOpened{Name: "rolled-back"}))
		return errors.New("business rule violated")
	})
	require.Error(t, err)
	assert.Len(t, box.names(), 2, "a rolled back transaction dispatches nothing")
}

func TestBeforeCommitPublisherRunsHandlersInsideTransaction(t *testing.T) {
	mgr := tx.NewLocalManager()
	box := &inbox{}
	pub, err := NewTransactionalPublisher(newReceiver(t, mgr, box, false), BeforeCommit)
	require.NoError(t, err)

	var status tx.Status
	var receivedAtCompletion int
	err = mgr.RunInTransaction(context.Background(), func(ctx context.Context, txn tx.Transaction) error {
		require.NoError(t, pub.Publish(ctx, txn, accountOpened{Name: "X"}))
		assert.Empty(t, box.names())
		txn.OnAfterCompletion(func(_ context.Context, s tx.Status) {
			status = s
			receivedAtCompletion = len(box.names())
		})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, tx.StatusCommitted, status)
	assert.Equal(t, 2, receivedAtCompletion, "handlers ran before the commit completed")
}

func TestBeforeCommitHandlerFailureRollsBackPublisher(t *testing.T) {
	mgr := tx.NewLocalManager()
	box := &inbox{}
	pub, err := NewTransactionalPublisher(newReceiver(t, mgr, box, true), BeforeCommit)
	require.NoError(t, err)

	persisted := false
	err = mgr.RunInTransaction(context.Background(), func(ctx context.Context, txn tx.Transaction) error {
		tx.OnAfterCommit(txn, func(context.Context) { persisted = true })
		return pub.Publish(ctx, txn, accountOpened{Name: "X"})
	})

	require.Error(t, err)
	assert.True(t, events.HasCode(err, events.ErrCodeRollbackOnly))
	assert.False(t, persisted, "the business change must not be persisted")
	assert.Len(t, box.names(), 2, "independent handlers still ran")
}

func TestOutboxPublisherFollowsTransaction(t *testing.T) {
	mgr := tx.NewLocalManager()
	store := outbox.NewMemoryStore()
	pub := NewOutboxPublisher(store, WithLogger(quiet()))

	require.NoError(t, pub.Publish(context.Background(), nil, accountOpened{Name: "no-tx"}))
	require.Len(t, store.Entries(), 1, "without a transaction the row is written immediately")

	err := mgr.RunInTransaction(context.Background(), func(ctx context.Context, txn tx.Transaction) error {
		require.NoError(t, pub.Publish(ctx, txn, accountOpened{Name: "committed"}))
		assert.Len(t, store.Entries(), 1)
		return nil
	})
	require.NoError(t, err)

	err = mgr.RunInTransaction(context.Background(), func(ctx context.Context, txn tx.Transaction) error {
		require.NoError(t, pub.Publish(ctx, txn, accountOpened{Name: "rolled-back"}))
		return errors.New("abort")
	})
	require.Error(t, err)

	entries := store.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, accountOpened{Name: "no-tx"}, entries[0].Event)
	assert.Equal(t, accountOpened{Name: "committed"}, entries[1].Event)
}

func TestOutboxRoundTripReportsPartialFailure(t *testing.T) {
	mgr := tx.NewLocalManager()
	store := outbox.NewMemoryStore()
	box := &inbox{}
	pub := NewOutboxPublisher(store)

	err := mgr.RunInTransaction(context.Background(), func(ctx context.Context, txn tx.Transaction) error {
		return pub.Publish(ctx, txn, accountOpened{Name: "X"})
	})
	require.NoError(t, err)

	poller, err := outbox.NewPoller(store, newReceiver(t, mgr, box, true), outbox.WithPollerLogger(quiet()))
	require.NoError(t, err)
	_, err = poller.PollOnce(context.Background())
	require.NoError(t, err)

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, events.ResultFailedPartially, entries[0].Result)
	assert.ElementsMatch(t, []string{"audit:X", "welcome:X"}, box.names())
}
