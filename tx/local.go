package tx

import (
	"context"
	"sync/atomic"
)

// LocalTransaction has no backing resource, it only drives callbacks.
type LocalTransaction struct {
	Synchronizations
	id int64
}

// ID identifies the transaction within its manager.
func (t *LocalTransaction) ID() int64 { return t.id }

// LocalManager runs in-process transactions for in-memory stores and tests.
type LocalManager struct {
	seq atomic.Int64
}

func NewLocalManager() *LocalManager {
	return &LocalManager{}
}

// Begin opens a transaction the caller completes with Commit or Rollback.
func (m *LocalManager) Begin() *LocalTransaction {
	return &LocalTransaction{id: m.seq.Add(1)}
}

func (m *LocalManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context, txn Transaction) error) error {
	txn := m.Begin()
	noop := func(context.Context) error { return nil }
	return Execute(ctx, txn, &txn.Synchronizations, noop, noop, fn)
}

// Commit completes a transaction opened with Begin, running callbacks.
func (t *LocalTransaction) Commit(ctx context.Context) error {
	noop := func(context.Context) error { return nil }
	return Execute(ctx, t, &t.Synchronizations, noop, noop, func(context.Context, Transaction) error { return nil })
}

// Rollback completes a transaction opened with Begin as rolled back.
func (t *LocalTransaction) Rollback(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !t.Active() {
		return
	}
	t.complete(ctx, StatusRolledBack)
}
