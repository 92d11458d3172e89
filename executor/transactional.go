package executor

import (
	"context"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/tx"
)

// TransactionalExecutor runs each handler inside a transaction obtained from
// its manager. With PropagationRequired a handler invoked inside an active
// transaction joins it, and a failure marks that transaction rollback-only.
type TransactionalExecutor struct {
	manager  tx.Manager
	settings settings
}

func NewTransactionalExecutor(manager tx.Manager, opts ...Option) (*TransactionalExecutor, error) {
	if manager == nil {
		return nil, events.NewError(events.ErrTransactionManagerMissing,
			"transactional executor requires a transaction manager", nil, nil)
	}
	return &TransactionalExecutor{
		manager:  manager,
		settings: newSettings(opts),
	}, nil
}

func (e *TransactionalExecutor) Execute(ctx context.Context, ec events.ExecutionContext) (bool, error) {
	return e.settings.execute(ctx, ec, func(ctx context.Context) error {
		return e.invoke(ctx, ec)
	}), nil
}

func (e *TransactionalExecutor) invoke(ctx context.Context, ec events.ExecutionContext) error {
	if e.settings.propagation == PropagationRequired {
		if txn, ok := tx.FromContext(ctx); ok {
			err := events.Protect(func() error { return ec.Invoke(ctx) })
			if err != nil {
				txn.SetRollbackOnly()
			}
			return err
		}
	}
	return e.manager.RunInTransaction(ctx, func(ctx context.Context, _ tx.Transaction) error {
		return ec.Invoke(ctx)
	})
}
