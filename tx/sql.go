package tx

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLTxProvider is implemented by transactions backed by database/sql.
type SQLTxProvider interface {
	SQLTx() *sql.Tx
}

// SQLTransaction wraps a *sql.Tx.
type SQLTransaction struct {
	Synchronizations
	tx *sql.Tx
}

func (t *SQLTransaction) SQLTx() *sql.Tx { return t.tx }

// SQLManager opens database/sql transactions.
type SQLManager struct {
	db   *sql.DB
	opts *sql.TxOptions
}

// SQLOption customizes SQLManager.
type SQLOption func(*SQLManager)

// WithSQLTxOptions sets isolation and read-only flags for new transactions.
func WithSQLTxOptions(opts *sql.TxOptions) SQLOption {
	return func(m *SQLManager) {
		m.opts = opts
	}
}

func NewSQLManager(db *sql.DB, opts ...SQLOption) *SQLManager {
	m := &SQLManager{db: db}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *SQLManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context, txn Transaction) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("sql transaction manager not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sqlTx, err := m.db.BeginTx(ctx, m.opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txn := &SQLTransaction{tx: sqlTx}
	return Execute(ctx, txn, &txn.Synchronizations,
		func(context.Context) error { return sqlTx.Commit() },
		func(context.Context) error { return sqlTx.Rollback() },
		fn,
	)
}
