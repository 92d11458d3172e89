package tx

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PgxTxProvider is implemented by transactions backed by pgx.
type PgxTxProvider interface {
	PgxTx() pgx.Tx
}

// PgxBeginner is satisfied by *pgxpool.Pool and *pgx.Conn.
type PgxBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PgxTransaction wraps a pgx.Tx.
type PgxTransaction struct {
	Synchronizations
	tx pgx.Tx
}

func (t *PgxTransaction) PgxTx() pgx.Tx { return t.tx }

// PgxManager opens transactions through the pgx driver.
type PgxManager struct {
	db   PgxBeginner
	opts pgx.TxOptions
}

// PgxOption customizes PgxManager.
type PgxOption func(*PgxManager)

// WithPgxTxOptions sets the options used for every transaction.
func WithPgxTxOptions(opts pgx.TxOptions) PgxOption {
	return func(m *PgxManager) {
		m.opts = opts
	}
}

func NewPgxManager(db PgxBeginner, opts ...PgxOption) *PgxManager {
	m := &PgxManager{db: db}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *PgxManager) RunInTransaction(ctx context.Context, fn func(ctx context.Context, txn Transaction) error) error {
	if m == nil || m.db == nil {
		return fmt.Errorf("pgx transaction manager not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pgTx, err := m.db.BeginTx(ctx, m.opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	txn := &PgxTransaction{tx: pgTx}
	return Execute(ctx, txn, &txn.Synchronizations,
		pgTx.Commit,
		pgTx.Rollback,
		fn,
	)
}
