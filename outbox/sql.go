package outbox

import (
	"context"
	"database/sql"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/tx"
)

// SQLStore persists entries with database/sql. Inserts join the caller's
// transaction when it is a tx.SQLTxProvider.
type SQLStore struct {
	db *sql.DB
	pg postgres
}

func NewSQLStore(db *sql.DB, codec *Codec, opts ...PostgresOption) (*SQLStore, error) {
	if db == nil {
		return nil, events.NewError(events.ErrInvalidConfig, "sql outbox requires a database handle", nil, nil)
	}
	pg, err := newPostgres(codec, opts)
	if err != nil {
		return nil, err
	}
	return &SQLStore{db: db, pg: pg}, nil
}

// EnsureSchema creates the outbox table and its pending index.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	return s.pg.ensureSchema(ctx, sqlConn{s.db})
}

func (s *SQLStore) Insert(ctx context.Context, txn tx.Transaction, event any) (Entry, error) {
	c, err := s.connFor(txn)
	if err != nil {
		return Entry{}, err
	}
	return s.pg.insert(ctx, c, event)
}

func (s *SQLStore) FetchBatch(ctx context.Context, size int) (Batch, error) {
	return s.pg.fetchBatch(ctx, sqlConn{s.db}, size)
}

func (s *SQLStore) MarkSent(ctx context.Context, batch Batch) error {
	return s.pg.markSent(ctx, sqlConn{s.db}, batch)
}

func (s *SQLStore) MarkResult(ctx context.Context, entryID string, result events.ProcessingResult) error {
	return s.pg.markResult(ctx, sqlConn{s.db}, entryID, result)
}

func (s *SQLStore) Release(ctx context.Context, entryIDs []string) error {
	return s.pg.release(ctx, sqlConn{s.db}, entryIDs)
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	return s.pg.list(ctx, sqlConn{s.db}, filter)
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	return s.pg.stats(ctx, sqlConn{s.db})
}

func (s *SQLStore) Requeue(ctx context.Context, entryIDs []string) ([]Entry, error) {
	return s.pg.requeue(ctx, sqlConn{s.db}, entryIDs)
}

func (s *SQLStore) connFor(txn tx.Transaction) (conn, error) {
	if txn == nil {
		return sqlConn{s.db}, nil
	}
	if !txn.Active() {
		return nil, events.NewError(events.ErrNoActiveTransaction, "transaction already completed", nil, nil)
	}
	provider, ok := txn.(tx.SQLTxProvider)
	if !ok || provider.SQLTx() == nil {
		return nil, events.NewError(events.ErrIncompatibleTransaction,
			"sql outbox requires a database/sql transaction", nil,
			map[string]any{"transaction": typeOf(txn)})
	}
	return sqlConn{provider.SQLTx()}, nil
}

type sqlQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqlConn struct {
	db sqlQueryer
}

func (c sqlConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c sqlConn) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{r}, nil
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }
