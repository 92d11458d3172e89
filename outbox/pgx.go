package outbox

import (
	"context"
	"fmt"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/tx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxConn is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type PgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgxStore persists entries with pgx. Inserts join the caller's transaction
// when it is a tx.PgxTxProvider.
type PgxStore struct {
	db PgxConn
	pg postgres
}

func NewPgxStore(db PgxConn, codec *Codec, opts ...PostgresOption) (*PgxStore, error) {
	if db == nil {
		return nil, events.NewError(events.ErrInvalidConfig, "pgx outbox requires a connection", nil, nil)
	}
	pg, err := newPostgres(codec, opts)
	if err != nil {
		return nil, err
	}
	return &PgxStore{db: db, pg: pg}, nil
}

// EnsureSchema creates the outbox table and its pending index.
func (s *PgxStore) EnsureSchema(ctx context.Context) error {
	return s.pg.ensureSchema(ctx, pgxConn{s.db})
}

func (s *PgxStore) Insert(ctx context.Context, txn tx.Transaction, event any) (Entry, error) {
	c, err := s.connFor(txn)
	if err != nil {
		return Entry{}, err
	}
	return s.pg.insert(ctx, c, event)
}

func (s *PgxStore) FetchBatch(ctx context.Context, size int) (Batch, error) {
	return s.pg.fetchBatch(ctx, pgxConn{s.db}, size)
}

func (s *PgxStore) MarkSent(ctx context.Context, batch Batch) error {
	return s.pg.markSent(ctx, pgxConn{s.db}, batch)
}

func (s *PgxStore) MarkResult(ctx context.Context, entryID string, result events.ProcessingResult) error {
	return s.pg.markResult(ctx, pgxConn{s.db}, entryID, result)
}

func (s *PgxStore) Release(ctx context.Context, entryIDs []string) error {
	return s.pg.release(ctx, pgxConn{s.db}, entryIDs)
}

func (s *PgxStore) List(ctx context.Context, filter Filter) ([]Entry, error) {
	return s.pg.list(ctx, pgxConn{s.db}, filter)
}

func (s *PgxStore) Stats(ctx context.Context) (Stats, error) {
	return s.pg.stats(ctx, pgxConn{s.db})
}

func (s *PgxStore) Requeue(ctx context.Context, entryIDs []string) ([]Entry, error) {
	return s.pg.requeue(ctx, pgxConn{s.db}, entryIDs)
}

func (s *PgxStore) connFor(txn tx.Transaction) (conn, error) {
	if txn == nil {
		return pgxConn{s.db}, nil
	}
	if !txn.Active() {
		return nil, events.NewError(events.ErrNoActiveTransaction, "transaction already completed", nil, nil)
	}
	provider, ok := txn.(tx.PgxTxProvider)
	if !ok || provider.PgxTx() == nil {
		return nil, events.NewError(events.ErrIncompatibleTransaction,
			"pgx outbox requires a pgx transaction", nil,
			map[string]any{"transaction": typeOf(txn)})
	}
	return pgxConn{provider.PgxTx()}, nil
}

type pgxConn struct {
	db PgxConn
}

func (c pgxConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c pgxConn) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func typeOf(v any) string {
	return fmt.Sprintf("%T", v)
}
