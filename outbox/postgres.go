package outbox

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	events "github.com/goliatone/go-events"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
)

// DefaultTable is the outbox table used when none is configured.
const DefaultTable = "event_outbox"

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

const entryColumns = `seq, id::text, event_type, payload::text, inserted_at,
	COALESCE(batch_id::text, ''), COALESCE(processing_result, ''), resolved_at,
	traceparent, tracestate`

// queries holds the Postgres statements for one outbox table.
type queries struct {
	schema     []string
	insert     string
	claim      string
	markSent   string
	markResult string
	release    string
	list       string
	stats      string
	requeue    string
}

func newQueries(table string) (queries, error) {
	if table == "" {
		table = DefaultTable
	}
	if !tableNamePattern.MatchString(table) {
		return queries{}, events.NewError(events.ErrInvalidConfig,
			fmt.Sprintf("invalid outbox table name %q", table), nil, map[string]any{"table": table})
	}
	index := strings.ReplaceAll(table, ".", "_") + "_pending_idx"

	return queries{
		schema: []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq BIGSERIAL PRIMARY KEY,
	id UUID NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	payload JSONB NOT NULL,
	inserted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	batch_id UUID NULL,
	processing_result TEXT NULL,
	resolved_at TIMESTAMPTZ NULL,
	traceparent TEXT NOT NULL DEFAULT '',
	tracestate TEXT NOT NULL DEFAULT ''
)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (seq)
	WHERE batch_id IS NULL AND processing_result IS NULL`, index, table),
		},
		insert: fmt.Sprintf(`INSERT INTO %s (id, event_type, payload, traceparent, tracestate)
	VALUES ($1::uuid, $2, $3::jsonb, $4, $5)
	RETURNING %s`, table, entryColumns),
		claim: fmt.Sprintf(`UPDATE %[1]s SET batch_id = $1::uuid
	WHERE seq IN (
		SELECT seq FROM %[1]s
		WHERE batch_id IS NULL AND processing_result IS NULL
		ORDER BY seq
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	)
	RETURNING %[2]s`, table, entryColumns),
		markSent: fmt.Sprintf(`UPDATE %s SET processing_result = 'OK', resolved_at = now()
	WHERE batch_id = $1::uuid AND processing_result IS NULL`, table),
		markResult: fmt.Sprintf(`UPDATE %s SET processing_result = $2, resolved_at = now()
	WHERE id = $1::uuid AND processing_result IS NULL`, table),
		release: fmt.Sprintf(`UPDATE %s SET batch_id = NULL
	WHERE id = $1::uuid AND processing_result IS NULL`, table),
		list: fmt.Sprintf(`SELECT %s FROM %s
	WHERE ($1::text = '' OR processing_result = $1::text)
		AND (NOT $2::boolean OR processing_result IS NULL)
	ORDER BY seq
	LIMIT $3`, entryColumns, table),
		stats: fmt.Sprintf(`SELECT
	count(*) FILTER (WHERE processing_result IS NULL AND batch_id IS NULL),
	count(*) FILTER (WHERE processing_result IS NULL AND batch_id IS NOT NULL),
	count(*) FILTER (WHERE processing_result = 'OK'),
	count(*) FILTER (WHERE processing_result = 'FAILED'),
	count(*) FILTER (WHERE processing_result = 'FAILED_PARTIALLY'),
	min(inserted_at) FILTER (WHERE processing_result IS NULL)
	FROM %s`, table),
		requeue: fmt.Sprintf(`INSERT INTO %[1]s (id, event_type, payload, traceparent, tracestate)
	SELECT $1::uuid, event_type, payload, traceparent, tracestate FROM %[1]s
	WHERE id = $2::uuid AND processing_result IN ('FAILED', 'FAILED_PARTIALLY')
	RETURNING %[2]s`, table, entryColumns),
	}, nil
}

// conn is the subset of database/sql and pgx shared by the Postgres stores.
type conn interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	query(ctx context.Context, query string, args ...any) (rows, error)
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// postgres implements the outbox statements against any conn.
type postgres struct {
	table      string
	q          queries
	codec      *Codec
	propagator propagation.TextMapPropagator
	listLimit  int
}

func newPostgres(codec *Codec, opts []PostgresOption) (postgres, error) {
	if codec == nil {
		return postgres{}, events.NewError(events.ErrInvalidConfig,
			"postgres outbox requires a codec", nil, nil)
	}
	p := postgres{
		table:      DefaultTable,
		codec:      codec,
		propagator: propagation.TraceContext{},
		listLimit:  100,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	q, err := newQueries(p.table)
	if err != nil {
		return postgres{}, err
	}
	p.q = q
	return p, nil
}

// SchemaStatements returns the DDL creating the outbox table and its
// pending index.
func SchemaStatements(table string) ([]string, error) {
	q, err := newQueries(table)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), q.schema...), nil
}

func (p postgres) ensureSchema(ctx context.Context, c conn) error {
	for _, stmt := range p.q.schema {
		if _, err := c.exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure outbox schema: %w", err)
		}
	}
	return nil
}

func (p postgres) insert(ctx context.Context, c conn, event any) (Entry, error) {
	if events.IsNilEvent(event) {
		return Entry{}, events.NewError(events.ErrUnknownEventType, "cannot store a nil event", nil, nil)
	}
	eventType, payload, err := p.codec.Encode(event)
	if err != nil {
		return Entry{}, err
	}
	traceParent, traceState := injectTrace(ctx, p.propagator)

	entries, err := p.queryEntries(ctx, c, p.q.insert, uuid.NewString(), eventType, string(payload), traceParent, traceState)
	if err != nil {
		return Entry{}, fmt.Errorf("insert outbox entry: %w", err)
	}
	if len(entries) != 1 {
		return Entry{}, fmt.Errorf("insert outbox entry: expected one row, got %d", len(entries))
	}
	entries[0].Event = event
	return entries[0], nil
}

func (p postgres) fetchBatch(ctx context.Context, c conn, size int) (Batch, error) {
	batch := Batch{ID: uuid.NewString()}
	entries, err := p.queryEntries(ctx, c, p.q.claim, batch.ID, normalizeLimit(size, 1))
	if err != nil {
		return Batch{}, fmt.Errorf("claim outbox batch: %w", err)
	}
	batch.Entries = entries
	return batch, nil
}

func (p postgres) markSent(ctx context.Context, c conn, batch Batch) error {
	if batch.ID == "" {
		return nil
	}
	if _, err := c.exec(ctx, p.q.markSent, batch.ID); err != nil {
		return fmt.Errorf("mark outbox batch %s sent: %w", batch.ID, err)
	}
	return nil
}

func (p postgres) markResult(ctx context.Context, c conn, entryID string, result events.ProcessingResult) error {
	if !result.Valid() {
		return invalidResult(entryID, result)
	}
	if _, err := c.exec(ctx, p.q.markResult, entryID, string(result)); err != nil {
		return fmt.Errorf("mark outbox entry %s: %w", entryID, err)
	}
	return nil
}

func (p postgres) release(ctx context.Context, c conn, entryIDs []string) error {
	for _, id := range entryIDs {
		if _, err := c.exec(ctx, p.q.release, id); err != nil {
			return fmt.Errorf("release outbox entry %s: %w", id, err)
		}
	}
	return nil
}

func (p postgres) list(ctx context.Context, c conn, filter Filter) ([]Entry, error) {
	entries, err := p.queryEntries(ctx, c, p.q.list, string(filter.Result), filter.Unresolved, normalizeLimit(filter.Limit, p.listLimit))
	if err != nil {
		return nil, fmt.Errorf("list outbox entries: %w", err)
	}
	return entries, nil
}

func (p postgres) stats(ctx context.Context, c conn) (Stats, error) {
	r, err := c.query(ctx, p.q.stats)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox stats: %w", err)
	}
	defer r.Close()

	var stats Stats
	var oldest *time.Time
	if r.Next() {
		if err := r.Scan(&stats.Pending, &stats.Claimed, &stats.OK, &stats.Failed, &stats.FailedPartially, &oldest); err != nil {
			return Stats{}, fmt.Errorf("outbox stats: %w", err)
		}
	}
	if err := r.Err(); err != nil {
		return Stats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest != nil {
		stats.OldestPending = oldest.UTC()
	}
	return stats, nil
}

func (p postgres) requeue(ctx context.Context, c conn, entryIDs []string) ([]Entry, error) {
	var out []Entry
	for _, id := range entryIDs {
		entries, err := p.queryEntries(ctx, c, p.q.requeue, uuid.NewString(), id)
		if err != nil {
			return out, fmt.Errorf("requeue outbox entry %s: %w", id, err)
		}
		out = append(out, entries...)
	}
	return out, nil
}

func (p postgres) queryEntries(ctx context.Context, c conn, query string, args ...any) ([]Entry, error) {
	r, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	type row struct {
		seq   int64
		entry Entry
	}
	var scanned []row
	for r.Next() {
		var (
			current    row
			payload    string
			result     string
			resolvedAt *time.Time
		)
		err := r.Scan(
			&current.seq,
			&current.entry.ID,
			&current.entry.EventType,
			&payload,
			&current.entry.InsertedAt,
			&current.entry.BatchID,
			&result,
			&resolvedAt,
			&current.entry.TraceParent,
			&current.entry.TraceState,
		)
		if err != nil {
			return nil, err
		}
		current.entry.Payload = []byte(payload)
		current.entry.Result = events.ProcessingResult(result)
		current.entry.InsertedAt = current.entry.InsertedAt.UTC()
		if resolvedAt != nil {
			current.entry.ResolvedAt = resolvedAt.UTC()
		}
		scanned = append(scanned, current)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the subquery order.
	sort.Slice(scanned, func(i, j int) bool { return scanned[i].seq < scanned[j].seq })
	entries := make([]Entry, len(scanned))
	for i, s := range scanned {
		entries[i] = s.entry
	}
	return entries, nil
}
