package outbox

import (
	"context"
	"slices"
	"sync"
	"time"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/tx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/propagation"
)

// MemoryStore keeps entries in process. Rows written inside a transaction
// only become visible when it commits.
type MemoryStore struct {
	mu         sync.Mutex
	entries    []*Entry
	byID       map[string]*Entry
	now        func() time.Time
	propagator propagation.TextMapPropagator
}

// MemoryOption customizes MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the clock used for timestamps.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMemoryPropagator overrides how trace context is captured.
func WithMemoryPropagator(p propagation.TextMapPropagator) MemoryOption {
	return func(s *MemoryStore) {
		s.propagator = p
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		byID:       make(map[string]*Entry),
		now:        func() time.Time { return time.Now().UTC() },
		propagator: propagation.TraceContext{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *MemoryStore) Insert(ctx context.Context, txn tx.Transaction, event any) (Entry, error) {
	if events.IsNilEvent(event) {
		return Entry{}, events.NewError(events.ErrUnknownEventType, "cannot store a nil event", nil, nil)
	}
	traceParent, traceState := injectTrace(ctx, s.propagator)
	entry := &Entry{
		ID:          uuid.NewString(),
		EventType:   events.TypeName(event),
		Event:       event,
		InsertedAt:  s.now(),
		TraceParent: traceParent,
		TraceState:  traceState,
	}

	if txn == nil {
		s.append(entry)
		return *entry, nil
	}
	if !txn.Active() {
		return Entry{}, events.NewError(events.ErrNoActiveTransaction, "transaction already completed", nil, nil)
	}
	tx.OnAfterCommit(txn, func(context.Context) {
		s.append(entry)
	})
	return *entry, nil
}

func (s *MemoryStore) append(entry *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	s.byID[entry.ID] = entry
}

func (s *MemoryStore) FetchBatch(_ context.Context, size int) (Batch, error) {
	size = normalizeLimit(size, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := Batch{ID: uuid.NewString()}
	for _, entry := range s.entries {
		if len(batch.Entries) >= size {
			break
		}
		if entry.Claimed() || entry.Resolved() {
			continue
		}
		entry.BatchID = batch.ID
		batch.Entries = append(batch.Entries, *entry)
	}
	return batch, nil
}

func (s *MemoryStore) MarkSent(_ context.Context, batch Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, entry := range s.entries {
		if entry.BatchID == batch.ID && !entry.Resolved() {
			entry.Result = events.ResultOK
			entry.ResolvedAt = now
		}
	}
	return nil
}

func (s *MemoryStore) MarkResult(_ context.Context, entryID string, result events.ProcessingResult) error {
	if !result.Valid() {
		return invalidResult(entryID, result)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.byID[entryID]
	if !ok {
		return entryNotFound(entryID)
	}
	if entry.Resolved() {
		return nil
	}
	entry.Result = result
	entry.ResolvedAt = s.now()
	return nil
}

func (s *MemoryStore) Release(_ context.Context, entryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range entryIDs {
		if entry, ok := s.byID[id]; ok && !entry.Resolved() {
			entry.BatchID = ""
		}
	}
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := normalizeLimit(filter.Limit, len(s.entries))
	out := make([]Entry, 0)
	for _, entry := range s.entries {
		if len(out) >= limit {
			break
		}
		if filter.Unresolved && entry.Resolved() {
			continue
		}
		if filter.Result != "" && entry.Result != filter.Result {
			continue
		}
		out = append(out, *entry)
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats Stats
	for _, entry := range s.entries {
		switch {
		case entry.Result == events.ResultOK:
			stats.OK++
		case entry.Result == events.ResultFailed:
			stats.Failed++
		case entry.Result == events.ResultFailedPartially:
			stats.FailedPartially++
		case entry.Claimed():
			stats.Claimed++
		default:
			stats.Pending++
		}
		if !entry.Resolved() && (stats.OldestPending.IsZero() || entry.InsertedAt.Before(stats.OldestPending)) {
			stats.OldestPending = entry.InsertedAt
		}
	}
	return stats, nil
}

func (s *MemoryStore) Requeue(_ context.Context, entryIDs []string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Entry
	for _, id := range entryIDs {
		original, ok := s.byID[id]
		if !ok || !original.Result.Failed() {
			continue
		}
		copied := &Entry{
			ID:          uuid.NewString(),
			EventType:   original.EventType,
			Event:       original.Event,
			Payload:     slices.Clone(original.Payload),
			InsertedAt:  s.now(),
			TraceParent: original.TraceParent,
			TraceState:  original.TraceState,
		}
		s.entries = append(s.entries, copied)
		s.byID[copied.ID] = copied
		out = append(out, *copied)
	}
	return out, nil
}

// Entries returns a snapshot of every entry in insertion order.
func (s *MemoryStore) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	for i, entry := range s.entries {
		out[i] = *entry
	}
	return out
}
