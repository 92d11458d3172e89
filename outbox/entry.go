package outbox

import (
	"context"
	"fmt"
	"time"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/tx"
)

// Entry is one persisted event. It is created unclaimed, claimed by exactly
// one batch, and resolved once with a processing result. Entries are never
// deleted by the engine.
type Entry struct {
	ID        string
	EventType string
	// Event is the decoded event when the store keeps values in memory.
	Event   any
	Payload []byte

	InsertedAt time.Time
	// BatchID is empty until the entry is claimed.
	BatchID string
	// Result is empty until the entry is resolved.
	Result     events.ProcessingResult
	ResolvedAt time.Time

	TraceParent string
	TraceState  string
}

func (e Entry) Claimed() bool  { return e.BatchID != "" }
func (e Entry) Resolved() bool { return e.Result != "" }

// Batch is a set of entries claimed together.
type Batch struct {
	ID      string
	Entries []Entry
}

// IDs returns the entry ids of the batch in order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		ids[i] = e.ID
	}
	return ids
}

// Store is the transactional outbox.
type Store interface {
	// Insert appends event inside txn, or immediately when txn is nil.
	Insert(ctx context.Context, txn tx.Transaction, event any) (Entry, error)
	// FetchBatch atomically claims up to size of the oldest unclaimed and
	// unresolved entries under a fresh batch id, in insertion order.
	FetchBatch(ctx context.Context, size int) (Batch, error)
	// MarkSent resolves every unresolved entry of the batch as OK.
	MarkSent(ctx context.Context, batch Batch) error
	// MarkResult resolves one entry, a resolved entry is left untouched.
	MarkResult(ctx context.Context, entryID string, result events.ProcessingResult) error
	// Release drops the claim of unresolved entries so a later batch can
	// pick them up again.
	Release(ctx context.Context, entryIDs []string) error
}

// Filter narrows Inspector.List.
type Filter struct {
	// Result selects resolved entries with this result.
	Result events.ProcessingResult
	// Unresolved selects entries without a result, claimed or not.
	Unresolved bool
	Limit      int
}

// Stats summarizes outbox contents.
type Stats struct {
	Pending         int
	Claimed         int
	OK              int
	Failed          int
	FailedPartially int
	OldestPending   time.Time
}

// Inspector exposes operator level views and actions.
type Inspector interface {
	List(ctx context.Context, filter Filter) ([]Entry, error)
	Stats(ctx context.Context) (Stats, error)
	// Requeue appends fresh copies of failed entries for another delivery.
	// The original entries keep their terminal result.
	Requeue(ctx context.Context, entryIDs []string) ([]Entry, error)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}

func invalidResult(entryID string, result events.ProcessingResult) error {
	return events.NewError(events.ErrInvalidProcessingResult,
		fmt.Sprintf("invalid processing result %q for outbox entry %s", result, entryID), nil,
		map[string]any{"entry_id": entryID, "result": string(result)})
}

func entryNotFound(entryID string) error {
	return events.NewError(events.ErrOutboxEntryNotFound,
		fmt.Sprintf("outbox entry %s not found", entryID), nil, map[string]any{"entry_id": entryID})
}
