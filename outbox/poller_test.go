package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	events "github.com/goliatone/go-events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

type recordingMetrics struct {
	mu       sync.Mutex
	polls    []int
	results  map[events.ProcessingResult]int
	released int
	errors   int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{results: make(map[events.ProcessingResult]int)}
}

func (m *recordingMetrics) RecordPoll(claimed int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls = append(m.polls, claimed)
}

func (m *recordingMetrics) RecordEntryResult(_ string, result events.ProcessingResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[result]++
}

func (m *recordingMetrics) RecordEntryReleased(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
}

func (m *recordingMetrics) RecordPollError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors++
}

func quietLogger() events.Logger {
	return events.NewFmtLogger(&bytes.Buffer{})
}

func seed(t *testing.T, store Store, evts ...any) []Entry {
	t.Helper()
	out := make([]Entry, 0, len(evts))
	for _, evt := range evts {
		entry, err := store.Insert(context.Background(), nil, evt)
		require.NoError(t, err)
		out = append(out, entry)
	}
	return out
}

func TestPollOnceMarksCleanBatchSent(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, orderPlaced{OrderID: "a"}, orderPlaced{OrderID: "b"})

	var received []string
	receiver := events.ReceiverFunc(func(_ context.Context, event any) (events.ProcessingResult, error) {
		received = append(received, event.(orderPlaced).OrderID)
		return events.ResultOK, nil
	})
	metrics := newRecordingMetrics()
	poller, err := NewPoller(store, receiver, WithPollerLogger(quietLogger()), WithPollerMetrics(metrics))
	require.NoError(t, err)

	report, err := poller.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, received)
	assert.Equal(t, 2, report.Claimed)
	assert.Equal(t, 2, report.Resolved)
	for _, entry := range store.Entries() {
		assert.Equal(t, events.ResultOK, entry.Result)
		assert.Equal(t, report.BatchID, entry.BatchID)
	}
	assert.Equal(t, []int{2}, metrics.polls)
	assert.Equal(t, 2, metrics.results[events.ResultOK])

	status := poller.Status()
	assert.Equal(t, 2, status.LastClaimed)
	assert.Zero(t, status.ConsecutiveFailures)
	assert.True(t, poller.Health(context.Background()).Healthy)
}

func TestPollOnceRecordsEachEntryOutcome(t *testing.T) {
	store := NewMemoryStore()
	entries := seed(t, store,
		orderPlaced{OrderID: "ok"},
		orderPlaced{OrderID: "partial"},
		orderPlaced{OrderID: "failed"},
	)

	receiver := events.ReceiverFunc(func(_ context.Context, event any) (events.ProcessingResult, error) {
		switch event.(orderPlaced).OrderID {
		case "partial":
			return events.ResultFailedPartially, nil
		case "failed":
			return events.ResultFailed, nil
		}
		return events.ResultOK, nil
	})
	var outcomes []EntryOutcome
	poller, err := NewPoller(store, receiver,
		WithPollerLogger(quietLogger()),
		WithOutcomeHook(func(_ context.Context, o EntryOutcome) { outcomes = append(outcomes, o) }),
	)
	require.NoError(t, err)

	report, err := poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Resolved)
	require.Len(t, outcomes, 3)

	got := store.Entries()
	assert.Equal(t, entries[0].ID, got[0].ID)
	assert.Equal(t, events.ResultOK, got[0].Result)
	assert.Equal(t, events.ResultFailedPartially, got[1].Result)
	assert.Equal(t, events.ResultFailed, got[2].Result)

	report, err = poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Claimed, "resolved entries are never redelivered")
}

func TestPollOnceReleasesEntriesOnFatalErrors(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, orderPlaced{OrderID: "fatal"}, orderPlaced{OrderID: "fine"})

	var fatal atomic.Bool
	fatal.Store(true)
	receiver := events.ReceiverFunc(func(_ context.Context, event any) (events.ProcessingResult, error) {
		if event.(orderPlaced).OrderID == "fatal" && fatal.Load() {
			return events.ResultOK, events.NewError(events.ErrTaskScheduling, "task store down", nil, nil)
		}
		return events.ResultOK, nil
	})
	metrics := newRecordingMetrics()
	poller, err := NewPoller(store, receiver, WithPollerLogger(quietLogger()), WithPollerMetrics(metrics))
	require.NoError(t, err)

	report, err := poller.PollOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task store down")
	assert.Equal(t, 1, report.Released)
	assert.Equal(t, 1, report.Resolved)

	got := store.Entries()
	assert.False(t, got[0].Resolved(), "a fatal error must never mark the entry OK")
	assert.False(t, got[0].Claimed())
	assert.Equal(t, events.ResultOK, got[1].Result)
	assert.Equal(t, 1, metrics.released)
	assert.Equal(t, 1, metrics.errors)
	assert.False(t, poller.Health(context.Background()).Healthy)

	fatal.Store(false)
	report, err = poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, events.ResultOK, store.Entries()[0].Result)
	assert.True(t, poller.Health(context.Background()).Healthy)
}

// payloadStore drops decoded values so the poller has to use its codec,
// the way rows come back from a database.
type payloadStore struct {
	*MemoryStore
}

func (s payloadStore) FetchBatch(ctx context.Context, size int) (Batch, error) {
	batch, err := s.MemoryStore.FetchBatch(ctx, size)
	if err != nil {
		return batch, err
	}
	for i := range batch.Entries {
		entry := &batch.Entries[i]
		if entry.EventType == "broken" {
			entry.Payload = []byte(`{`)
		} else {
			payload, err := json.Marshal(entry.Event)
			if err != nil {
				return Batch{}, err
			}
			entry.Payload = payload
		}
		entry.Event = nil
	}
	return batch, nil
}

type brokenEvent struct{}

func (brokenEvent) EventType() string { return "broken" }

func TestPollOnceDecodesPayloadsAndFailsUndecodable(t *testing.T) {
	codec := NewCodec()
	Register[orderPlaced](codec)
	Register[brokenEvent](codec)
	store := payloadStore{NewMemoryStore()}
	seed(t, store, orderPlaced{OrderID: "decoded"}, brokenEvent{})

	var received []any
	receiver := events.ReceiverFunc(func(_ context.Context, event any) (events.ProcessingResult, error) {
		received = append(received, event)
		return events.ResultOK, nil
	})
	poller, err := NewPoller(store, receiver, WithCodec(codec), WithPollerLogger(quietLogger()))
	require.NoError(t, err)

	_, err = poller.PollOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []any{orderPlaced{OrderID: "decoded"}}, received)
	got := store.Entries()
	assert.Equal(t, events.ResultOK, got[0].Result)
	assert.Equal(t, events.ResultFailed, got[1].Result)
}

func TestPollOnceRestoresTraceContext(t *testing.T) {
	store := NewMemoryStore()
	traceID := trace.TraceID{0x4b, 0xf9, 0x2f, 0x35, 0x77, 0xb3, 0x4d, 0xa6, 0xa3, 0xce, 0x92, 0x9d, 0x0e, 0x0e, 0x47, 0x36}
	spanID := trace.SpanID{0x00, 0xf0, 0x67, 0xaa, 0x0b, 0xa9, 0x02, 0xb7}
	publishCtx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	entry, err := store.Insert(publishCtx, nil, orderPlaced{OrderID: "traced"})
	require.NoError(t, err)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", entry.TraceParent)

	var seen trace.SpanContext
	receiver := events.ReceiverFunc(func(ctx context.Context, _ any) (events.ProcessingResult, error) {
		seen = trace.SpanContextFromContext(ctx)
		return events.ResultOK, nil
	})
	poller, err := NewPoller(store, receiver, WithPollerLogger(quietLogger()))
	require.NoError(t, err)

	_, err = poller.PollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, traceID, seen.TraceID())
	assert.True(t, seen.IsRemote())
}

type failingFetchStore struct {
	*MemoryStore
}

func (failingFetchStore) FetchBatch(context.Context, int) (Batch, error) {
	return Batch{}, errors.New("connection refused")
}

func TestPollOnceReportsFetchErrors(t *testing.T) {
	var statuses []PollerStatus
	poller, err := NewPoller(failingFetchStore{NewMemoryStore()}, events.ReceiverFunc(func(context.Context, any) (events.ProcessingResult, error) {
		return events.ResultOK, nil
	}),
		WithPollerLogger(quietLogger()),
		WithStatusHook(func(_ context.Context, s PollerStatus) { statuses = append(statuses, s) }),
	)
	require.NoError(t, err)

	_, err = poller.PollOnce(context.Background())
	require.Error(t, err)
	_, _ = poller.PollOnce(context.Background())

	status := poller.Status()
	assert.Equal(t, 2, status.ConsecutiveFailures)
	assert.Equal(t, "connection refused", status.LastError)
	assert.Len(t, statuses, 2)
	health := poller.Health(context.Background())
	assert.False(t, health.Healthy)
	assert.Equal(t, "poll failures detected", health.Reason)
}

func TestNewPollerValidatesCollaborators(t *testing.T) {
	_, err := NewPoller(nil, events.ReceiverFunc(nil))
	assert.True(t, events.IsConfigurationError(err))

	_, err = NewPoller(NewMemoryStore(), nil)
	assert.True(t, events.IsConfigurationError(err))
}

func TestPollerStartPollsUntilStopped(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, orderPlaced{OrderID: "background"})

	delivered := make(chan string, 4)
	receiver := events.ReceiverFunc(func(_ context.Context, event any) (events.ProcessingResult, error) {
		delivered <- event.(orderPlaced).OrderID
		return events.ResultOK, nil
	})
	poller, err := NewPoller(store, receiver,
		WithPollingDelay(10*time.Millisecond),
		WithPollingPeriod(20*time.Millisecond),
		WithPollerLogger(quietLogger()),
	)
	require.NoError(t, err)

	require.NoError(t, poller.Start(context.Background()))
	assert.Error(t, poller.Start(context.Background()), "a poller runs once")
	assert.Equal(t, PollerStateRunning, poller.Status().State)

	select {
	case id := <-delivered:
		assert.Equal(t, "background", id)
	case <-time.After(2 * time.Second):
		t.Fatal("poller never delivered the pending entry")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, poller.Stop(ctx))
	assert.Equal(t, PollerStateStopped, poller.Status().State)
	assert.Equal(t, events.ResultOK, store.Entries()[0].Result)
}
