package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/executor"
	"github.com/goliatone/go-events/tx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stockReserved struct{}

func handler(name string, fn func(ctx context.Context) error) events.ExecutionContext {
	return events.NewServiceExecutionContext(name, "Handle", struct{}{}, stockReserved{}, fn)
}

func passThrough() executor.Executor {
	return executor.Func(func(ctx context.Context, ec events.ExecutionContext) (bool, error) {
		return ec.Invoke(ctx) == nil, nil
	})
}

func TestSyncProcessorPartialFailure(t *testing.T) {
	var receipts []string
	ok := func(name string) events.ExecutionContext {
		return handler(name, func(context.Context) error {
			receipts = append(receipts, name)
			return nil
		})
	}

	p := NewSyncProcessor(passThrough())
	result, err := p.Process(context.Background(), []events.ExecutionContext{
		ok("h1"),
		handler("h2", func(context.Context) error { return errors.New("boom") }),
		ok("h3"),
	})

	require.NoError(t, err)
	assert.Equal(t, events.ResultFailedPartially, result)
	assert.Equal(t, []string{"h1", "h3"}, receipts)
}

func TestSyncProcessorAggregates(t *testing.T) {
	p := NewSyncProcessor(passThrough())
	fail := func(context.Context) error { return errors.New("x") }

	result, _ := p.Process(context.Background(), nil)
	assert.Equal(t, events.ResultOK, result)

	result, _ = p.Process(context.Background(), []events.ExecutionContext{handler("a", fail), handler("b", fail)})
	assert.Equal(t, events.ResultFailed, result)
}

func TestSyncProcessorSurfacesFatalErrors(t *testing.T) {
	fatal := errors.New("store unavailable")
	exec := executor.Func(func(ctx context.Context, ec events.ExecutionContext) (bool, error) {
		if ec.HandlerName() == "idempotent" {
			return false, fatal
		}
		return ec.Invoke(ctx) == nil, nil
	})

	var ran atomic.Int32
	p := NewSyncProcessor(exec)
	result, err := p.Process(context.Background(), []events.ExecutionContext{
		handler("idempotent", nil),
		handler("plain", func(context.Context) error { ran.Add(1); return nil }),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
	assert.Equal(t, events.ResultFailedPartially, result)
	assert.Equal(t, int32(1), ran.Load())
}

func TestAsyncProcessorRunsConcurrentlyWithinBound(t *testing.T) {
	var active, peak atomic.Int32
	var mu sync.Mutex
	var receipts []string

	slow := func(name string) events.ExecutionContext {
		return handler(name, func(context.Context) error {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			mu.Lock()
			receipts = append(receipts, name)
			mu.Unlock()
			return nil
		})
	}

	p := NewAsyncProcessor(passThrough(), WithWorkers(2))
	result, err := p.Process(context.Background(), []events.ExecutionContext{
		slow("a"), slow("b"), slow("c"), slow("d"),
	})

	require.NoError(t, err)
	assert.Equal(t, events.ResultOK, result)
	assert.Len(t, receipts, 4)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestAsyncProcessorIsolatesFailures(t *testing.T) {
	var receipts atomic.Int32
	good := handler("good", func(context.Context) error { receipts.Add(1); return nil })
	bad := handler("bad", func(context.Context) error { return errors.New("down") })

	p := NewAsyncProcessor(passThrough(), WithWorkers(3))
	result, err := p.Process(context.Background(), []events.ExecutionContext{good, bad, good})

	require.NoError(t, err)
	assert.Equal(t, events.ResultFailedPartially, result)
	assert.Equal(t, int32(2), receipts.Load())
}

func TestAsyncProcessorSerializesInsideTransaction(t *testing.T) {
	var active, peak atomic.Int32
	var seen []tx.Transaction
	var mu sync.Mutex

	joined := func(name string) events.ExecutionContext {
		return handler(name, func(ctx context.Context) error {
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)

			txn, ok := tx.FromContext(ctx)
			mu.Lock()
			if ok {
				seen = append(seen, txn)
			}
			mu.Unlock()
			if name == "bad" {
				return errors.New("constraint violated")
			}
			return nil
		})
	}

	p := NewAsyncProcessor(passThrough(), WithWorkers(4))
	var result events.ProcessingResult
	err := tx.NewLocalManager().RunInTransaction(context.Background(), func(ctx context.Context, txn tx.Transaction) error {
		var err error
		result, err = p.Process(ctx, []events.ExecutionContext{joined("a"), joined("bad"), joined("c")})
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, events.ResultFailedPartially, result)
	assert.Equal(t, int32(1), peak.Load(), "a joined transaction is never shared between goroutines")
	require.Len(t, seen, 3)
	assert.Same(t, seen[0], seen[2])
}
