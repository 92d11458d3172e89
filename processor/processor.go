package processor

import (
	"context"
	"sync"

	"github.com/goliatone/go-errors"
	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/executor"
	"github.com/goliatone/go-events/tx"
)

// Processor runs every execution context of one event and aggregates the
// outcome. One failing handler never prevents the others from running.
type Processor interface {
	Process(ctx context.Context, contexts []events.ExecutionContext) (events.ProcessingResult, error)
}

// SyncProcessor runs contexts in order on the calling goroutine.
type SyncProcessor struct {
	executor executor.Executor
}

func NewSyncProcessor(exec executor.Executor) *SyncProcessor {
	return &SyncProcessor{executor: exec}
}

func (p *SyncProcessor) Process(ctx context.Context, contexts []events.ExecutionContext) (events.ProcessingResult, error) {
	outcomes := make([]bool, len(contexts))
	var fatal error
	for i, ec := range contexts {
		ok, err := p.executor.Execute(ctx, ec)
		outcomes[i] = ok
		if err != nil {
			fatal = errors.Join(fatal, err)
		}
	}
	return events.ResultOf(outcomes), fatal
}

// AsyncProcessor runs contexts concurrently on a bounded number of
// goroutines and waits for all of them. When ctx carries an active
// transaction the contexts run one after the other instead: handlers join
// that transaction and it is bound to a single connection.
type AsyncProcessor struct {
	executor executor.Executor
	workers  int
	serial   *SyncProcessor
}

// AsyncOption customizes AsyncProcessor.
type AsyncOption func(*AsyncProcessor)

// WithWorkers bounds how many handlers of one event run at the same time.
func WithWorkers(n int) AsyncOption {
	return func(p *AsyncProcessor) {
		if n > 0 {
			p.workers = n
		}
	}
}

func NewAsyncProcessor(exec executor.Executor, opts ...AsyncOption) *AsyncProcessor {
	p := &AsyncProcessor{
		executor: exec,
		workers:  4,
		serial:   NewSyncProcessor(exec),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *AsyncProcessor) Process(ctx context.Context, contexts []events.ExecutionContext) (events.ProcessingResult, error) {
	if len(contexts) == 0 {
		return events.ResultOK, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, joined := tx.FromContext(ctx); joined {
		return p.serial.Process(ctx, contexts)
	}

	outcomes := make([]bool, len(contexts))
	fatal := make([]error, len(contexts))
	semaphore := make(chan struct{}, p.workers)
	var wg sync.WaitGroup

	for i, ec := range contexts {
		select {
		case <-ctx.Done():
			fatal[i] = ctx.Err()
			continue
		case semaphore <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, ec events.ExecutionContext) {
			defer wg.Done()
			defer func() { <-semaphore }()
			outcomes[i], fatal[i] = p.executor.Execute(ctx, ec)
		}(i, ec)
	}
	wg.Wait()

	var errs error
	for _, err := range fatal {
		if err != nil {
			errs = errors.Join(errs, err)
		}
	}
	return events.ResultOf(outcomes), errs
}
