package runner

import (
	"context"
	"sync/atomic"
	"time"

	events "github.com/goliatone/go-events"
)

// Handler applies an execution policy (timeout, deadline, retries) to a
// unit of work. A Handler is safe for concurrent use.
type Handler struct {
	timeout       time.Duration
	deadline      time.Time
	maxRetries    int
	retryStrategy RetryStrategy
	retryable     func(error) bool
	errorHandler  func(error)
	logger        events.Logger

	runs           atomic.Int64
	successfulRuns atomic.Int64
	attempts       atomic.Int64
}

func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		retryStrategy: NoDelayStrategy{},
		errorHandler:  func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.retryStrategy == nil {
		h.retryStrategy = NoDelayStrategy{}
	}
	if h.errorHandler == nil {
		h.errorHandler = func(error) {}
	}
	return h
}

// Run executes fn, retrying failed attempts according to the policy. It
// returns the error of the last attempt. A canceled parent context stops
// further retries.
func (h *Handler) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	h.runs.Add(1)

	var err error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			break
		}

		h.attempts.Add(1)
		err = h.attempt(ctx, fn)
		if err == nil {
			h.successfulRuns.Add(1)
			return nil
		}
		h.errorHandler(err)

		if attempt == h.maxRetries || (h.retryable != nil && !h.retryable(err)) {
			break
		}

		decision := DecideRetry(h.retryStrategy, attempt, err)
		if !decision.ShouldRetry {
			break
		}
		if h.logger != nil {
			h.logger.Debug("attempt %d failed, retrying in %s: %v", attempt+1, decision.Delay, err)
		}
		if !sleep(ctx, decision.Delay) {
			break
		}
	}
	return err
}

func (h *Handler) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	runCtx, cancel := contextWithSettings(ctx, h.timeout, h.deadline)
	defer cancel()
	return events.Protect(func() error { return fn(runCtx) })
}

// Runs returns how many times Run was called.
func (h *Handler) Runs() int64 { return h.runs.Load() }

// SuccessfulRuns returns how many runs ended without error.
func (h *Handler) SuccessfulRuns() int64 { return h.successfulRuns.Load() }

// Attempts returns the total attempts including retries.
func (h *Handler) Attempts() int64 { return h.attempts.Load() }

func contextWithSettings(ctx context.Context, timeout time.Duration, deadline time.Time) (context.Context, context.CancelFunc) {
	switch {
	case !deadline.IsZero():
		return context.WithDeadline(ctx, deadline)
	case timeout > 0:
		return context.WithTimeout(ctx, timeout)
	default:
		return context.WithCancel(ctx)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
