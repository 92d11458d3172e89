package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/cron"
	"go.opentelemetry.io/otel/propagation"
)

// EntryOutcome captures how one claimed entry was resolved.
type EntryOutcome struct {
	EntryID   string
	EventType string
	Result    events.ProcessingResult
	// Released is set when a fatal error left the entry unresolved and
	// returned it to the pending pool.
	Released bool
	Error    string
}

// Report summarizes one poll cycle.
type Report struct {
	BatchID    string
	Claimed    int
	Resolved   int
	Released   int
	Lag        time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
	Outcomes   []EntryOutcome
}

// PollerState tracks the lifecycle of the background poll loop.
type PollerState string

const (
	PollerStateIdle     PollerState = "idle"
	PollerStateRunning  PollerState = "running"
	PollerStateStopping PollerState = "stopping"
	PollerStateStopped  PollerState = "stopped"
)

// PollerStatus is the latest runtime state and cycle figures.
type PollerStatus struct {
	State               PollerState
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LastClaimed         int
	LastResolved        int
	LastLag             time.Duration
}

// PollerHealth is derived from PollerStatus.
type PollerHealth struct {
	Healthy bool
	Reason  string
	Status  PollerStatus
}

// PollerMetrics records poll loop behavior.
type PollerMetrics interface {
	RecordPoll(claimed int, lag time.Duration)
	RecordEntryResult(eventType string, result events.ProcessingResult)
	RecordEntryReleased(eventType string)
	RecordPollError()
}

type noopPollerMetrics struct{}

func (noopPollerMetrics) RecordPoll(int, time.Duration)                    {}
func (noopPollerMetrics) RecordEntryResult(string, events.ProcessingResult) {}
func (noopPollerMetrics) RecordEntryReleased(string)                       {}
func (noopPollerMetrics) RecordPollError()                                 {}

// Poller claims batches of pending entries and hands every event to a
// receiver. Run at most one poller against an outbox at a time.
type Poller struct {
	store      Store
	receiver   events.Receiver
	codec      *Codec
	batchSize  int
	delay      time.Duration
	period     time.Duration
	logger     events.Logger
	metrics    PollerMetrics
	propagator propagation.TextMapPropagator
	now        func() time.Time

	scheduler     *cron.Scheduler
	ownsScheduler bool

	statusHook  func(context.Context, PollerStatus)
	outcomeHook func(context.Context, EntryOutcome)

	stateMu sync.RWMutex
	status  PollerStatus

	runMu  sync.Mutex
	handle cron.Handle
}

// PollerOption customizes Poller.
type PollerOption func(*Poller)

// WithBatchSize bounds how many entries one poll claims.
func WithBatchSize(size int) PollerOption {
	return func(p *Poller) {
		if size > 0 {
			p.batchSize = size
		}
	}
}

// WithPollingDelay sets the wait before the first poll after Start.
func WithPollingDelay(delay time.Duration) PollerOption {
	return func(p *Poller) {
		if delay >= 0 {
			p.delay = delay
		}
	}
}

// WithPollingPeriod sets the interval between polls.
func WithPollingPeriod(period time.Duration) PollerOption {
	return func(p *Poller) {
		if period > 0 {
			p.period = period
		}
	}
}

// WithPollerLogger configures poller logging.
func WithPollerLogger(logger events.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = events.NormalizeLogger(logger)
	}
}

// WithPollerMetrics configures metric recording.
func WithPollerMetrics(metrics PollerMetrics) PollerOption {
	return func(p *Poller) {
		p.metrics = metrics
	}
}

// WithCodec decodes entries whose store keeps only the payload.
func WithCodec(codec *Codec) PollerOption {
	return func(p *Poller) {
		p.codec = codec
	}
}

// WithPollerPropagator overrides how stored trace context is restored.
func WithPollerPropagator(propagator propagation.TextMapPropagator) PollerOption {
	return func(p *Poller) {
		p.propagator = propagator
	}
}

// WithScheduler runs the poll loop on a shared scheduler. The poller then
// leaves starting and stopping the scheduler to its owner.
func WithScheduler(s *cron.Scheduler) PollerOption {
	return func(p *Poller) {
		p.scheduler = s
	}
}

// WithStatusHook receives runtime status updates.
func WithStatusHook(hook func(context.Context, PollerStatus)) PollerOption {
	return func(p *Poller) {
		p.statusHook = hook
	}
}

// WithOutcomeHook receives one callback per resolved or released entry.
func WithOutcomeHook(hook func(context.Context, EntryOutcome)) PollerOption {
	return func(p *Poller) {
		p.outcomeHook = hook
	}
}

// WithPollerClock overrides the clock used for lag and status.
func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *Poller) {
		if now != nil {
			p.now = now
		}
	}
}

func NewPoller(store Store, receiver events.Receiver, opts ...PollerOption) (*Poller, error) {
	if store == nil {
		return nil, events.NewError(events.ErrInvalidConfig, "outbox poller requires a store", nil, nil)
	}
	if receiver == nil {
		return nil, events.NewError(events.ErrInvalidConfig, "outbox poller requires a receiver", nil, nil)
	}
	p := &Poller{
		store:      store,
		receiver:   receiver,
		batchSize:  100,
		delay:      5 * time.Second,
		period:     time.Second,
		logger:     events.NormalizeLogger(nil),
		metrics:    noopPollerMetrics{},
		propagator: propagation.TraceContext{},
		now:        func() time.Time { return time.Now().UTC() },
		status:     PollerStatus{State: PollerStateIdle},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.logger = events.NormalizeLogger(p.logger)
	if p.metrics == nil {
		p.metrics = noopPollerMetrics{}
	}
	return p, nil
}

// PollOnce claims one batch and dispatches it. The whole batch is marked OK
// when every entry dispatched cleanly, otherwise each entry gets its own
// result. Entries hit by a fatal error are released instead of resolved.
func (p *Poller) PollOnce(ctx context.Context) (Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	report := Report{StartedAt: p.now()}

	batch, err := p.store.FetchBatch(ctx, p.batchSize)
	if err != nil {
		p.metrics.RecordPollError()
		report.FinishedAt = p.now()
		p.recordCycle(ctx, report, err)
		return report, err
	}
	report.BatchID = batch.ID
	report.Claimed = len(batch.Entries)
	report.Lag = batchLag(batch, report.StartedAt)
	p.metrics.RecordPoll(report.Claimed, report.Lag)

	if len(batch.Entries) == 0 {
		report.FinishedAt = p.now()
		p.recordCycle(ctx, report, nil)
		return report, nil
	}

	logger := events.WithLoggerFields(p.logger.WithContext(ctx), map[string]any{
		"batch_id": batch.ID,
		"claimed":  len(batch.Entries),
	})

	clean := true
	var released []string
	var cycleErr error
	for _, entry := range batch.Entries {
		outcome := p.dispatch(ctx, logger, entry)
		if outcome.Released {
			released = append(released, entry.ID)
			cycleErr = errors.Join(cycleErr, fmt.Errorf("outbox entry %s: %s", entry.ID, outcome.Error))
		}
		if outcome.Result != events.ResultOK {
			clean = false
		}
		report.Outcomes = append(report.Outcomes, outcome)
	}

	if clean {
		if err := p.store.MarkSent(ctx, batch); err != nil {
			logger.Error("outbox mark sent failed: %v", err)
			cycleErr = errors.Join(cycleErr, err)
		} else {
			report.Resolved = len(batch.Entries)
		}
	} else {
		for _, outcome := range report.Outcomes {
			if outcome.Released {
				continue
			}
			if err := p.store.MarkResult(ctx, outcome.EntryID, outcome.Result); err != nil {
				logger.Error("outbox mark result failed for %s: %v", outcome.EntryID, err)
				cycleErr = errors.Join(cycleErr, err)
				continue
			}
			report.Resolved++
		}
		if len(released) > 0 {
			if err := p.store.Release(ctx, released); err != nil {
				logger.Error("outbox release failed: %v", err)
				cycleErr = errors.Join(cycleErr, err)
			} else {
				report.Released = len(released)
			}
		}
	}

	for _, outcome := range report.Outcomes {
		if outcome.Released {
			p.metrics.RecordEntryReleased(outcome.EventType)
		} else {
			p.metrics.RecordEntryResult(outcome.EventType, outcome.Result)
		}
		if p.outcomeHook != nil {
			p.outcomeHook(ctx, outcome)
		}
	}

	if cycleErr != nil {
		p.metrics.RecordPollError()
	}
	report.FinishedAt = p.now()
	p.recordCycle(ctx, report, cycleErr)
	return report, cycleErr
}

func (p *Poller) dispatch(ctx context.Context, logger events.Logger, entry Entry) EntryOutcome {
	outcome := EntryOutcome{EntryID: entry.ID, EventType: entry.EventType}
	logger = events.WithLoggerFields(logger, map[string]any{
		"outbox_id":  entry.ID,
		"event_type": entry.EventType,
	})

	event, err := p.decode(entry)
	if err != nil {
		logger.Error("outbox entry cannot be decoded: %v", err)
		outcome.Result = events.ResultFailed
		outcome.Error = err.Error()
		return outcome
	}

	entryCtx := extractTrace(ctx, p.propagator, entry)
	result, err := p.receiver.Receive(entryCtx, event)
	if err != nil {
		logger.Error("outbox dispatch failed, releasing entry: %v", err)
		outcome.Released = true
		outcome.Error = err.Error()
		return outcome
	}
	if !result.Valid() {
		result = events.ResultFailed
	}
	if result != events.ResultOK {
		logger.Warn("outbox entry dispatched with result %s", result)
	}
	outcome.Result = result
	return outcome
}

func (p *Poller) decode(entry Entry) (any, error) {
	if entry.Event != nil {
		return entry.Event, nil
	}
	if p.codec == nil {
		return nil, events.NewError(events.ErrInvalidConfig,
			"outbox entry carries only a payload and no codec is configured", nil,
			map[string]any{"event_type": entry.EventType})
	}
	return p.codec.Decode(entry.EventType, entry.Payload)
}

// Start schedules PollOnce every polling period after the polling delay.
func (p *Poller) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.handle != nil {
		return fmt.Errorf("outbox poller already running")
	}

	if p.scheduler == nil {
		p.scheduler = cron.NewScheduler(cron.WithLogger(p.logger))
		p.ownsScheduler = true
	}
	handle, err := p.scheduler.ScheduleEvery(p.delay, p.period, func(jobCtx context.Context) error {
		_, err := p.PollOnce(jobCtx)
		return err
	})
	if err != nil {
		return err
	}
	if p.ownsScheduler {
		if err := p.scheduler.Start(ctx); err != nil {
			handle.Cancel()
			return err
		}
	}
	p.handle = handle
	p.setState(ctx, PollerStateRunning)
	p.logger.WithContext(ctx).Info("outbox poller started")
	return nil
}

// Stop cancels the poll schedule and waits for an in-flight poll when the
// poller owns its scheduler.
func (p *Poller) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.runMu.Lock()
	handle := p.handle
	p.handle = nil
	p.runMu.Unlock()

	if handle == nil {
		p.setState(ctx, PollerStateStopped)
		return nil
	}

	p.setState(ctx, PollerStateStopping)
	handle.Cancel()
	var err error
	if p.ownsScheduler {
		err = p.scheduler.Stop(ctx)
		p.scheduler = nil
		p.ownsScheduler = false
	}
	p.setState(ctx, PollerStateStopped)
	p.logger.WithContext(ctx).Info("outbox poller stopped")
	return err
}

// Status returns a copy of the latest runtime status.
func (p *Poller) Status() PollerStatus {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.status
}

// Health reports unhealthy after a failed cycle or once stopped.
func (p *Poller) Health(context.Context) PollerHealth {
	status := p.Status()
	health := PollerHealth{Healthy: true, Status: status}
	switch {
	case status.ConsecutiveFailures > 0:
		health.Healthy = false
		health.Reason = "poll failures detected"
	case status.State == PollerStateStopped && !status.LastRunAt.IsZero():
		health.Healthy = false
		health.Reason = "poller stopped"
	}
	return health
}

func (p *Poller) recordCycle(ctx context.Context, report Report, cycleErr error) {
	p.stateMu.Lock()
	status := p.status
	status.LastRunAt = report.FinishedAt
	status.LastClaimed = report.Claimed
	status.LastResolved = report.Resolved
	status.LastLag = report.Lag
	if cycleErr == nil {
		status.LastSuccessAt = report.FinishedAt
		status.LastError = ""
		status.ConsecutiveFailures = 0
	} else {
		status.LastError = cycleErr.Error()
		status.ConsecutiveFailures++
	}
	p.status = status
	p.stateMu.Unlock()

	if p.statusHook != nil {
		p.statusHook(ctx, status)
	}
}

func (p *Poller) setState(ctx context.Context, state PollerState) {
	p.stateMu.Lock()
	p.status.State = state
	status := p.status
	p.stateMu.Unlock()
	if p.statusHook != nil {
		p.statusHook(ctx, status)
	}
}

func batchLag(batch Batch, now time.Time) time.Duration {
	var oldest time.Time
	for _, entry := range batch.Entries {
		if entry.InsertedAt.IsZero() {
			continue
		}
		if oldest.IsZero() || entry.InsertedAt.Before(oldest) {
			oldest = entry.InsertedAt
		}
	}
	if oldest.IsZero() || now.Before(oldest) {
		return 0
	}
	return now.Sub(oldest)
}
