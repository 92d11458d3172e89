package cron

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/runner"

	rcron "github.com/robfig/cron/v3"
)

// Job is a unit of scheduled work. ctx is canceled when the scheduler stops.
type Job func(ctx context.Context) error

// Scheduler wraps cron functionality.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger    events.Logger
	parser    Parser
	logWriter io.Writer
	logLevel  LogLevel

	runCtx    context.Context
	runCancel context.CancelFunc

	nextHandleID int64
	handles      map[int64]*jobHandle
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	cs := &Scheduler{
		location: time.Local,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		errorHandler: func(err error) {
			log.Printf("error: %v\n", err)
		},
		handles: make(map[int64]*jobHandle),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(cs)
		}
	}

	cs.runCtx, cs.runCancel = context.WithCancel(context.Background())
	cs.cron = rcron.New(cs.build()...)
	return cs
}

// ScheduleCron schedules a recurring job by cron expression. runnerOpts
// configure timeouts and retries of each run.
func (s *Scheduler) ScheduleCron(expression string, job Job, runnerOpts ...runner.Option) (Handle, error) {
	if expression == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	if job == nil {
		return nil, fmt.Errorf("cron job cannot be nil")
	}

	sub := s.newHandle()
	entryID, err := s.cron.AddJob(expression, s.wrap(sub, job, runnerOpts))
	if err != nil {
		return nil, fmt.Errorf("failed to add job: %w", err)
	}
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	return sub, nil
}

// ScheduleEvery runs job first after delay and then every period. A run
// still in progress when the next one is due causes that run to be skipped,
// so the job never overlaps with itself.
func (s *Scheduler) ScheduleEvery(delay, period time.Duration, job Job, runnerOpts ...runner.Option) (Handle, error) {
	if period <= 0 {
		return nil, fmt.Errorf("schedule period must be positive, got %s", period)
	}
	if job == nil {
		return nil, fmt.Errorf("cron job cannot be nil")
	}
	if delay < 0 {
		delay = 0
	}

	sub := s.newHandle()
	schedule := &delayedEvery{delay: delay, period: period}
	entryID := s.cron.Schedule(schedule, s.wrap(sub, job, runnerOpts))
	sub.entryID = int(entryID)
	s.storeHandle(sub)
	return sub, nil
}

func (s *Scheduler) wrap(handle *jobHandle, job Job, runnerOpts []runner.Option) rcron.Job {
	h := runner.NewHandler(append([]runner.Option{runner.WithLogger(s.logger)}, runnerOpts...)...)
	return rcron.FuncJob(func() {
		if !handle.begin(time.Now()) {
			return
		}
		err := h.Run(s.jobContext(), job)
		handle.finish(time.Now(), err)
		if err != nil {
			s.errorHandler(err)
		}
	})
}

// RemoveHandler removes a scheduled job by entry ID.
func (s *Scheduler) RemoveHandler(entryID int) {
	if s == nil {
		return
	}

	var affected []*jobHandle
	s.mu.Lock()
	for id, handle := range s.handles {
		if handle != nil && handle.entryID == entryID {
			affected = append(affected, handle)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()

	s.cron.Remove(rcron.EntryID(entryID))
	for _, handle := range affected {
		handle.end(ScheduleStatusCanceled)
	}
}

// Start begins executing scheduled cron jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	if s.runCtx.Err() != nil {
		s.runCtx, s.runCancel = context.WithCancel(context.Background())
	}
	s.mu.Unlock()
	s.cron.Start()
	return nil
}

// Stop stops executing scheduled jobs, waits for running jobs until ctx is
// done and marks active handles as stopped.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	s.runCancel()
	s.mu.Unlock()
	stopped := s.cron.Stop()

	var handles []*jobHandle
	s.mu.Lock()
	for _, handle := range s.handles {
		handles = append(handles, handle)
	}
	s.handles = make(map[int64]*jobHandle)
	s.mu.Unlock()

	for _, handle := range handles {
		if handle == nil {
			continue
		}
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		handle.end(ScheduleStatusStopped)
	}

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

func (s *Scheduler) removeHandle(id int64) {
	handle := s.removeStoredHandle(id)
	if handle == nil {
		return
	}
	if handle.entryID > 0 {
		s.cron.Remove(rcron.EntryID(handle.entryID))
	}
}

func (s *Scheduler) removeStoredHandle(id int64) *jobHandle {
	if s == nil || id == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle := s.handles[id]
	delete(s.handles, id)
	return handle
}

func (s *Scheduler) storeHandle(handle *jobHandle) {
	if s == nil || handle == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles == nil {
		s.handles = make(map[int64]*jobHandle)
	}
	s.handles[handle.id] = handle
}

func (s *Scheduler) newHandle() *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextHandleID++
	return &jobHandle{
		scheduler: s,
		id:        s.nextHandleID,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

// ScheduleStatus reports where a scheduled job is in its lifecycle.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	// ScheduleStatusFailed means the last run returned an error. The job
	// stays scheduled.
	ScheduleStatusFailed   ScheduleStatus = "failed"
	ScheduleStatusCanceled ScheduleStatus = "canceled"
	ScheduleStatusStopped  ScheduleStatus = "stopped"
)

func (st ScheduleStatus) terminal() bool {
	return st == ScheduleStatusCanceled || st == ScheduleStatusStopped
}

// RunStats accumulates the runs of one scheduled job.
type RunStats struct {
	Runs         int64
	Failures     int64
	LastStarted  time.Time
	LastFinished time.Time
	LastDuration time.Duration
	// LastErr is the error of the most recent failed run.
	LastErr error
}

// Handle controls a recurring job such as the outbox poll loop or the
// outbox stats refresh.
type Handle interface {
	Cancel()
	Status() ScheduleStatus
	Stats() RunStats
	// Done is closed once the job will never run again.
	Done() <-chan struct{}
	ID() int64
}

type jobHandle struct {
	scheduler *Scheduler
	id        int64
	entryID   int
	done      chan struct{}
	cancel    sync.Once

	mu     sync.RWMutex
	status ScheduleStatus
	stats  RunStats
}

func (h *jobHandle) Cancel() {
	h.cancel.Do(func() {
		if h.scheduler != nil {
			h.scheduler.removeHandle(h.id)
		}
		h.end(ScheduleStatusCanceled)
	})
}

func (h *jobHandle) Status() ScheduleStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func (h *jobHandle) Stats() RunStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.stats
}

func (h *jobHandle) Done() <-chan struct{} { return h.done }

func (h *jobHandle) ID() int64 { return h.id }

// begin reports false when the job was canceled or stopped between the
// cron tick and the call.
func (h *jobHandle) begin(at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.terminal() {
		return false
	}
	h.status = ScheduleStatusRunning
	h.stats.Runs++
	h.stats.LastStarted = at
	return true
}

func (h *jobHandle) finish(at time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stats.LastFinished = at
	h.stats.LastDuration = at.Sub(h.stats.LastStarted)
	if err != nil {
		h.stats.Failures++
		h.stats.LastErr = err
	}
	if h.status.terminal() {
		return
	}
	if err != nil {
		h.status = ScheduleStatusFailed
	} else {
		h.status = ScheduleStatusIdle
	}
}

// end moves the handle to a terminal status once. Later calls keep the
// first terminal status.
func (h *jobHandle) end(status ScheduleStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status.terminal() {
		return
	}
	h.status = status
	close(h.done)
}

// delayedEvery fires once after delay, then every period.
type delayedEvery struct {
	mu      sync.Mutex
	delay   time.Duration
	period  time.Duration
	started bool
}

func (d *delayedEvery) Next(t time.Time) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		d.started = true
		return t.Add(d.delay)
	}
	return t.Add(d.period)
}

func makeLogger(out io.Writer, level LogLevel) rcron.Logger {
	stdLogger := log.New(out, "cron: ", log.LstdFlags)
	cronLogger := rcron.PrintfLogger(stdLogger)
	if level >= LogLevelDebug {
		cronLogger = rcron.VerbosePrintfLogger(stdLogger)
	}
	return cronLogger
}

// build converts implementation-agnostic options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	var cronLogger rcron.Logger
	switch {
	case s.logger != nil:
		cronLogger = &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logWriter != nil:
		cronLogger = makeLogger(s.logWriter, s.logLevel)
	default:
		if s.logLevel > LogLevelSilent {
			cronLogger = makeLogger(os.Stdout, s.logLevel)
		}
	}

	wrappers := []rcron.JobWrapper{}
	if s.errorHandler != nil {
		wrappers = append(wrappers, rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}))
	}
	skipLogger := cronLogger
	if skipLogger == nil {
		skipLogger = rcron.DiscardLogger
	}
	wrappers = append(wrappers, rcron.SkipIfStillRunning(skipLogger))
	opts = append(opts, rcron.WithChain(wrappers...))

	if cronLogger != nil {
		opts = append(opts, rcron.WithLogger(cronLogger))
	}

	return opts
}
