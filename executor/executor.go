package executor

import (
	"context"
	"time"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/runner"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/goliatone/go-events/executor"

// Executor runs one execution context. Handler failures are reported as
// ok=false and never returned; err is reserved for infrastructure failures
// that must stop the caller.
type Executor interface {
	Execute(ctx context.Context, ec events.ExecutionContext) (ok bool, err error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, ec events.ExecutionContext) (bool, error)

func (f Func) Execute(ctx context.Context, ec events.ExecutionContext) (bool, error) {
	return f(ctx, ec)
}

// Recorder receives one observation per handler invocation.
type Recorder interface {
	RecordExecution(eventType, handler, method string, ok bool, elapsed time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) RecordExecution(string, string, string, bool, time.Duration) {}

// Propagation controls how TransactionalExecutor treats an ambient transaction.
type Propagation int

const (
	// PropagationRequired joins the transaction carried by ctx, or opens a
	// new one when there is none.
	PropagationRequired Propagation = iota
	// PropagationRequiresNew always opens a transaction for the invocation.
	PropagationRequiresNew
)

type settings struct {
	logger      events.Logger
	before      []func(ctx context.Context, ec events.ExecutionContext)
	after       []func(ctx context.Context, ec events.ExecutionContext, ok bool)
	runner      *runner.Handler
	recorder    Recorder
	tracer      trace.Tracer
	propagation Propagation
	now         func() time.Time
}

// Option customizes executors.
type Option func(*settings)

func WithLogger(logger events.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithBeforeExecution registers a hook that runs before every invocation.
func WithBeforeExecution(fn func(ctx context.Context, ec events.ExecutionContext)) Option {
	return func(s *settings) {
		if fn != nil {
			s.before = append(s.before, fn)
		}
	}
}

// WithAfterExecution registers a hook that receives the invocation outcome.
func WithAfterExecution(fn func(ctx context.Context, ec events.ExecutionContext, ok bool)) Option {
	return func(s *settings) {
		if fn != nil {
			s.after = append(s.after, fn)
		}
	}
}

// WithRunner sets the timeout/retry policy applied to each invocation.
func WithRunner(h *runner.Handler) Option {
	return func(s *settings) {
		s.runner = h
	}
}

func WithRecorder(r Recorder) Option {
	return func(s *settings) {
		s.recorder = r
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *settings) {
		s.tracer = t
	}
}

func WithPropagation(p Propagation) Option {
	return func(s *settings) {
		s.propagation = p
	}
}

func newSettings(opts []Option) settings {
	s := settings{
		propagation: PropagationRequired,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	s.logger = events.NormalizeLogger(s.logger)
	if s.runner == nil {
		s.runner = runner.NewHandler()
	}
	if s.recorder == nil {
		s.recorder = noopRecorder{}
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	return s
}

func (s *settings) execute(ctx context.Context, ec events.ExecutionContext, invoke func(ctx context.Context) error) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	fields := events.ContextFields(ec)
	eventType, _ := fields["event_type"].(string)

	ctx, span := s.tracer.Start(ctx, "events.handle "+eventType, trace.WithAttributes(
		attribute.String("events.type", eventType),
		attribute.String("events.handler", ec.HandlerName()),
		attribute.String("events.method", ec.MethodName()),
	))
	defer span.End()

	logger := events.WithLoggerFields(s.logger.WithContext(ctx), fields)
	for _, hook := range s.before {
		hook(ctx, ec)
	}

	started := s.now()
	err := s.runner.Run(ctx, invoke)
	ok := err == nil
	if !ok {
		err = events.WrapHandlerError(ec, err)
		logger.Error("event handler failed: %v", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "handler failed")
	} else {
		logger.Debug("event handler completed")
	}

	s.recorder.RecordExecution(eventType, ec.HandlerName(), ec.MethodName(), ok, s.now().Sub(started))
	for _, hook := range s.after {
		hook(ctx, ec, ok)
	}
	return ok
}
