package dispatcher

import (
	"context"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/processor"
	"github.com/goliatone/go-events/registry"
)

// Metrics records one observation per received event.
type Metrics interface {
	RecordDispatch(eventType string, result events.ProcessingResult)
}

type noopMetrics struct{}

func (noopMetrics) RecordDispatch(string, events.ProcessingResult) {}

// Receiver is the receiving domain event handler: it detects the execution
// contexts of an event and hands them to a processor.
type Receiver struct {
	detector  registry.Detector
	processor processor.Processor
	logger    events.Logger
	metrics   Metrics
}

// Option defines the functional option signature.
type Option func(*Receiver)

func WithLogger(logger events.Logger) Option {
	return func(r *Receiver) {
		r.logger = logger
	}
}

func WithMetrics(m Metrics) Option {
	return func(r *Receiver) {
		r.metrics = m
	}
}

// NewReceiver applies the given options to a new receiver.
func NewReceiver(detector registry.Detector, proc processor.Processor, opts ...Option) *Receiver {
	r := &Receiver{
		detector:  detector,
		processor: proc,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = events.NormalizeLogger(r.logger)
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}
	return r
}

// Receive dispatches event to all of its handlers. Detection errors are
// configuration errors and are returned without running any handler.
func (r *Receiver) Receive(ctx context.Context, event any) (events.ProcessingResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	eventType := events.TypeName(event)
	logger := events.WithLoggerFields(r.logger.WithContext(ctx), map[string]any{"event_type": eventType})

	contexts, err := r.detector.Detect(event)
	if err != nil {
		logger.Error("event handler detection failed: %v", err)
		return "", err
	}
	if len(contexts) == 0 {
		logger.Debug("no handlers registered for event")
		r.metrics.RecordDispatch(eventType, events.ResultOK)
		return events.ResultOK, nil
	}

	result, err := r.processor.Process(ctx, contexts)
	if err != nil {
		logger.Error("event processing aborted: %v", err)
		return result, err
	}

	switch result {
	case events.ResultOK:
		logger.Debug("event dispatched to %d handlers", len(contexts))
	default:
		logger.Warn("event dispatch finished with %s", result)
	}
	r.metrics.RecordDispatch(eventType, result)
	return result, nil
}
