package outbox

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

const (
	traceParentKey = "traceparent"
	traceStateKey  = "tracestate"
)

func injectTrace(ctx context.Context, propagator propagation.TextMapPropagator) (string, string) {
	if ctx == nil || propagator == nil {
		return "", ""
	}
	carrier := propagation.MapCarrier{}
	propagator.Inject(ctx, carrier)
	return carrier.Get(traceParentKey), carrier.Get(traceStateKey)
}

// extractTrace restores the trace context captured when entry was stored.
func extractTrace(ctx context.Context, propagator propagation.TextMapPropagator, entry Entry) context.Context {
	if entry.TraceParent == "" || propagator == nil {
		return ctx
	}
	carrier := propagation.MapCarrier{traceParentKey: entry.TraceParent}
	if entry.TraceState != "" {
		carrier[traceStateKey] = entry.TraceState
	}
	return propagator.Extract(ctx, carrier)
}
