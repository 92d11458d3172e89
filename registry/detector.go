package registry

import (
	"context"
	"reflect"

	events "github.com/goliatone/go-events"
)

// Detector resolves the execution contexts for an event.
type Detector interface {
	Detect(event any) ([]events.ExecutionContext, error)
}

// Detect returns one execution context per matching registration, in
// registration order. Aggregate events only reach aggregate handlers and
// other events only reach service handlers. An unresolvable service is a
// configuration error.
func (r *Registry) Detect(event any) ([]events.ExecutionContext, error) {
	if events.IsNilEvent(event) {
		return nil, events.NewError(events.ErrUnknownEventType, "cannot detect handlers for a nil event", nil, nil)
	}

	aggregate, isAggregate := event.(events.AggregateEvent)
	matched := r.lookup(reflect.TypeOf(event))
	contexts := make([]events.ExecutionContext, 0, len(matched))

	for _, reg := range matched {
		switch reg.kind {
		case KindService:
			if isAggregate {
				continue
			}
			instance, err := r.resolve(reg)
			if err != nil {
				return nil, err
			}
			contexts = append(contexts, events.NewServiceExecutionContext(
				reg.name, reg.method, instance, event, reg.bind(instance, event),
			))
		case KindAggregate:
			if !isAggregate {
				continue
			}
			call := reg.call
			contexts = append(contexts, events.NewAggregateExecutionContext(
				reg.name, reg.method, reg.repository, aggregate, reg.load,
				func(ctx context.Context, instance any) error {
					return call(ctx, instance, event)
				},
			))
		}
	}
	return contexts, nil
}
