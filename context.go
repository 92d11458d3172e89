package events

import (
	"context"
	"fmt"
)

// ExecutionContext binds one event to one resolved handler. Contexts are
// built per dispatch attempt and must not be shared between goroutines.
type ExecutionContext interface {
	// HandlerName is the service name or the aggregate repository name.
	HandlerName() string
	// MethodName is the handler method bound at registration.
	MethodName() string
	Event() any
	// Invoke runs the handler.
	Invoke(ctx context.Context) error
}

// Repository loads aggregate instances for aggregate targeted events.
type Repository[A any] interface {
	FindByID(ctx context.Context, id string) (A, bool, error)
}

// RepositoryFunc adapts a function to Repository.
type RepositoryFunc[A any] func(ctx context.Context, id string) (A, bool, error)

func (f RepositoryFunc[A]) FindByID(ctx context.Context, id string) (A, bool, error) {
	return f(ctx, id)
}

// ServiceExecutionContext invokes a handler method on a service instance.
type ServiceExecutionContext struct {
	Handler     any
	Name        string
	Method      string
	DomainEvent any

	call func(ctx context.Context) error
}

// NewServiceExecutionContext builds a context whose call closure is already
// bound to handler and event.
func NewServiceExecutionContext(name, method string, handler, event any, call func(ctx context.Context) error) *ServiceExecutionContext {
	return &ServiceExecutionContext{
		Handler:     handler,
		Name:        name,
		Method:      method,
		DomainEvent: event,
		call:        call,
	}
}

func (c *ServiceExecutionContext) HandlerName() string { return c.Name }
func (c *ServiceExecutionContext) MethodName() string  { return c.Method }
func (c *ServiceExecutionContext) Event() any          { return c.DomainEvent }

func (c *ServiceExecutionContext) Invoke(ctx context.Context) error {
	if c.call == nil {
		return fmt.Errorf("service %s has no binding for %s", c.Name, c.Method)
	}
	return c.call(ctx)
}

func (c *ServiceExecutionContext) String() string {
	return fmt.Sprintf("%s.%s(%s)", c.Name, c.Method, TypeName(c.DomainEvent))
}

// AggregateExecutionContext loads the targeted aggregate and invokes the
// handler method on it.
type AggregateExecutionContext struct {
	Repository  any
	Name        string
	Method      string
	DomainEvent AggregateEvent
	TargetID    string

	load func(ctx context.Context, id string) (any, bool, error)
	call func(ctx context.Context, aggregate any) error
}

// NewAggregateExecutionContext builds a context bound to the event target.
func NewAggregateExecutionContext(
	name, method string,
	repository any,
	event AggregateEvent,
	load func(ctx context.Context, id string) (any, bool, error),
	call func(ctx context.Context, aggregate any) error,
) *AggregateExecutionContext {
	return &AggregateExecutionContext{
		Repository:  repository,
		Name:        name,
		Method:      method,
		DomainEvent: event,
		TargetID:    event.TargetID(),
		load:        load,
		call:        call,
	}
}

func (c *AggregateExecutionContext) HandlerName() string { return c.Name }
func (c *AggregateExecutionContext) MethodName() string  { return c.Method }
func (c *AggregateExecutionContext) Event() any          { return c.DomainEvent }

// Invoke fails with ErrAggregateNotFound when the target does not exist.
func (c *AggregateExecutionContext) Invoke(ctx context.Context) error {
	if c.load == nil || c.call == nil {
		return fmt.Errorf("aggregate %s has no binding for %s", c.Name, c.Method)
	}
	aggregate, found, err := c.load(ctx, c.TargetID)
	if err != nil {
		return err
	}
	if !found {
		return AggregateNotFound(c.Name, c.TargetID)
	}
	return c.call(ctx, aggregate)
}

func (c *AggregateExecutionContext) String() string {
	return fmt.Sprintf("%s[%s].%s(%s)", c.Name, c.TargetID, c.Method, TypeName(c.DomainEvent))
}

// ContextFields returns structured log fields describing an execution context.
func ContextFields(ec ExecutionContext) map[string]any {
	if ec == nil {
		return nil
	}
	fields := map[string]any{
		"handler":    ec.HandlerName(),
		"method":     ec.MethodName(),
		"event_type": TypeName(ec.Event()),
	}
	if agg, ok := ec.(*AggregateExecutionContext); ok {
		fields["target_id"] = agg.TargetID
	}
	return fields
}
