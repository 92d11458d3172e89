package registry

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/goliatone/go-errors"
	events "github.com/goliatone/go-events"
)

// HandlerKind separates service handlers from aggregate handlers.
type HandlerKind string

const (
	KindService   HandlerKind = "service"
	KindAggregate HandlerKind = "aggregate"
)

var aggregateEventType = reflect.TypeOf((*events.AggregateEvent)(nil)).Elem()

type registration struct {
	kind      HandlerKind
	eventType reflect.Type
	name      string
	method    string

	// service handlers
	fixed any
	check func(instance any) bool
	bind  func(instance, event any) func(ctx context.Context) error

	// aggregate handlers
	repository any
	load       func(ctx context.Context, id string) (any, bool, error)
	call       func(ctx context.Context, aggregate, event any) error
}

func (r *registration) matches(t reflect.Type) bool {
	if r.eventType == t {
		return true
	}
	return r.eventType.Kind() == reflect.Interface && t.Implements(r.eventType)
}

// HandlerInfo describes one registration.
type HandlerInfo struct {
	Kind      HandlerKind
	EventType string
	Handler   string
	Method    string
}

// Registry is the handler table consulted on every dispatch. Registrations
// are explicit closures, so detection never reflects over handler methods.
type Registry struct {
	mu          sync.RWMutex
	services    *Services
	entries     []*registration
	cache       map[reflect.Type][]*registration
	initialized bool
}

// New builds a registry resolving service handlers from services.
func New(services *Services) *Registry {
	if services == nil {
		services = NewServices()
	}
	return &Registry{
		services: services,
		cache:    make(map[reflect.Type][]*registration),
	}
}

// Services returns the registry used to resolve service handlers.
func (r *Registry) Services() *Services {
	return r.services
}

// Subscribe registers method of the service named service as a handler for
// events of type E. E may be an interface, in which case every event
// implementing it is delivered.
func Subscribe[S any, E any](r *Registry, service, method string, fn func(S, context.Context, E) error) error {
	if fn == nil {
		return invalidRegistration("handler function cannot be nil", service, method)
	}
	eventType := typeOf[E]()
	if eventType.Implements(aggregateEventType) {
		return invalidRegistration("aggregate events are handled by aggregates, use SubscribeAggregate", service, method)
	}
	return r.add(&registration{
		kind:      KindService,
		eventType: eventType,
		name:      strings.TrimSpace(service),
		method:    methodName(method, fn),
		check: func(instance any) bool {
			_, ok := instance.(S)
			return ok
		},
		bind: func(instance, event any) func(ctx context.Context) error {
			svc := instance.(S)
			evt := event.(E)
			return func(ctx context.Context) error { return fn(svc, ctx, evt) }
		},
	})
}

// SubscribeFunc registers a standalone function handler under name.
func SubscribeFunc[E any](r *Registry, name string, fn func(context.Context, E) error) error {
	if fn == nil {
		return invalidRegistration("handler function cannot be nil", name, "")
	}
	eventType := typeOf[E]()
	if eventType.Implements(aggregateEventType) {
		return invalidRegistration("aggregate events are handled by aggregates, use SubscribeAggregate", name, "")
	}
	return r.add(&registration{
		kind:      KindService,
		eventType: eventType,
		name:      strings.TrimSpace(name),
		method:    "Handle",
		fixed:     fn,
		check:     func(any) bool { return true },
		bind: func(_ any, event any) func(ctx context.Context) error {
			evt := event.(E)
			return func(ctx context.Context) error { return fn(ctx, evt) }
		},
	})
}

// SubscribeAggregate registers method of aggregate A as the handler for the
// aggregate event E. The aggregate is loaded from repo by the event target.
func SubscribeAggregate[A any, E events.AggregateEvent](
	r *Registry,
	name string,
	repo events.Repository[A],
	method string,
	fn func(A, context.Context, E) error,
) error {
	if fn == nil {
		return invalidRegistration("handler function cannot be nil", name, method)
	}
	if repo == nil {
		return invalidRegistration("aggregate repository cannot be nil", name, method)
	}
	return r.add(&registration{
		kind:       KindAggregate,
		eventType:  typeOf[E](),
		name:       strings.TrimSpace(name),
		method:     methodName(method, fn),
		repository: repo,
		load: func(ctx context.Context, id string) (any, bool, error) {
			return repo.FindByID(ctx, id)
		},
		call: func(ctx context.Context, aggregate, event any) error {
			return fn(aggregate.(A), ctx, event.(E))
		},
	})
}

func (r *Registry) add(reg *registration) error {
	if reg.name == "" {
		return invalidRegistration("handler name cannot be empty", reg.name, reg.method)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return events.NewError(events.ErrRegistryAlreadyInitialized,
			"cannot register handlers after registry has been initialized", nil,
			map[string]any{"handler": reg.name, "method": reg.method})
	}
	for _, existing := range r.entries {
		if existing.kind == reg.kind && existing.name == reg.name &&
			existing.method == reg.method && existing.eventType == reg.eventType {
			return invalidRegistration("handler already registered", reg.name, reg.method)
		}
	}
	r.entries = append(r.entries, reg)
	clear(r.cache)
	return nil
}

// Initialize verifies that every service registration resolves to an
// instance of the expected type and freezes the table.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return events.NewError(events.ErrRegistryAlreadyInitialized, "", nil, nil)
	}

	var errs error
	for _, reg := range r.entries {
		if reg.kind != KindService || reg.fixed != nil {
			continue
		}
		if _, err := r.resolve(reg); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	r.initialized = true
	return nil
}

// Initialized reports whether the table is frozen.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized
}

// Describe lists registrations in registration order.
func (r *Registry) Describe() []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HandlerInfo, 0, len(r.entries))
	for _, reg := range r.entries {
		out = append(out, HandlerInfo{
			Kind:      reg.kind,
			EventType: events.TypeNameOf(reg.eventType),
			Handler:   reg.name,
			Method:    reg.method,
		})
	}
	return out
}

func (r *Registry) resolve(reg *registration) (any, error) {
	if reg.fixed != nil {
		return reg.fixed, nil
	}
	instance, ok := r.services.Get(reg.name)
	if !ok {
		return nil, events.NewError(events.ErrHandlerNotResolved,
			fmt.Sprintf("service %q is not registered", reg.name), nil,
			map[string]any{"handler": reg.name, "method": reg.method})
	}
	if !reg.check(instance) {
		return nil, events.NewError(events.ErrHandlerNotResolved,
			fmt.Sprintf("service %q has unexpected type %T", reg.name, instance), nil,
			map[string]any{"handler": reg.name, "method": reg.method})
	}
	return instance, nil
}

func (r *Registry) lookup(t reflect.Type) []*registration {
	r.mu.RLock()
	matched, ok := r.cache[t]
	r.mu.RUnlock()
	if ok {
		return matched
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if matched, ok := r.cache[t]; ok {
		return matched
	}
	matched = make([]*registration, 0)
	for _, reg := range r.entries {
		if reg.matches(t) {
			matched = append(matched, reg)
		}
	}
	r.cache[t] = matched
	return matched
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

func methodName(method string, fn any) string {
	if m := strings.TrimSpace(method); m != "" {
		return m
	}
	return fmt.Sprintf("%T", fn)
}

func invalidRegistration(msg, handler, method string) error {
	return events.NewError(events.ErrInvalidHandlerRegistration, msg, nil,
		map[string]any{"handler": handler, "method": method})
}
