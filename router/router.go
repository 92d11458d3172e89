package router

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	events "github.com/goliatone/go-events"
	"github.com/goliatone/go-events/publisher"
	"github.com/goliatone/go-events/tx"
)

// Channel bundles the publisher and receiving handler used for a group of
// event types.
type Channel struct {
	Name      string
	Publisher publisher.Publisher
	Receiver  events.Receiver
}

func (c *Channel) validate() error {
	if c == nil || c.Name == "" {
		return events.NewError(events.ErrInvalidConfig, "channel requires a name", nil, nil)
	}
	if c.Publisher == nil || c.Receiver == nil {
		return events.NewError(events.ErrInvalidConfig,
			fmt.Sprintf("channel %q requires a publisher and a receiver", c.Name), nil,
			map[string]any{"channel": c.Name})
	}
	return nil
}

type interfaceRoute struct {
	iface   reflect.Type
	channel *Channel
}

type patternRoute struct {
	pattern string
	channel *Channel
}

// Router resolves the channel of an event from its runtime type. Lookup
// order is concrete type, then the first registered interface the type
// implements, then the first matching event type pattern, then the default
// channel. Results are cached per type.
type Router struct {
	mu         sync.RWMutex
	fallback   *Channel
	channels   map[string]*Channel
	concrete   map[reflect.Type]*Channel
	interfaces []interfaceRoute
	patterns   []patternRoute
	cache      map[reflect.Type]*Channel
	match      func(pattern, eventType string) bool
	logger     events.Logger
}

// New creates a router falling back to fallback.
func New(fallback *Channel, opts ...Option) (*Router, error) {
	if fallback == nil {
		return nil, events.NewError(events.ErrUnknownChannel, "router requires a default channel", nil, nil)
	}
	if err := fallback.validate(); err != nil {
		return nil, err
	}

	r := &Router{
		fallback: fallback,
		channels: map[string]*Channel{fallback.Name: fallback},
		concrete: make(map[reflect.Type]*Channel),
		cache:    make(map[reflect.Type]*Channel),
		match:    NewPatternMatcher(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = events.NormalizeLogger(r.logger)
	return r, nil
}

// Register adds a named channel that routes can refer to.
func (r *Router) Register(ch *Channel) error {
	if err := ch.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.channels[ch.Name]; exists {
		return events.NewError(events.ErrInvalidConfig,
			fmt.Sprintf("channel %q already registered", ch.Name), nil,
			map[string]any{"channel": ch.Name})
	}
	r.channels[ch.Name] = ch
	return nil
}

// Route sends events of type E to the named channel. When E is an interface
// every event implementing it is routed, unless a concrete route wins.
func Route[E any](r *Router, channel string) error {
	return r.route(reflect.TypeFor[E](), channel)
}

func (r *Router) route(t reflect.Type, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.lookupChannel(name)
	if err != nil {
		return err
	}

	if t.Kind() == reflect.Interface {
		r.interfaces = append(r.interfaces, interfaceRoute{iface: t, channel: ch})
	} else {
		r.concrete[indirect(t)] = ch
	}
	clear(r.cache)
	r.logger.Debug("event type %s routed to channel %s", t.String(), name)
	return nil
}

// RoutePattern sends events whose type name matches pattern to the named
// channel.
func (r *Router) RoutePattern(pattern, channel string) error {
	if pattern == "" {
		return events.NewError(events.ErrInvalidConfig, "route pattern cannot be empty", nil, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.lookupChannel(channel)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, patternRoute{pattern: pattern, channel: ch})
	clear(r.cache)
	return nil
}

func (r *Router) lookupChannel(name string) (*Channel, error) {
	ch, ok := r.channels[name]
	if !ok {
		return nil, events.NewError(events.ErrUnknownChannel,
			fmt.Sprintf("channel %q is not registered", name), nil,
			map[string]any{"channel": name})
	}
	return ch, nil
}

// ChannelFor returns the channel responsible for event. It never returns nil.
func (r *Router) ChannelFor(event any) *Channel {
	if events.IsNilEvent(event) {
		return r.fallback
	}
	t := reflect.TypeOf(event)

	r.mu.RLock()
	ch, ok := r.cache[t]
	r.mu.RUnlock()
	if ok {
		return ch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.cache[t]; ok {
		return ch
	}
	ch = r.resolve(t, events.TypeName(event))
	r.cache[t] = ch
	return ch
}

func (r *Router) resolve(t reflect.Type, eventType string) *Channel {
	if ch, ok := r.concrete[indirect(t)]; ok {
		return ch
	}
	for _, route := range r.interfaces {
		if t.Implements(route.iface) {
			return route.channel
		}
	}
	for _, route := range r.patterns {
		if r.match(route.pattern, eventType) {
			return route.channel
		}
	}
	return r.fallback
}

// Publish hands event to the publisher of its channel.
func (r *Router) Publish(ctx context.Context, txn tx.Transaction, event any) error {
	return r.ChannelFor(event).Publisher.Publish(ctx, txn, event)
}

// Receive dispatches event through the receiving handler of its channel.
func (r *Router) Receive(ctx context.Context, event any) (events.ProcessingResult, error) {
	return r.ChannelFor(event).Receiver.Receive(ctx, event)
}

// Default returns the fallback channel.
func (r *Router) Default() *Channel {
	return r.fallback
}

// Channel looks up a registered channel by name.
func (r *Router) Channel(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Channels lists registered channels sorted by name.
func (r *Router) Channels() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Channel, 0, len(names))
	for _, name := range names {
		out = append(out, r.channels[name])
	}
	return out
}

func indirect(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}
