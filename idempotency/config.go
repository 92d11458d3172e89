package idempotency

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	events "github.com/goliatone/go-events"
)

// KeyFunc derives the deduplication key of an event.
type KeyFunc func(event any) (string, error)

// Rule routes invocations of a handler method for one event type through
// the task store. An empty Method matches every method of the handler.
type Rule struct {
	Handler   string
	Method    string
	EventType string
	Key       KeyFunc
}

func (r Rule) id() string {
	return r.Handler + "." + r.Method + "@" + r.EventType
}

// Configuration is the set of idempotency rules consulted per invocation.
type Configuration struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewConfiguration() *Configuration {
	return &Configuration{rules: make(map[string]Rule)}
}

// Add registers rule. A rule for the same handler, method and event type
// can only be registered once.
func (c *Configuration) Add(rule Rule) error {
	rule.Handler = strings.TrimSpace(rule.Handler)
	rule.Method = strings.TrimSpace(rule.Method)
	rule.EventType = strings.TrimSpace(rule.EventType)
	if rule.Handler == "" || rule.EventType == "" {
		return events.NewError(events.ErrInvalidConfig,
			"idempotency rule requires a handler and an event type", nil,
			map[string]any{"handler": rule.Handler, "event_type": rule.EventType})
	}
	if rule.Key == nil {
		return events.NewError(events.ErrInvalidConfig,
			"idempotency rule requires a key function", nil,
			map[string]any{"handler": rule.Handler, "event_type": rule.EventType})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rules[rule.id()]; exists {
		return events.NewError(events.ErrInvalidConfig,
			fmt.Sprintf("idempotency rule %s already registered", rule.id()), nil, nil)
	}
	c.rules[rule.id()] = rule
	return nil
}

// AddRule registers a typed key function for events of type E.
func AddRule[E any](c *Configuration, handler, method string, key func(E) (string, error)) error {
	if key == nil {
		return c.Add(Rule{Handler: handler, Method: method, EventType: typeName[E]()})
	}
	return c.Add(Rule{
		Handler:   handler,
		Method:    method,
		EventType: typeName[E](),
		Key: func(event any) (string, error) {
			typed, ok := event.(E)
			if !ok {
				return "", fmt.Errorf("idempotency key expects %T, got %T", *new(E), event)
			}
			return key(typed)
		},
	})
}

// Match returns the rule governing ec, preferring an exact method rule.
func (c *Configuration) Match(ec events.ExecutionContext) (Rule, bool) {
	if c == nil || ec == nil {
		return Rule{}, false
	}
	eventType := events.TypeName(ec.Event())

	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.rules) == 0 {
		return Rule{}, false
	}
	exact := Rule{Handler: ec.HandlerName(), Method: ec.MethodName(), EventType: eventType}
	if rule, ok := c.rules[exact.id()]; ok {
		return rule, true
	}
	exact.Method = ""
	rule, ok := c.rules[exact.id()]
	return rule, ok
}

// Rules lists registered rules ordered by handler, method and event type.
func (c *Configuration) Rules() []Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Rule, 0, len(c.rules))
	for _, rule := range c.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id() < out[j].id() })
	return out
}

func typeName[E any]() string {
	t := reflect.TypeOf((*E)(nil)).Elem()
	if t.Kind() == reflect.Ptr {
		return events.TypeName(reflect.New(t.Elem()).Interface())
	}
	var zero E
	return events.TypeName(zero)
}
