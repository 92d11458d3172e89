package outbox

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	events "github.com/goliatone/go-events"
)

// Codec maps event type names to Go types for persisted payloads.
type Codec struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

func NewCodec() *Codec {
	return &Codec{types: make(map[string]reflect.Type)}
}

// Register makes E decodable and returns its type name.
func Register[E any](c *Codec) string {
	var zero E
	t := reflect.TypeOf((*E)(nil)).Elem()
	sample := any(zero)
	if t.Kind() == reflect.Ptr {
		sample = reflect.New(t.Elem()).Interface()
	}
	return c.register(events.TypeName(sample), t)
}

// RegisterType makes the dynamic type of sample decodable.
func (c *Codec) RegisterType(sample any) string {
	return c.register(events.TypeName(sample), reflect.TypeOf(sample))
}

func (c *Codec) register(name string, t reflect.Type) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[name] = t
	return name
}

// Types lists the registered type names.
func (c *Codec) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.types))
	for name := range c.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Encode returns the type name and JSON payload of event. The exact Go type
// of event, pointer or value, must be the registered one so that Decode
// rebuilds a value the same handlers match.
func (c *Codec) Encode(event any) (string, []byte, error) {
	name := events.TypeName(event)
	c.mu.RLock()
	registered, known := c.types[name]
	c.mu.RUnlock()
	if !known {
		return "", nil, unknownType(name)
	}
	if actual := reflect.TypeOf(event); actual != registered {
		return "", nil, events.NewError(events.ErrUnknownEventType,
			fmt.Sprintf("event type %q is registered as %s but published as %s", name, registered, actual), nil,
			map[string]any{"event_type": name, "registered": registered.String(), "published": actual.String()})
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return name, payload, nil
}

// Decode rebuilds an event value of the registered type.
func (c *Codec) Decode(eventType string, payload []byte) (any, error) {
	c.mu.RLock()
	t, ok := c.types[eventType]
	c.mu.RUnlock()
	if !ok {
		return nil, unknownType(eventType)
	}

	target := t
	if t.Kind() == reflect.Ptr {
		target = t.Elem()
	}
	ptr := reflect.New(target)
	if err := json.Unmarshal(payload, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	if t.Kind() == reflect.Ptr {
		return ptr.Interface(), nil
	}
	return ptr.Elem().Interface(), nil
}

func unknownType(name string) error {
	return events.NewError(events.ErrUnknownEventType,
		fmt.Sprintf("event type %q is not registered with the outbox codec", name), nil,
		map[string]any{"event_type": name})
}
