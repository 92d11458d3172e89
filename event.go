package events

import (
	"reflect"
	"regexp"
	"strings"
)

// UnknownType is reported for nil events.
const UnknownType = "unknown_type"

// AggregateEvent is implemented by events addressed to a single aggregate
// instance. Handlers for these events are declared on the aggregate and run
// against the instance loaded by TargetID.
type AggregateEvent interface {
	TargetID() string
}

// Typer lets an event override the name derived from its Go type.
type Typer interface {
	EventType() string
}

// IsAggregateEvent reports whether the event targets an aggregate.
func IsAggregateEvent(event any) bool {
	_, ok := event.(AggregateEvent)
	return ok
}

// IsNilEvent reports nil values and nil pointers.
func IsNilEvent(event any) bool {
	if event == nil {
		return true
	}
	v := reflect.ValueOf(event)
	if v.Kind() != reflect.Ptr {
		return false
	}
	return v.IsNil()
}

// TypeName returns the stable name used to persist and route an event.
// Events implementing Typer control their own name, otherwise the name is
// built from the last package path segment and the snake cased type name,
// e.g. "orders::order_placed".
func TypeName(event any) string {
	if IsNilEvent(event) {
		return UnknownType
	}

	if typer, ok := event.(Typer); ok {
		if name := strings.TrimSpace(typer.EventType()); name != "" {
			return name
		}
	}

	return TypeNameOf(reflect.TypeOf(event))
}

// TypeNameOf derives the event name for a reflect.Type.
func TypeNameOf(t reflect.Type) string {
	if t == nil {
		return UnknownType
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	name := t.Name()
	if name == "" {
		name = t.String()
	}

	snake := toSnakeCase(name)
	if pkg := packageName(t); pkg != "" {
		return pkg + "::" + snake
	}
	return snake
}

// packageName returns the declared package name of a named type. The import
// path can differ from it ("go-events" vs "events"), the qualified type
// string cannot.
func packageName(t reflect.Type) string {
	if t.PkgPath() == "" || t.Name() == "" {
		return ""
	}
	if qualified, ok := strings.CutSuffix(t.String(), "."+t.Name()); ok && qualified != "" {
		return qualified
	}
	parts := strings.Split(t.PkgPath(), "/")
	return parts[len(parts)-1]
}

var snakeBoundary = regexp.MustCompile("([a-z0-9])([A-Z])")

func toSnakeCase(s string) string {
	return strings.ToLower(snakeBoundary.ReplaceAllString(s, "${1}_${2}"))
}
