package registry

import (
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-errors"
	events "github.com/goliatone/go-events"
)

// Services resolves handler instances by name.
type Services struct {
	mu     sync.RWMutex
	byName map[string]any
}

func NewServices() *Services {
	return &Services{byName: make(map[string]any)}
}

// Register binds instance to name. Names are unique.
func (s *Services) Register(name string, instance any) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return events.NewError(events.ErrInvalidHandlerRegistration, "service name cannot be empty", nil, nil)
	}
	if events.IsNilEvent(instance) {
		return events.NewError(events.ErrInvalidHandlerRegistration, "service instance cannot be nil", nil,
			map[string]any{"service": name})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[name]; exists {
		return errors.New("service already registered", errors.CategoryConflict).
			WithTextCode("SERVICE_ALREADY_REGISTERED").
			WithMetadata(map[string]any{"service": name})
	}
	s.byName[name] = instance
	return nil
}

// Get returns the instance registered under name.
func (s *Services) Get(name string) (any, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.byName[name]
	return instance, ok
}

// Names lists registered services in lexical order.
func (s *Services) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
