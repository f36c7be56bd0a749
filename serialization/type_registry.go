package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// TypeRegistry maps event names to the Go type of their payload so listeners can
// decode without naming the type at every call site
type TypeRegistry interface {
	// Register binds an event name to the type of sample
	Register(event string, sample any) error

	// Get returns the payload type registered for an event
	Get(event string) (reflect.Type, error)

	// CreateInstance returns a pointer to a new zero value of the event's payload type
	CreateInstance(event string) (any, error)

	// IsRegistered reports whether an event has a payload type
	IsRegistered(event string) bool

	// ListEvents returns the registered event names, sorted
	ListEvents() []string
}

// DefaultTypeRegistry is the default implementation of TypeRegistry
type DefaultTypeRegistry struct {
	types map[string]reflect.Type
	mu    sync.RWMutex
}

// NewTypeRegistry creates an empty registry
func NewTypeRegistry() *DefaultTypeRegistry {
	return &DefaultTypeRegistry{
		types: make(map[string]reflect.Type),
	}
}

// Register implements TypeRegistry. Re-registering the same type is a no-op.
func (r *DefaultTypeRegistry) Register(event string, sample any) error {
	if event == "" {
		return fmt.Errorf("event name cannot be empty")
	}
	if sample == nil {
		return fmt.Errorf("payload type cannot be nil")
	}

	t := reflect.TypeOf(sample)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[event]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("event %s already registered to %v", event, existing)
	}

	r.types[event] = t
	return nil
}

// Get implements TypeRegistry
func (r *DefaultTypeRegistry) Get(event string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[event]
	if !exists {
		return nil, fmt.Errorf("event %s not registered", event)
	}
	return t, nil
}

// CreateInstance implements TypeRegistry
func (r *DefaultTypeRegistry) CreateInstance(event string) (any, error) {
	t, err := r.Get(event)
	if err != nil {
		return nil, err
	}
	return reflect.New(t).Interface(), nil
}

// IsRegistered implements TypeRegistry
func (r *DefaultTypeRegistry) IsRegistered(event string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.types[event]
	return exists
}

// ListEvents implements TypeRegistry
func (r *DefaultTypeRegistry) ListEvents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	events := make([]string, 0, len(r.types))
	for event := range r.types {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}
