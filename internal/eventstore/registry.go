package eventstore

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Event is a domain fact that can be appended to the log.
type Event interface {
	EventType() string
}

// Publishable lets an event type declare its own publish capability when it is
// not listed in the Registry.
type Publishable interface {
	IsPublishable() bool
}

// Descriptor is the static metadata of one event type.
type Descriptor struct {
	Publish bool
}

// Registry maps event types to descriptors. It is filled at startup and read
// on every append.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Descriptor
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Descriptor)}
}

// Register declares eventType. Registering the same type twice with a
// different descriptor is an error.
func (r *Registry) Register(eventType string, d Descriptor) error {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return fmt.Errorf("register: empty event type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.types[eventType]; ok && prev != d {
		return fmt.Errorf("register %s: conflicting descriptor", eventType)
	}
	r.types[eventType] = d

	return nil
}

func (r *Registry) MustRegister(eventType string, d Descriptor) {
	if err := r.Register(eventType, d); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(eventType string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.types[eventType]
	return d, ok
}

// Types lists the registered event types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.types))
	for t := range r.types {
		out = append(out, t)
	}
	sort.Strings(out)

	return out
}

// ShouldPublish resolves the publish capability of ev. The registry wins over
// the Publishable interface; an event known to neither fails closed.
func (r *Registry) ShouldPublish(ev Event) (bool, error) {
	if d, ok := r.Lookup(ev.EventType()); ok {
		return d.Publish, nil
	}
	if p, ok := ev.(Publishable); ok {
		return p.IsPublishable(), nil
	}

	return false, fmt.Errorf("%w: %s", ErrUnregisteredEventType, ev.EventType())
}
