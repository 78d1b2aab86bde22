package ble

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"classbeacon/pkg/types"
)

// AlertReceived is surfaced once per logical teacher alert
type AlertReceived struct {
	AlertType types.AlertType
	Source    string
	Epoch     uint32
	Seq       uint32
}

// BluetoothStateChanged is surfaced when the radio is powered on or off
type BluetoothStateChanged struct {
	Enabled bool
}

// Subscription is the handle returned by every Listen call
type Subscription interface {
	ID() string
	// Unsubscribe removes the handler; once it returns the handler never runs again.
	// Must not be called from inside the handler itself.
	Unsubscribe()
}

// registry fans events out to subscribers keyed by subscription id
// ARCHITECTURAL DISCOVERY: Deterministic disposal replaces ambient callbacks:
// each subscription guards its handler with its own mutex, so Unsubscribe
// waits out an in-flight delivery instead of racing it
type registry[E any] struct {
	mu   sync.RWMutex
	subs map[string]*subscription[E]
}

type subscription[E any] struct {
	id      string
	owner   *registry[E]
	handler func(E)
	active  atomic.Bool
	mu      sync.Mutex
}

func newRegistry[E any]() *registry[E] {
	return &registry[E]{subs: make(map[string]*subscription[E])}
}

func (r *registry[E]) listen(handler func(E)) Subscription {
	sub := &subscription[E]{
		id:      uuid.New().String(),
		owner:   r,
		handler: handler,
	}
	sub.active.Store(true)

	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()
	return sub
}

func (r *registry[E]) emit(event E) {
	r.mu.RLock()
	targets := make([]*subscription[E], 0, len(r.subs))
	for _, sub := range r.subs {
		targets = append(targets, sub)
	}
	r.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(event)
	}
}

func (r *registry[E]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// closeAll disposes every subscription
func (r *registry[E]) closeAll() {
	r.mu.Lock()
	targets := r.subs
	r.subs = make(map[string]*subscription[E])
	r.mu.Unlock()

	for _, sub := range targets {
		sub.dispose()
	}
}

func (s *subscription[E]) ID() string { return s.id }

func (s *subscription[E]) Unsubscribe() {
	s.owner.mu.Lock()
	delete(s.owner.subs, s.id)
	s.owner.mu.Unlock()
	s.dispose()
}

func (s *subscription[E]) dispose() {
	s.active.Store(false)
	// Wait for an in-flight delivery to finish.
	s.mu.Lock()
	s.mu.Unlock()
}

func (s *subscription[E]) deliver(event E) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active.Load() {
		return
	}
	s.handler(event)
}

// Registry exposes the subscription registry to components that publish
// their own events with the same teardown guarantee
type Registry[E any] struct {
	inner *registry[E]
}

// NewRegistry creates an empty registry
func NewRegistry[E any]() *Registry[E] {
	return &Registry[E]{inner: newRegistry[E]()}
}

// Listen registers handler
func (r *Registry[E]) Listen(handler func(E)) Subscription { return r.inner.listen(handler) }

// Emit delivers event to every active subscription
func (r *Registry[E]) Emit(event E) { r.inner.emit(event) }

// CloseAll disposes every subscription; no handler runs once it returns
func (r *Registry[E]) CloseAll() { r.inner.closeAll() }
