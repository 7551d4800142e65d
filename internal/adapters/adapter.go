// Package adapters defines the adapter contract and the fan-out dispatcher
// that delivers domain events to registered adapters along isolated lanes.
package adapters

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/teleclaude/teleclaude/internal/events/bus"
)

// Adapter is the common surface every adapter exposes.
type Adapter interface {
	ID() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// UIAdapter renders sessions on a chat surface. DeliverEvent must tolerate
// duplicate deliveries: the dispatcher replays after crashes.
type UIAdapter interface {
	Adapter

	// DeliverEvent pushes one domain event to the platform.
	DeliverEvent(ctx context.Context, event *bus.Event) error

	// Ready reports whether the platform-side channel/thread for the
	// session exists. Delivery is gated on readiness.
	Ready(ctx context.Context, sessionID string) bool

	// Healthy is polled while a lane is quarantined.
	Healthy(ctx context.Context) bool
}

// TransportAdapter moves requests between machines. No UI.
type TransportAdapter interface {
	Adapter

	// SendRequest performs a one-shot request to a named peer.
	SendRequest(ctx context.Context, computer string, payload []byte) ([]byte, error)

	// Peers lists currently reachable machines.
	Peers(ctx context.Context) ([]string, error)
}

// Registry holds the adapter handles by id.
type Registry struct {
	mu         sync.RWMutex
	uis        map[string]UIAdapter
	transports map[string]TransportAdapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		uis:        make(map[string]UIAdapter),
		transports: make(map[string]TransportAdapter),
	}
}

// RegisterUI starts and registers a UI adapter. Start failure prevents
// registration (and should prevent daemon startup).
func (r *Registry) RegisterUI(ctx context.Context, a UIAdapter) error {
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("adapter %s failed to start: %w", a.ID(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.uis[a.ID()]; dup {
		return fmt.Errorf("adapter %s already registered", a.ID())
	}
	r.uis[a.ID()] = a
	return nil
}

// RegisterTransport starts and registers a transport adapter.
func (r *Registry) RegisterTransport(ctx context.Context, a TransportAdapter) error {
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("transport %s failed to start: %w", a.ID(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.transports[a.ID()]; dup {
		return fmt.Errorf("transport %s already registered", a.ID())
	}
	r.transports[a.ID()] = a
	return nil
}

// UIs returns the registered UI adapters in stable id order.
func (r *Registry) UIs() []UIAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.uis))
	for id := range r.uis {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]UIAdapter, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.uis[id])
	}
	return out
}

// Transport returns a transport adapter by id.
func (r *Registry) Transport(id string) (TransportAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.transports[id]
	return t, ok
}

// StopAll stops every registered adapter.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.uis {
		_ = a.Stop(ctx)
	}
	for _, a := range r.transports {
		_ = a.Stop(ctx)
	}
}
