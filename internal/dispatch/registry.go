// Package dispatch resolves inbound JSON-RPC envelopes against a registry of
// named handlers and hands every produced envelope to the broadcast hub.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateMethod is returned when a method name is registered twice.
	ErrDuplicateMethod = errors.New("method already registered")
	// ErrRegistryFrozen is returned when registering after the registry was frozen.
	ErrRegistryFrozen = errors.New("registry frozen")
)

// Output is one envelope a handler wants emitted. A zero Method means a
// reply correlated with the request id; otherwise it is a notification.
type Output struct {
	Method string
	Value  any
	// Delay is waited before this output is emitted.
	Delay time.Duration
}

// Reply returns an output that answers the request with v as its result.
func Reply(v any) Output {
	return Output{Value: v}
}

// Notify returns an output that emits a notification for method.
func Notify(method string, params any) Output {
	return Output{Method: method, Value: params}
}

// After returns a copy of o that is emitted only after d has elapsed.
func (o Output) After(d time.Duration) Output {
	o.Delay = d
	return o
}

// Handler is the logic bound to one method name.
type Handler interface {
	Handle(ctx context.Context, params json.RawMessage) ([]Output, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params json.RawMessage) ([]Output, error)

// Handle calls f(ctx, params).
func (f HandlerFunc) Handle(ctx context.Context, params json.RawMessage) ([]Output, error) {
	return f(ctx, params)
}

// Registry maps method names to handlers. It is populated at startup and
// read-only once frozen.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to name.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" || h == nil {
		return fmt.Errorf("register %q: name and handler are required", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %q: %w", name, ErrRegistryFrozen)
	}
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("register %q: %w", name, ErrDuplicateMethod)
	}
	r.handlers[name] = h
	return nil
}

// RegisterFunc binds f to name.
func (r *Registry) RegisterFunc(name string, f func(ctx context.Context, params json.RawMessage) ([]Output, error)) error {
	return r.Register(name, HandlerFunc(f))
}

// Freeze stops further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup returns the handler bound to name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Methods returns the registered method names in sorted order.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
