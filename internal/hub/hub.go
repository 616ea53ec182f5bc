// Package hub coordinates listener registration, envelope broadcast, and
// listener cleanup for every connected push stream and socket via the Hub
// type.
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/Tyrowin/mcphub/internal/jsonrpc"
)

// DefaultQueueSize is the per-listener outbound queue capacity.
const DefaultQueueSize = 256

var (
	// ErrQueueFull reports that a listener's outbound queue had no room.
	ErrQueueFull = errors.New("listener queue full")
	// ErrClosed reports that a listener was already deregistered.
	ErrClosed = errors.New("listener closed")
	// ErrHubClosed is returned by Register after Shutdown.
	ErrHubClosed = errors.New("hub closed")
)

// Delivery is the outcome of offering one payload to one listener.
type Delivery struct {
	ListenerID string
	Kind       Kind
	Err        error
}

// Report summarizes a single broadcast.
type Report struct {
	Targets   int
	Delivered int
	Failed    []Delivery
}

// Hub manages every live listener and fans each broadcast out to all of
// them. Membership is guarded by a single RWMutex; the listener map is never
// exposed outside the hub.
type Hub struct {
	mu        sync.RWMutex
	listeners map[string]*Listener
	closed    bool

	queueSize int
	logger    *slog.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithQueueSize sets the per-listener outbound queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithLogger sets the hub's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New creates a Hub ready to accept registrations.
func New(opts ...Option) *Hub {
	h := &Hub{
		listeners: make(map[string]*Listener),
		queueSize: DefaultQueueSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub")
	return h
}

// Register adds a new listener of the given kind. The listener only receives
// broadcasts issued after registration; there is no backlog.
func (h *Hub) Register(kind Kind, addr string) (*Listener, error) {
	l := newListener(uuid.New().String(), kind, addr, h.queueSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.listeners[l.id] = l
	total := len(h.listeners)
	h.mu.Unlock()

	h.logger.Info("listener registered",
		"listener_id", l.id,
		"kind", kind,
		"addr", addr,
		"total", total)
	return l, nil
}

// Deregister removes the listener and closes its queue. It is safe to call
// more than once and after the hub already dropped the listener.
func (h *Hub) Deregister(l *Listener) {
	if l == nil {
		return
	}

	h.mu.Lock()
	removed := h.removeLocked(l)
	total := len(h.listeners)
	h.mu.Unlock()

	if removed {
		h.logger.Info("listener deregistered",
			"listener_id", l.id,
			"kind", l.kind,
			"addr", l.addr,
			"total", total)
	}
}

// removeLocked drops l from the set and closes it. Callers hold h.mu.
func (h *Hub) removeLocked(l *Listener) bool {
	current, ok := h.listeners[l.id]
	if !ok || current != l {
		return false
	}
	delete(h.listeners, l.id)
	l.close()
	return true
}

// Broadcast serializes env once and delivers the same bytes to every
// listener registered at the moment of iteration.
func (h *Hub) Broadcast(env jsonrpc.Envelope) (Report, error) {
	if err := env.Validate(); err != nil {
		return Report{}, err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return Report{}, fmt.Errorf("marshaling envelope: %w", err)
	}
	return h.BroadcastRaw(payload), nil
}

// BroadcastRaw delivers an already serialized payload to every listener.
// Each listener is offered the payload independently; a listener whose
// queue is full or closed is deregistered after the pass.
func (h *Hub) BroadcastRaw(payload []byte) Report {
	h.mu.RLock()
	report := Report{Targets: len(h.listeners)}
	for _, l := range h.listeners {
		if err := l.offer(payload); err != nil {
			report.Failed = append(report.Failed, Delivery{ListenerID: l.id, Kind: l.kind, Err: err})
			continue
		}
		report.Delivered++
	}
	h.mu.RUnlock()

	h.logger.Debug("broadcast",
		"bytes", len(payload),
		"targets", report.Targets,
		"delivered", report.Delivered)

	h.removeFailed(report.Failed)
	return report
}

// removeFailed deregisters listeners that could not accept a delivery.
func (h *Hub) removeFailed(failed []Delivery) {
	if len(failed) == 0 {
		return
	}

	h.mu.Lock()
	for _, d := range failed {
		l, ok := h.listeners[d.ListenerID]
		if !ok {
			continue
		}
		h.removeLocked(l)
		h.logger.Warn("listener removed after failed delivery",
			"listener_id", l.id,
			"kind", l.kind,
			"addr", l.addr,
			"error", d.Err)
	}
	h.mu.Unlock()
}

// Count returns the number of live listeners.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// CountByKind returns the number of live listeners of the given kind.
func (h *Hub) CountByKind(kind Kind) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, l := range h.listeners {
		if l.kind == kind {
			n++
		}
	}
	return n
}

// Shutdown deregisters every listener, closing their queues so the adapters
// draining them exit, and refuses further registrations.
func (h *Hub) Shutdown() {
	h.logger.Info("shutting down hub")

	h.mu.Lock()
	h.closed = true
	n := len(h.listeners)
	for _, l := range h.listeners {
		h.removeLocked(l)
	}
	h.mu.Unlock()

	h.logger.Info("closed listeners", "count", n)
}
