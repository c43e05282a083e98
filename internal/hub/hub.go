// Package hub implements the live-subscriber fan-out. The Hub keeps the set
// of connected sinks and delivers labeled events (hello, upsert, delete) to
// each of them; a sink that fails a write is dropped without affecting the
// others.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/stripboard/stripd/internal/strip"
)

// Event names carried on the push channel.
const (
	EventHello  = "hello"
	EventUpsert = "upsert"
	EventDelete = "delete"
)

var (
	// ErrClosed is returned by Send on a sink that has been closed.
	ErrClosed = errors.New("sink closed")
	// ErrSlowConsumer is returned by Send when a sink cannot accept more events.
	ErrSlowConsumer = errors.New("sink buffer full")
)

// Event is a labeled notification.
type Event struct {
	Name string
	Data any
}

// Hello is the payload of the hello event.
type Hello struct {
	Connected bool `json:"connected"`
}

// Deleted is the payload of the delete event.
type Deleted struct {
	ID string `json:"id"`
}

// Sink receives events for one subscriber. Send must not block.
type Sink interface {
	Send(Event) error
	Close()
}

// Hub maintains the set of active sinks.
type Hub struct {
	// sinks is the registration set. Notify iterates over a snapshot of it.
	sinks map[Sink]struct{}

	// upstream reports feed connectivity for the hello event.
	upstream func() bool

	log *slog.Logger
	mu  sync.RWMutex
}

// NewHub creates an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		sinks:    make(map[Sink]struct{}),
		upstream: func() bool { return false },
		log:      log,
	}
}

// SetUpstream installs the connectivity check reported in hello events.
func (h *Hub) SetUpstream(fn func() bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.upstream = fn
}

// Upstream reports the feed connectivity flag carried in hello events.
func (h *Hub) Upstream() bool {
	h.mu.RLock()
	fn := h.upstream
	h.mu.RUnlock()
	return fn()
}

// Subscribe registers s and immediately sends it a hello event. If the hello
// cannot be delivered the sink is not registered and the error is returned.
func (h *Hub) Subscribe(s Sink) error {
	h.mu.Lock()
	hello := Event{Name: EventHello, Data: Hello{Connected: h.upstream()}}
	if err := s.Send(hello); err != nil {
		h.mu.Unlock()
		s.Close()
		return err
	}
	h.sinks[s] = struct{}{}
	n := len(h.sinks)
	h.mu.Unlock()

	h.log.Info("subscriber registered", "subscribers", n)
	return nil
}

// Unsubscribe removes and closes s. It is safe to call more than once.
func (h *Hub) Unsubscribe(s Sink) {
	h.mu.Lock()
	_, ok := h.sinks[s]
	if ok {
		delete(h.sinks, s)
	}
	n := len(h.sinks)
	h.mu.Unlock()

	if ok {
		s.Close()
		h.log.Info("subscriber unregistered", "subscribers", n)
	}
}

// Notify delivers ev to every registered sink and returns how many accepted
// it. Sinks whose Send fails are unregistered.
func (h *Hub) Notify(ev Event) int {
	h.mu.RLock()
	snapshot := make([]Sink, 0, len(h.sinks))
	for s := range h.sinks {
		snapshot = append(snapshot, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range snapshot {
		if err := s.Send(ev); err != nil {
			h.log.Info("dropping subscriber", "event", ev.Name, "error", err)
			h.Unsubscribe(s)
			continue
		}
		delivered++
	}
	return delivered
}

// Upsert broadcasts the final state of a strip.
func (h *Hub) Upsert(s strip.Strip) {
	h.Notify(Event{Name: EventUpsert, Data: s})
}

// Delete broadcasts the removal of a strip.
func (h *Hub) Delete(id string) {
	h.Notify(Event{Name: EventDelete, Data: Deleted{ID: id}})
}

// ClientCount returns the number of registered sinks.
// It is safe for concurrent use.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}

// Run blocks until ctx is cancelled, then closes every remaining sink.
// Run should be called in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	sinks := h.sinks
	h.sinks = make(map[Sink]struct{})
	h.mu.Unlock()

	for s := range sinks {
		s.Close()
	}
	h.log.Info("hub stopped", "closed", len(sinks))
}
