package hub

import "sync"

// DefaultBuffer is the per-subscriber event buffer used by transports.
const DefaultBuffer = 64

// Subscriber is a Sink backed by a buffered channel. A transport goroutine
// drains Events and writes them to the client; when that write fails it
// unsubscribes the Subscriber from the Hub.
type Subscriber struct {
	send chan Event
	done chan struct{}
	once sync.Once
}

// NewSubscriber creates a Subscriber holding up to buffer undelivered events.
func NewSubscriber(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Subscriber{
		send: make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Send queues ev without blocking.
func (s *Subscriber) Send(ev Event) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.send <- ev:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close marks the subscriber closed. Queued events remain readable.
func (s *Subscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// Events returns the queue of pending events.
func (s *Subscriber) Events() <-chan Event {
	return s.send
}

// Done is closed once the subscriber has been closed.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}
