package events

import (
	"log/slog"
	"sync"
)

// Emitter receives pipeline events in emission order. Emit must be safe
// for concurrent use and must never block the pipeline indefinitely.
type Emitter interface {
	Emit(event Event)
}

// ChannelEmitter forwards events to a bounded channel for a streaming
// consumer. When the buffer is full, status events are dropped (they
// are progress hints, not state); every other event blocks until the
// consumer catches up, preserving order and completeness.
type ChannelEmitter struct {
	ch        chan Event
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewChannelEmitter creates an emitter with the given buffer size.
func NewChannelEmitter(buffer int, logger *slog.Logger) *ChannelEmitter {
	if buffer < 1 {
		buffer = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelEmitter{
		ch:     make(chan Event, buffer),
		logger: logger,
	}
}

// Events is the consumer side of the stream.
func (e *ChannelEmitter) Events() <-chan Event {
	return e.ch
}

// Emit delivers an event to the consumer channel.
func (e *ChannelEmitter) Emit(event Event) {
	if event.Name == EventStatus {
		select {
		case e.ch <- event:
		default:
			e.logger.Debug("dropping status event under backpressure")
		}
		return
	}
	e.ch <- event
}

// Close ends the stream. Safe to call more than once. The emitting
// side must not Emit after Close.
func (e *ChannelEmitter) Close() {
	e.closeOnce.Do(func() { close(e.ch) })
}

// CollectorEmitter records events in memory. Used for synchronous
// sessions and in tests.
type CollectorEmitter struct {
	mu     sync.Mutex
	events []Event
}

// NewCollectorEmitter creates an empty collector.
func NewCollectorEmitter() *CollectorEmitter {
	return &CollectorEmitter{}
}

// Emit appends the event.
func (c *CollectorEmitter) Emit(event Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// Events returns a copy of everything emitted so far, in order.
func (c *CollectorEmitter) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Named returns the emitted events with the given name, in order.
func (c *CollectorEmitter) Named(name string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
