package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Handler is invoked for each event delivered to a subscription.
// Handlers run synchronously on the emitting goroutine; long work should be
// handed off to the subscriber's own goroutine.
type Handler func(event *Event)

// Bus is the in-process publish/subscribe fabric. Subscriptions are keyed by
// event type; SubscribeAll receives everything.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[EventType]map[int]Handler
	wildcard map[int]Handler
	log      zerolog.Logger
}

// NewBus creates a new event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType]map[int]Handler),
		wildcard: make(map[int]Handler),
		log:      log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for one event type.
// The returned function removes the subscription; calling it twice is a no-op.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[int]Handler)
	}
	b.handlers[eventType][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// SubscribeAll registers a handler for every event type.
// The returned function removes the subscription.
func (b *Bus) SubscribeAll(handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.wildcard[id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.wildcard, id)
	}
}

// Emit publishes an event to all matching subscriptions.
// Handlers are snapshotted under the lock and invoked outside it, so a
// handler may subscribe or unsubscribe without deadlocking.
func (b *Bus) Emit(eventType EventType, module string, data map[string]interface{}) {
	event := &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Module:    module,
		Data:      data,
	}

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[eventType])+len(b.wildcard))
	for _, h := range b.handlers[eventType] {
		targets = append(targets, h)
	}
	for _, h := range b.wildcard {
		targets = append(targets, h)
	}
	b.mu.RUnlock()

	for _, h := range targets {
		b.deliver(h, event)
	}
}

// deliver invokes one handler, recovering panics so a misbehaving
// subscriber cannot take down the emitter.
func (b *Bus) deliver(handler Handler, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Str("event_type", string(event.Type)).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}

// SubscriberCount returns the number of handlers registered for a type,
// wildcard subscriptions included.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType]) + len(b.wildcard)
}
