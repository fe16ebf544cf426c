package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable notification delivered to subscribers of a topic.
// Handlers must treat Event values as read-only.
type Event struct {
	Topic     string
	Source    string
	Timestamp time.Time
	Data      any
}

// NewEvent builds an Event stamped with the current time.
func NewEvent(topic, source string, data any) Event {
	return Event{Topic: topic, Source: source, Timestamp: time.Now(), Data: data}
}

// Handler is invoked synchronously, in the publisher's goroutine, for every
// event on a subscribed topic. Handlers should be quick or offload heavy work.
type Handler func(event Event)

// Subscription is a handle used to cancel a registered handler.
type Subscription struct {
	id     string
	topic  string
	cancel func()
}

// ID returns the unique identifier of this subscription.
func (s *Subscription) ID() string { return s.id }

// Topic returns the topic this subscription listens to.
func (s *Subscription) Topic() string { return s.topic }

// Cancel de-registers the handler. Multiple calls are safe.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Bus is a thread-safe, per-instance pub/sub bus. Each Bus owns its own
// handler table, so independent instances never cross-talk.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Handler // topic -> subID -> handler
	closed   bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{handlers: make(map[string]map[string]Handler)}
}

// Subscribe registers a handler for a topic and returns a cancellable handle.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &Subscription{id: uuid.NewString(), topic: topic}
	}

	if b.handlers[topic] == nil {
		b.handlers[topic] = make(map[string]Handler)
	}

	id := uuid.NewString()
	b.handlers[topic][id] = handler

	return &Subscription{
		id:    id,
		topic: topic,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if subs, ok := b.handlers[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(b.handlers, topic)
				}
			}
		},
	}
}

// Publish delivers the event synchronously to all handlers of event.Topic.
// Publishing to a topic with no subscribers is a no-op.
func (b *Bus) Publish(event Event) {
	b.mu.RLock()
	subs := b.handlers[event.Topic]
	handlers := make([]Handler, 0, len(subs))
	for _, h := range subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// SubscriberCount reports the number of handlers registered for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[topic])
}

// Close drops every registered handler. Subscriptions created afterwards are
// inert. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[string]map[string]Handler)
}
