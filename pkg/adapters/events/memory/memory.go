package memory

import (
	"context"
	"sync"

	"github.com/checkrun-ci/checkrun/pkg/ports"
)

// InMemoryEventBus implements EventBus with in-process handler fan-out.
// It backs the single-process CLI and tests. Delivery is asynchronous,
// matching the redis-backed bus, so components cannot come to depend on
// synchronous handling.
type InMemoryEventBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
}

type subscription struct {
	id      uint64
	handler ports.EventHandler
}

// NewInMemoryEventBus creates a new in-memory event bus.
func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{
		subs: make(map[string][]subscription),
	}
}

// Publish delivers an event to all subscribers of a topic. Handler errors
// are swallowed; handlers own their error reporting.
func (e *InMemoryEventBus) Publish(ctx context.Context, topic string, event ports.Event) error {
	e.mu.RLock()
	handlers := make([]ports.EventHandler, 0, len(e.subs[topic]))
	for _, sub := range e.subs[topic] {
		handlers = append(handlers, sub.handler)
	}
	e.mu.RUnlock()

	for _, handler := range handlers {
		go func(h ports.EventHandler) {
			_ = h(context.WithoutCancel(ctx), event)
		}(handler)
	}

	return nil
}

// Subscribe registers a handler for a topic. The subscription is removed
// when ctx is cancelled.
func (e *InMemoryEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs[topic] = append(e.subs[topic], subscription{id: id, handler: handler})
	e.mu.Unlock()

	go func() {
		<-ctx.Done()
		e.remove(topic, id)
	}()

	return nil
}

// Unsubscribe removes all subscriptions from a topic.
func (e *InMemoryEventBus) Unsubscribe(ctx context.Context, topic string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.subs, topic)
	return nil
}

// Close drops all subscriptions.
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subs = make(map[string][]subscription)
	return nil
}

func (e *InMemoryEventBus) remove(topic string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	subs := e.subs[topic]
	for i, sub := range subs {
		if sub.id == id {
			e.subs[topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}
