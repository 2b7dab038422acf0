package ports

import (
	"context"
	"time"
)

// EventType classifies lifecycle and control events on the bus.
type EventType string

const (
	EventTypeRunSubmitted       EventType = "run.submitted"
	EventTypeRunCompleted       EventType = "run.completed"
	EventTypeRunCancelRequested EventType = "run.cancel_requested"
	EventTypeInstanceDispatched EventType = "instance.dispatched"
	EventTypeInstanceStarted    EventType = "instance.started"
	EventTypeInstanceCompleted  EventType = "instance.completed"
)

// Bus topics.
const (
	// TopicRunEvents carries run and instance lifecycle events.
	TopicRunEvents = "run.events"
	// TopicInstanceDispatch distributes instances to the worker pool.
	TopicInstanceDispatch = "instance.dispatch"
	// TopicRunControl carries cancellation requests.
	TopicRunControl = "run.control"
)

// Event is the envelope published on the event bus.
type Event struct {
	ID         string                 `json:"id"`
	Type       EventType              `json:"type"`
	RunID      string                 `json:"run_id"`
	InstanceID string                 `json:"instance_id,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// EventHandler processes one event from the bus.
type EventHandler func(ctx context.Context, event Event) error

// EventBus distributes lifecycle events between components. Subscriptions
// live until the given context is cancelled.
type EventBus interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}
