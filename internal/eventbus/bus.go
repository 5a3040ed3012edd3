// Package eventbus provides the Event Broadcaster: a pub/sub fan-out for
// session, pool and federation events, backed by an in-process channel
// implementation by default and an optional NATS backend for deployments
// that span more than one node.
package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a single message carried on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps an Event with a fresh ID and the current time.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one delivered Event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is a live registration on a Bus.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the Event Broadcaster contract. Subjects follow NATS-style
// dot-tokenized names with `*` (one token) and `>` (remaining tokens)
// wildcards, e.g. "session.*.output", "federation.room.>".
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error)
	Close()
	IsConnected() bool
}

// Subject namespaces used by the core subsystems. Kept as named constants
// rather than scattered literals, matching the convention components
// publish under.
const (
	SubjectSessionPrefix    = "session"
	SubjectPoolPrefix       = "pool"
	SubjectExecutorPrefix   = "executor"
	SubjectFederationPrefix = "federation"
)
