// Package audit defines the export boundary for instance lifecycle events.
// Sinks receive a copy of every significant transition (start, stop, sleep,
// restart, recovery, captured error) for analytics; sends are best-effort
// and never gate the supervisor.
package audit

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventSleep   EventType = "sleep"
	EventRestart EventType = "restart"
	EventRecover EventType = "recover"
	EventError   EventType = "error"
)

// Event is one lifecycle event for a hosted instance.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	InstanceID int64     `json:"instance_id"`
	OwnerID    int64     `json:"owner_id"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for audit events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}
