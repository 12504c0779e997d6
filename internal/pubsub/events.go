// Package pubsub provides the in-process fan-out primitive behind log
// streaming, registry change feeds, trace subscriptions, and workflow
// progress. It is deliberately lossy: a slow subscriber drops events
// rather than stalling the publisher.
package pubsub

import "time"

// EventType classifies what happened to the payload.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event is a timestamped payload delivered to subscribers.
type Event[T any] struct {
	Type      EventType
	Payload   T
	Timestamp time.Time
}
