package messaging

import (
	"context"

	"github.com/ledfleet/eventcore/connections"
	"github.com/ledfleet/eventcore/contracts"
	"github.com/ledfleet/eventcore/internal/reliability"
)

// AckHandle settles one broker message
type AckHandle interface {
	// Ack removes the message from the queue
	Ack() error
	// NackRequeue returns the message to the queue for redelivery
	NackRequeue() error
	// NackDrop rejects the message towards the queue's dead-letter target
	NackDrop() error
}

// Deliverer is the part of the connection registry the dispatcher uses
type Deliverer interface {
	SendToUser(ctx context.Context, userID int64, frame connections.Frame) int
	BroadcastToOrganization(ctx context.Context, orgID int64, frame connections.Frame) int
	BroadcastToAll(ctx context.Context, frame connections.Frame) int
	PublishToTopic(ctx context.Context, topic string, frame connections.Frame) int
}

// DeadLetterSink records events that leave the pipeline for good
type DeadLetterSink interface {
	Record(ctx context.Context, queue string, event *contracts.Event, cause error) (*reliability.DeadLetterRecord, error)
}

// Metrics receives pipeline events
type Metrics interface {
	EventProcessed(queue, outcome string, seconds float64)
	EnvelopeDispatched(messageType string, destinations, delivered int)
	EnvelopeExpired(messageType string)
}
