// Package messagequeue defines the event bus port used to announce sync
// outcomes and to receive external sync triggers.
package messagequeue

import "context"

// Handler processes a message received from the bus.
type Handler func(ctx context.Context, subject string, data []byte) error

// Publisher sends messages to subjects.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Queue is the full event bus port.
type Queue interface {
	Publisher

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the connection immediately.
	Close() error

	// IsConnected reports whether the bus is currently connected.
	IsConnected() bool
}

// Subjects used by the sync engine.
const (
	SubjectOperationCompleted = "sync.operation.completed"
	SubjectOperationAbandoned = "sync.operation.abandoned"
	SubjectBatchCompleted     = "sync.batch.completed"
	SubjectTrigger            = "sync.trigger" // other local processes request a batch
)
