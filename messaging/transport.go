package messaging

import (
	"context"

	"github.com/glimte/queuebus/contracts"
)

// QueueHandle identifies a queue opened on a transport. Handles are only
// valid with the transport that returned them.
type QueueHandle interface {
	Queue() string
}

// Transport is the durable queue the bus runs on.
type Transport interface {
	// Open declares the queue if needed and returns a handle to it.
	Open(ctx context.Context, queue string) (QueueHandle, error)

	// SendEnvelope enqueues env on the queue.
	SendEnvelope(ctx context.Context, h QueueHandle, env *contracts.Envelope) error

	// ReceiveEnvelope blocks until an envelope is available, ctx ends or the
	// transport closes (ErrTransportClosed).
	ReceiveEnvelope(ctx context.Context, h QueueHandle) (*contracts.Envelope, error)

	// Purge removes queued envelopes for which match returns true, or all
	// envelopes when match is nil, and returns how many were removed.
	Purge(ctx context.Context, h QueueHandle, match func(*contracts.Envelope) bool) (int, error)

	Close() error
}

// DeadLetterer is implemented by transports that can park envelopes the bus
// refuses to process.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, h QueueHandle, env *contracts.Envelope, reason string) error
}

// Pinger is implemented by transports that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MatchTypeTag returns a purge predicate for one type tag. An empty tag
// matches everything.
func MatchTypeTag(typeTag string) func(*contracts.Envelope) bool {
	if typeTag == "" {
		return nil
	}
	return func(env *contracts.Envelope) bool {
		return env.TypeTag == typeTag
	}
}
