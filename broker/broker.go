// Package broker defines the contract a message broker adapter must
// satisfy. Concrete transports (AMQP, in-memory, ...) live in their own
// sub-packages; this package only names the shape they share, mirroring
// the teacher's contract.Events split between the interface and its
// concrete implementations.
package broker

import (
	"context"

	"github.com/studiolambda/relay/envelope"
)

// Message wraps one broker delivery. Acknowledge must be idempotent: the
// router may call it more than once for the same message (e.g. a
// NO_MORE_THAN_ONCE scope acknowledges before the handler body runs, and
// the router's failure path acknowledges again if that body returns an
// error).
type Message interface {
	Payload() envelope.Payload
	Acknowledge()
}

// Broker drains outgoing payloads to the transport and exposes a stream of
// incoming messages from it. The broker is trusted for its own
// at-least-once delivery; exactly-once end-to-end is achieved by
// composing it with an IntegrityGuard.
type Broker interface {
	// SendPayloadStream drains payloadCh, publishes each payload, and
	// forwards it on confirmedCh once the broker has confirmed
	// publication. It must close confirmedCh when payloadCh is closed
	// and drained, so that downstream confirmation consumers can shut
	// down cleanly.
	SendPayloadStream(ctx context.Context, payloadCh <-chan envelope.Payload, confirmedCh chan<- envelope.Payload) error

	// Receive returns a channel of incoming messages. The channel is
	// closed when ctx is cancelled and the underlying subscription has
	// finished tearing down.
	Receive(ctx context.Context) (<-chan Message, error)

	// Close releases the broker's resources. It is safe to call once
	// SendPayloadStream and any Receive consumers have stopped.
	Close() error
}
