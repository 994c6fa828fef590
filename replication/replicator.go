// Package replication implements the multi-node pub/sub replication plane,
// per §4.F: each session publishes its locally-originated messages to a
// channel scoped to its document, and every other node subscribed to that
// channel receives them, tagged with the publishing node's id so receivers
// can suppress their own echoes.
package replication

import (
	"context"
	"fmt"
)

// ChannelFor returns the replication channel name for a document, per
// §4.F: "document/<documentId>".
func ChannelFor(documentID string) string {
	return fmt.Sprintf("document/%s", documentID)
}

// Delivery is one message arriving from the replicator, carrying the
// encoded wire frame and the id of the node that published it.
type Delivery struct {
	Payload  []byte
	SourceID string
}

// Handler receives deliveries on a subscribed channel.
type Handler func(ctx context.Context, d Delivery)

// Unsubscribe stops a prior Subscribe.
type Unsubscribe func()

// Replicator is the pub/sub capability a Session depends on, per §4.F.
// Published bytes are the fully encoded message frame (see
// protocol.Encode); the receiver decodes them.
type Replicator interface {
	// Subscribe registers handler for channel, returning a function that
	// cancels the subscription. Subscribe failures at session load must
	// fail the session load, per §4.F's failure mode.
	Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error)

	// Publish broadcasts payload on channel, tagged with sourceID so
	// subscribers (including this node's own, for multi-process fan-out)
	// can apply loop suppression. Publish failures are logged by the
	// caller and never fail the originating client write, per §4.F.
	Publish(ctx context.Context, channel string, payload []byte, sourceID string) error
}
