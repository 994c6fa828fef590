package replication

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// sourceIDHeader carries the publishing node's id across the wire, per
// §4.F's requirement that "network implementations must embed it in a
// header."
const sourceIDHeader = "Teleportal-Source-Id"

// NATS is a Replicator backed by a NATS core pub/sub connection. Channels
// map directly to subject names (ChannelFor already produces
// "document/<documentId>", a valid NATS subject).
type NATS struct {
	conn *nats.Conn
}

// NewNATS wraps an established NATS connection as a Replicator. The caller
// owns the connection's lifecycle (Close is not called by this type).
func NewNATS(conn *nats.Conn) *NATS {
	return &NATS{conn: conn}
}

// Subscribe registers handler on a NATS subject equal to channel.
func (n *NATS) Subscribe(ctx context.Context, channel string, handler Handler) (Unsubscribe, error) {
	sub, err := n.conn.Subscribe(channel, func(msg *nats.Msg) {
		var sourceID string
		if msg.Header != nil {
			sourceID = msg.Header.Get(sourceIDHeader)
		}
		handler(ctx, Delivery{Payload: msg.Data, SourceID: sourceID})
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribing to %q", channel)
	}
	return func() { _ = sub.Unsubscribe() }, nil
}

// Publish sends payload on the NATS subject equal to channel, embedding
// sourceID in a message header so remote subscribers can perform loop
// suppression.
func (n *NATS) Publish(ctx context.Context, channel string, payload []byte, sourceID string) error {
	var msg = &nats.Msg{
		Subject: channel,
		Data:    payload,
		Header:  nats.Header{sourceIDHeader: []string{sourceID}},
	}
	if err := n.conn.PublishMsg(msg); err != nil {
		return errors.Wrapf(err, "publishing to %q", channel)
	}
	return nil
}

var _ Replicator = (*NATS)(nil)
