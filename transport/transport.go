// Package transport defines the boundary the core consumes, per §6: "A
// transport is an object exposing a readable byte (or decoded-message)
// stream and a writable sink. The core consumes decoded Message values;
// framing/decoding is the transport's job."
package transport

import (
	"context"

	"go.teleportal.dev/core/protocol"
)

// Transport is a duplex channel of decoded Messages bound to one client
// connection.
type Transport interface {
	// Recv blocks until the next inbound Message is decoded, or returns an
	// error (including io.EOF on clean stream end).
	Recv(ctx context.Context) (*protocol.Message, error)

	// Send writes an outbound Message to the client.
	Send(ctx context.Context, m *protocol.Message) error

	// Close tears down the underlying connection.
	Close() error
}
