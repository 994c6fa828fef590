package transport

import (
	"context"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"go.teleportal.dev/core/protocol"
)

// WebSocket adapts a gorilla/websocket connection to the Transport
// boundary: one binary WebSocket frame carries exactly one encoded
// protocol.Message, per §6. This is the ambient demo transport named in
// the package layout — not part of the core protocol/session/server
// machinery, which only ever depends on the Transport interface.
type WebSocket struct {
	conn *websocket.Conn
}

// NewWebSocket wraps an already-upgraded connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

// Recv blocks for the next binary frame and decodes it.
func (w *WebSocket) Recv(ctx context.Context) (*protocol.Message, error) {
	mt, buf, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, errors.Errorf("transport: unexpected websocket message type %d", mt)
	}
	m, err := protocol.Decode(buf)
	if err != nil {
		return nil, errors.Wrap(err, "decoding websocket frame")
	}
	return m, nil
}

// Send encodes m and writes it as a single binary frame.
func (w *WebSocket) Send(ctx context.Context, m *protocol.Message) error {
	buf, err := protocol.Encode(m)
	if err != nil {
		return errors.Wrap(err, "encoding message")
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, buf)
}

// Close closes the underlying connection.
func (w *WebSocket) Close() error {
	return w.conn.Close()
}

var _ Transport = (*WebSocket)(nil)
