package server

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.teleportal.dev/core/protocol"
	"go.teleportal.dev/core/replication"
	"go.teleportal.dev/core/storage"
)

// fakeTransport is an in-process transport.Transport for tests: Recv reads
// from an inbound channel, Send appends to an outbound slice.
type fakeTransport struct {
	mu      sync.Mutex
	inbound chan *protocol.Message
	sent    []*protocol.Message
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan *protocol.Message, 16)}
}

func (f *fakeTransport) Recv(ctx context.Context) (*protocol.Message, error) {
	select {
	case m, ok := <-f.inbound:
		if !ok {
			return nil, io.EOF
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) Send(ctx context.Context, m *protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	close(f.inbound)
	return nil
}

func (f *fakeTransport) sentMessages() []*protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*protocol.Message(nil), f.sent...)
}

func newTestServer() *Server {
	return New(Config{
		StorageFactory: storage.NewMemoryEngineFactory(),
		Replicator:     replication.NewInProcess(),
		NodeID:         "node-a",
	})
}

func TestCreateClientRoutesUpdateAndStops(t *testing.T) {
	var srv = newTestServer()
	var ft = newFakeTransport()

	var done = make(chan error, 1)
	go func() {
		done <- srv.CreateClient(context.Background(), ft, "c1", nil)
	}()

	ft.inbound <- &protocol.Message{Kind: protocol.KindDoc, DocumentID: "doc1", Doc: &protocol.DocPayload{Kind: protocol.DocUpdate, Update: &protocol.Update{Opaque: []byte("x")}}}
	close(ft.inbound)

	err := <-done
	assert.NoError(t, err)
}

func TestPermissionDenialSendsAuthMessageAndDropsWrite(t *testing.T) {
	var srv = New(Config{
		StorageFactory: storage.NewMemoryEngineFactory(),
		Replicator:     replication.NewInProcess(),
		NodeID:         "node-a",
		CheckPerm: func(ctx context.Context, args PermissionCheckArgs) bool {
			return args.Type != "write"
		},
	})
	var ft = newFakeTransport()

	var done = make(chan error, 1)
	go func() {
		done <- srv.CreateClient(context.Background(), ft, "c1", nil)
	}()

	ft.inbound <- &protocol.Message{Kind: protocol.KindDoc, DocumentID: "doc1", Doc: &protocol.DocPayload{Kind: protocol.DocUpdate, Update: &protocol.Update{Opaque: []byte("x")}}}
	close(ft.inbound)
	require.NoError(t, <-done)

	var sent = ft.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.DocAuthMessage, sent[0].Doc.Kind)

	s, err := srv.getOrOpenSession(context.Background(), "doc1", SessionOptions{})
	require.NoError(t, err)
	_, err = s.Storage().GetDocument(context.Background(), "doc1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDisconnectClientRemovesFromSessions(t *testing.T) {
	var srv = newTestServer()
	var ft = newFakeTransport()

	var done = make(chan error, 1)
	go func() {
		done <- srv.CreateClient(context.Background(), ft, "c1", nil)
	}()

	ft.inbound <- &protocol.Message{Kind: protocol.KindAwareness, DocumentID: "doc1", Awareness: &protocol.AwarenessPayload{Update: []byte("x")}}
	close(ft.inbound)
	require.NoError(t, <-done)

	s, err := srv.getOrOpenSession(context.Background(), "doc1", SessionOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, s.ClientCount())
}
