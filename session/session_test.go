package session

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.teleportal.dev/core/protocol"
	"go.teleportal.dev/core/replication"
	"go.teleportal.dev/core/storage"
)

func newTestSession(t *testing.T, encrypted bool) (*Session, *replication.InProcess) {
	t.Helper()
	var repl = replication.NewInProcess()
	var s = New(Config{
		DocumentID: "doc1",
		Encrypted:  encrypted,
		Storage:    storage.NewMemoryEngine(encrypted),
		Replicator: repl,
		NodeID:     "node-a",
	})
	require.NoError(t, s.Load(context.Background()))
	return s, repl
}

func recordingClient(id string) (*Client, *[]*protocol.Message) {
	var received []*protocol.Message
	var mu sync.Mutex
	var c = NewClient(id, func(ctx context.Context, m *protocol.Message) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, m)
		return nil
	})
	return c, &received
}

func TestApplyUpdateBroadcastsToOtherLocalsOnly(t *testing.T) {
	var s, _ = newTestSession(t, false)
	var originator, originatorMsgs = recordingClient("c1")
	var peer, peerMsgs = recordingClient("c2")
	s.AddClient(originator)
	s.AddClient(peer)

	var m = &protocol.Message{Kind: protocol.KindDoc, DocumentID: "doc1", Doc: &protocol.DocPayload{Kind: protocol.DocUpdate, Update: &protocol.Update{Opaque: []byte("x")}}}
	require.NoError(t, s.Apply(context.Background(), m, originator))

	assert.Empty(t, *originatorMsgs)
	assert.Len(t, *peerMsgs, 1)
}

func TestApplyUpdatePersistsToStorage(t *testing.T) {
	var s, _ = newTestSession(t, false)
	var c, _ = recordingClient("c1")
	s.AddClient(c)

	var m = &protocol.Message{Kind: protocol.KindDoc, DocumentID: "doc1", Doc: &protocol.DocPayload{Kind: protocol.DocUpdate, Update: &protocol.Update{Opaque: []byte("hello")}}}
	require.NoError(t, s.Apply(context.Background(), m, c))

	doc, err := s.cfg.Storage.GetDocument(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), doc.Snapshot)
}

func TestApplySyncStep2SendsSyncDoneToOriginator(t *testing.T) {
	var s, _ = newTestSession(t, false)
	var c, msgs = recordingClient("c1")
	s.AddClient(c)

	var m = &protocol.Message{Kind: protocol.KindDoc, DocumentID: "doc1", Doc: &protocol.DocPayload{Kind: protocol.DocSyncStep2, SyncStep2: &protocol.SyncStep2Update{Opaque: []byte("diff")}}}
	require.NoError(t, s.Apply(context.Background(), m, c))

	require.Len(t, *msgs, 1)
	assert.Equal(t, protocol.DocSyncDone, (*msgs)[0].Doc.Kind)
}

func TestApplySyncStep1RequiresLocalClient(t *testing.T) {
	var s, _ = newTestSession(t, false)
	var m = &protocol.Message{Kind: protocol.KindDoc, DocumentID: "doc1", Doc: &protocol.DocPayload{Kind: protocol.DocSyncStep1, SyncStep1: &protocol.StateVector{}}}
	err := s.Apply(context.Background(), m, nil)
	assert.Error(t, err)
}

func TestApplySyncStep1RepliesSyncStep2ThenSyncStep1(t *testing.T) {
	var s, _ = newTestSession(t, false)
	var c, msgs = recordingClient("c1")
	s.AddClient(c)

	require.NoError(t, s.Apply(context.Background(), &protocol.Message{
		Kind: protocol.KindDoc, DocumentID: "doc1",
		Doc: &protocol.DocPayload{Kind: protocol.DocUpdate, Update: &protocol.Update{Opaque: []byte("state")}},
	}, c))
	*msgs = nil

	var m = &protocol.Message{Kind: protocol.KindDoc, DocumentID: "doc1", Doc: &protocol.DocPayload{Kind: protocol.DocSyncStep1, SyncStep1: &protocol.StateVector{}}}
	require.NoError(t, s.Apply(context.Background(), m, c))

	require.Len(t, *msgs, 2)
	assert.Equal(t, protocol.DocSyncStep2, (*msgs)[0].Doc.Kind)
	assert.Equal(t, protocol.DocSyncStep1, (*msgs)[1].Doc.Kind)
}

func TestApplyEncryptionMismatchRejected(t *testing.T) {
	var s, _ = newTestSession(t, false)
	var m = &protocol.Message{Kind: protocol.KindAwareness, DocumentID: "doc1", Encrypted: true, Awareness: &protocol.AwarenessPayload{Update: []byte("x")}}
	err := s.Apply(context.Background(), m, nil)
	assert.ErrorIs(t, err, ErrEncryptionMismatch)
}

func TestApplySyncDoneIsNoOp(t *testing.T) {
	var s, _ = newTestSession(t, false)
	var m = &protocol.Message{Kind: protocol.KindDoc, DocumentID: "doc1", Doc: &protocol.DocPayload{Kind: protocol.DocSyncDone}}
	assert.NoError(t, s.Apply(context.Background(), m, nil))
}

func TestApplyAuthMessageIsDropped(t *testing.T) {
	var s, _ = newTestSession(t, false)
	var c, msgs = recordingClient("c1")
	s.AddClient(c)
	var m = &protocol.Message{Kind: protocol.KindDoc, DocumentID: "doc1", Doc: &protocol.DocPayload{Kind: protocol.DocAuthMessage, AuthDenied: &protocol.AuthDenial{Reason: "x"}}}
	require.NoError(t, s.Apply(context.Background(), m, c))
	assert.Empty(t, *msgs)
}

func TestReplicatedMessageDoesNotReplicateAgain(t *testing.T) {
	var s, repl = newTestSession(t, false)
	var c, msgs = recordingClient("c1")
	s.AddClient(c)

	var published int
	_, err := repl.Subscribe(context.Background(), replication.ChannelFor("doc1"), func(ctx context.Context, d replication.Delivery) {
		if d.SourceID == "node-a" {
			published++
		}
	})
	require.NoError(t, err)

	var m = &protocol.Message{ID: "msg-1", Kind: protocol.KindAwareness, DocumentID: "doc1", Awareness: &protocol.AwarenessPayload{Update: []byte("x")}}
	buf, err := protocol.Encode(m)
	require.NoError(t, err)

	require.NoError(t, repl.Publish(context.Background(), replication.ChannelFor("doc1"), buf, "node-b"))

	assert.Len(t, *msgs, 1)
	assert.Equal(t, 0, published)
}

func TestLoopSuppressionIgnoresOwnNode(t *testing.T) {
	var s, repl = newTestSession(t, false)
	var c, msgs = recordingClient("c1")
	s.AddClient(c)

	var m = &protocol.Message{ID: "msg-1", Kind: protocol.KindAwareness, DocumentID: "doc1", Awareness: &protocol.AwarenessPayload{Update: []byte("x")}}
	buf, err := protocol.Encode(m)
	require.NoError(t, err)
	require.NoError(t, repl.Publish(context.Background(), replication.ChannelFor("doc1"), buf, "node-a"))

	assert.Empty(t, *msgs)
}

func TestDedupeIgnoresRepeatedMessageID(t *testing.T) {
	var s, repl = newTestSession(t, false)
	var c, msgs = recordingClient("c1")
	s.AddClient(c)

	var m = &protocol.Message{ID: "msg-1", Kind: protocol.KindAwareness, DocumentID: "doc1", Awareness: &protocol.AwarenessPayload{Update: []byte("x")}}
	buf, err := protocol.Encode(m)
	require.NoError(t, err)

	require.NoError(t, repl.Publish(context.Background(), replication.ChannelFor("doc1"), buf, "node-b"))
	require.NoError(t, repl.Publish(context.Background(), replication.ChannelFor("doc1"), buf, "node-b"))

	assert.Len(t, *msgs, 1)
}

func TestRemoveClientStopsFutureBroadcasts(t *testing.T) {
	var s, _ = newTestSession(t, false)
	var c, msgs = recordingClient("c1")
	var other, _ = recordingClient("c2")
	s.AddClient(c)
	s.AddClient(other)
	s.RemoveClient("c1")

	var m = &protocol.Message{Kind: protocol.KindAwareness, DocumentID: "doc1", Awareness: &protocol.AwarenessPayload{Update: []byte("x")}}
	require.NoError(t, s.Apply(context.Background(), m, other))
	assert.Empty(t, *msgs)
	assert.Equal(t, 1, s.ClientCount())
}
