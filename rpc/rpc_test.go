package rpc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"go.teleportal.dev/core/protocol"
	"go.teleportal.dev/core/replication"
	"go.teleportal.dev/core/session"
	"go.teleportal.dev/core/storage"
	"go.teleportal.dev/core/upload"
)

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	var s = session.New(session.Config{
		DocumentID: "doc1",
		Storage:    storage.NewMemoryEngine(false),
		Replicator: replication.NewInProcess(),
		NodeID:     "node-a",
	})
	require.NoError(t, s.Load(context.Background()))
	return s
}

func recordingClient(id string) (*session.Client, *[]*protocol.Message) {
	var received []*protocol.Message
	var mu sync.Mutex
	var c = session.NewClient(id, func(ctx context.Context, m *protocol.Message) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, m)
		return nil
	})
	return c, &received
}

func decodeWireEnvelope(t *testing.T, body []byte) wireEnvelope {
	t.Helper()
	var w wireEnvelope
	require.NoError(t, json.Unmarshal(body, &w))
	return w
}

func TestDispatchUnknownMethodReturnsUnimplemented(t *testing.T) {
	var r = NewRegistry()
	var s = newTestSession(t)
	var c, received = recordingClient("c1")

	r.Dispatch(context.Background(), s, &protocol.Message{
		Kind: protocol.KindRPC, DocumentID: "doc1",
		RPC: &protocol.RPCPayload{Method: "nope", Direction: protocol.DirectionRequest, OriginalRequestID: "req1"},
	}, c)

	require.Len(t, *received, 1)
	var w = decodeWireEnvelope(t, (*received)[0].RPC.Body)
	assert.Equal(t, "error", w.Type)
	assert.Equal(t, uint32(codes.Unimplemented), w.StatusCode)
}

func TestMilestoneCreateAndListRoundTrip(t *testing.T) {
	var r = NewRegistry()
	var store = storage.NewMemoryMilestoneStore()
	RegisterMilestoneMethods(r, store, UpdateMilestonesInDocumentMetadata)

	var s = newTestSession(t)
	require.NoError(t, s.Storage().HandleUpdate(context.Background(), "doc1", &protocol.Update{Opaque: []byte("content")}))
	var c, received = recordingClient("c1")

	r.Dispatch(context.Background(), s, &protocol.Message{
		Kind: protocol.KindDoc, DocumentID: "doc1",
		Doc: &protocol.DocPayload{Kind: protocol.DocMilestoneRequest, Milestone: &protocol.MilestonePayload{
			Method: "milestoneCreate", OriginalRequestID: "req1", Body: []byte(`{"name":"v1"}`),
		}},
	}, c)
	require.Len(t, *received, 1)
	var created = decodeWireEnvelope(t, (*received)[0].Doc.Milestone.Body)
	require.Equal(t, "success", created.Type)
	var info milestoneInfo
	require.NoError(t, json.Unmarshal(created.Payload, &info))
	assert.Equal(t, "v1", info.Name)
	assert.NotEmpty(t, info.ID)

	meta, err := s.Storage().GetDocumentMetadata(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Contains(t, meta.Milestones, info.ID)

	*received = nil
	r.Dispatch(context.Background(), s, &protocol.Message{
		Kind: protocol.KindDoc, DocumentID: "doc1",
		Doc: &protocol.DocPayload{Kind: protocol.DocMilestoneRequest, Milestone: &protocol.MilestonePayload{
			Method: "milestoneList", OriginalRequestID: "req2",
		}},
	}, c)
	require.Len(t, *received, 1)
	var listed = decodeWireEnvelope(t, (*received)[0].Doc.Milestone.Body)
	require.Equal(t, "success", listed.Type)
	var listBody struct {
		Milestones []milestoneInfo `json:"milestones"`
	}
	require.NoError(t, json.Unmarshal(listed.Payload, &listBody))
	assert.Len(t, listBody.Milestones, 1)
}

func TestMilestoneGetUnknownReturnsNotFound(t *testing.T) {
	var r = NewRegistry()
	var store = storage.NewMemoryMilestoneStore()
	RegisterMilestoneMethods(r, store, UpdateMilestonesInDocumentMetadata)

	var s = newTestSession(t)
	var c, received = recordingClient("c1")

	r.Dispatch(context.Background(), s, &protocol.Message{
		Kind: protocol.KindDoc, DocumentID: "doc1",
		Doc: &protocol.DocPayload{Kind: protocol.DocMilestoneRequest, Milestone: &protocol.MilestonePayload{
			Method: "milestoneGet", OriginalRequestID: "req1", Body: []byte(`{"id":"nope"}`),
		}},
	}, c)
	require.Len(t, *received, 1)
	var w = decodeWireEnvelope(t, (*received)[0].Doc.Milestone.Body)
	assert.Equal(t, "error", w.Type)
	assert.Equal(t, uint32(codes.NotFound), w.StatusCode)
}

func TestMilestoneRestoreBroadcastsUpdate(t *testing.T) {
	var r = NewRegistry()
	var store = storage.NewMemoryMilestoneStore()
	RegisterMilestoneMethods(r, store, UpdateMilestonesInDocumentMetadata)

	var s = newTestSession(t)
	require.NoError(t, s.Storage().HandleUpdate(context.Background(), "doc1", &protocol.Update{Opaque: []byte("v1-content")}))
	m, err := store.Create(context.Background(), "doc1", "v1", []byte("v1-content"))
	require.NoError(t, err)

	var requester, requesterMsgs = recordingClient("c1")
	var peer, peerMsgs = recordingClient("c2")
	s.AddClient(requester)
	s.AddClient(peer)

	body, err := json.Marshal(map[string]string{"id": m.ID})
	require.NoError(t, err)
	r.Dispatch(context.Background(), s, &protocol.Message{
		Kind: protocol.KindDoc, DocumentID: "doc1",
		Doc: &protocol.DocPayload{Kind: protocol.DocMilestoneRequest, Milestone: &protocol.MilestonePayload{
			Method: "milestoneRestore", OriginalRequestID: "req1", Body: body,
		}},
	}, requester)

	require.Len(t, *requesterMsgs, 2)
	require.Len(t, *peerMsgs, 1)
	assert.Equal(t, protocol.DocUpdate, (*peerMsgs)[0].Doc.Kind)

	doc, err := s.Storage().GetDocument(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1-content"), doc.Snapshot)
}

func TestFileUploadAndDownloadRoundTrip(t *testing.T) {
	var r = NewRegistry()
	var fileStore = upload.NewMemoryFileStore()
	var pipeline = upload.New(upload.Config{Engine: storage.NewMemoryEngine(false), FileStorage: fileStore})
	RegisterFileMethods(r, pipeline, fileStore)

	var s = newTestSession(t)
	var c, received = recordingClient("c1")

	uploadBody, err := json.Marshal(map[string]interface{}{
		"filename": "a.txt", "mimeType": "text/plain", "data": []byte("hello world"),
	})
	require.NoError(t, err)
	r.Dispatch(context.Background(), s, &protocol.Message{
		Kind: protocol.KindRPC, DocumentID: "doc1",
		RPC: &protocol.RPCPayload{Method: "fileUpload", Direction: protocol.DirectionRequest, OriginalRequestID: "req1", Body: uploadBody},
	}, c)
	require.Len(t, *received, 1)
	var uploaded = decodeWireEnvelope(t, (*received)[0].RPC.Body)
	require.Equal(t, "success", uploaded.Type)
	var uploadResp struct {
		FileID string `json:"fileId"`
	}
	require.NoError(t, json.Unmarshal(uploaded.Payload, &uploadResp))
	assert.NotEmpty(t, uploadResp.FileID)

	*received = nil
	downloadBody, err := json.Marshal(map[string]string{"fileId": uploadResp.FileID})
	require.NoError(t, err)
	r.Dispatch(context.Background(), s, &protocol.Message{
		Kind: protocol.KindRPC, DocumentID: "doc1",
		RPC: &protocol.RPCPayload{Method: "fileDownload", Direction: protocol.DirectionRequest, OriginalRequestID: "req2", Body: downloadBody},
	}, c)

	require.NotEmpty(t, *received)
	var last = (*received)[len(*received)-1]
	var final = decodeWireEnvelope(t, last.RPC.Body)
	require.Equal(t, "success", final.Type)

	var reassembled []byte
	for _, m := range (*received)[:len(*received)-1] {
		require.Equal(t, protocol.DirectionStream, m.RPC.Direction)
		var chunkBody struct {
			Chunk []byte `json:"chunk"`
		}
		require.NoError(t, json.Unmarshal(m.RPC.Body, &chunkBody))
		reassembled = append(reassembled, chunkBody.Chunk...)
	}
	assert.Equal(t, "hello world", string(reassembled))
}

func TestFileDownloadUnknownFileReturnsNotFound(t *testing.T) {
	var r = NewRegistry()
	var fileStore = upload.NewMemoryFileStore()
	var pipeline = upload.New(upload.Config{Engine: storage.NewMemoryEngine(false), FileStorage: fileStore})
	RegisterFileMethods(r, pipeline, fileStore)

	var s = newTestSession(t)
	var c, received = recordingClient("c1")

	body, err := json.Marshal(map[string]string{"fileId": "nope"})
	require.NoError(t, err)
	r.Dispatch(context.Background(), s, &protocol.Message{
		Kind: protocol.KindRPC, DocumentID: "doc1",
		RPC: &protocol.RPCPayload{Method: "fileDownload", Direction: protocol.DirectionRequest, OriginalRequestID: "req1", Body: body},
	}, c)

	require.Len(t, *received, 1)
	var w = decodeWireEnvelope(t, (*received)[0].RPC.Body)
	assert.Equal(t, "error", w.Type)
	assert.Equal(t, uint32(codes.NotFound), w.StatusCode)
}
