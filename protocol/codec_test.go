package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func roundTrip(t *testing.T, m *Message) *Message {
	buf, err := Encode(m)
	assert.NoError(t, err)
	decoded, err := Decode(buf)
	assert.NoError(t, err)
	return decoded
}

func TestRoundTripDocUpdate(t *testing.T) {
	var m = &Message{
		Kind:       KindDoc,
		DocumentID: "docA",
		Encrypted:  false,
		Doc: &DocPayload{
			Kind:   DocUpdate,
			Update: &Update{Opaque: []byte("hello update")},
		},
	}
	var got = roundTrip(t, m)
	assert.Equal(t, m.DocumentID, got.DocumentID)
	assert.Equal(t, m.Encrypted, got.Encrypted)
	assert.Equal(t, m.Doc.Kind, got.Doc.Kind)
	assert.Equal(t, m.Doc.Update.Opaque, got.Doc.Update.Opaque)
	assert.NotEmpty(t, got.ID)
}

func TestRoundTripSyncStep1(t *testing.T) {
	var m = &Message{
		Kind:       KindDoc,
		DocumentID: "docA",
		Doc: &DocPayload{
			Kind:      DocSyncStep1,
			SyncStep1: &StateVector{Opaque: []byte{1, 2, 3}},
		},
	}
	var got = roundTrip(t, m)
	assert.Equal(t, m.Doc.SyncStep1.Opaque, got.Doc.SyncStep1.Opaque)
}

func TestRoundTripEncryptedSyncStep1(t *testing.T) {
	var m = &Message{
		Kind:       KindDoc,
		DocumentID: "docA",
		Encrypted:  true,
		Doc: &DocPayload{
			Kind:      DocSyncStep1,
			SyncStep1: &StateVector{Lamport: map[uint32]uint32{1: 10, 2: 20}},
		},
	}
	var got = roundTrip(t, m)
	assert.True(t, got.Encrypted)
	assert.Equal(t, m.Doc.SyncStep1.Lamport, got.Doc.SyncStep1.Lamport)
}

func TestRoundTripEncryptedSyncStep2(t *testing.T) {
	var envs = []EncryptedEnvelope{
		{ID: NewEncryptedMessageID(1, 1, []byte("a")), ClientID: 1, Counter: 1, Payload: []byte("a")},
		{ID: NewEncryptedMessageID(1, 2, []byte("b")), ClientID: 1, Counter: 2, Payload: []byte("b")},
	}
	var m = &Message{
		Kind:       KindDoc,
		DocumentID: "docA",
		Encrypted:  true,
		Doc: &DocPayload{
			Kind:      DocSyncStep2,
			SyncStep2: &SyncStep2Update{Encrypted: envs},
		},
	}
	var got = roundTrip(t, m)
	assert.True(t, got.Encrypted)
	assert.Equal(t, m.Doc.SyncStep2.Encrypted, got.Doc.SyncStep2.Encrypted)
}

func TestRoundTripAwareness(t *testing.T) {
	var m = &Message{
		Kind:       KindAwareness,
		DocumentID: "docA",
		Awareness:  &AwarenessPayload{Update: []byte("cursor-at-42")},
	}
	var got = roundTrip(t, m)
	assert.Equal(t, m.Awareness.Update, got.Awareness.Update)
}

func TestRoundTripAckOmitsDocumentID(t *testing.T) {
	var m = &Message{
		Kind: KindAck,
		Ack:  &AckPayload{MessageID: "abc123"},
	}
	var got = roundTrip(t, m)
	assert.Equal(t, "", got.DocumentID)
	assert.Equal(t, m.Ack.MessageID, got.Ack.MessageID)
}

func TestRoundTripFile(t *testing.T) {
	var m = &Message{
		Kind:       KindFile,
		DocumentID: "docA",
		File: &FilePayload{
			Kind:       FilePart,
			FileID:     "root-hash",
			ChunkIndex: 2,
			ChunkData:  []byte("chunk-bytes"),
			Proof:      [][]byte{{1, 2}, {3, 4}},
		},
	}
	var got = roundTrip(t, m)
	assert.Equal(t, m.File.FileID, got.File.FileID)
	assert.Equal(t, m.File.ChunkIndex, got.File.ChunkIndex)
	assert.Equal(t, m.File.ChunkData, got.File.ChunkData)
	assert.Equal(t, m.File.Proof, got.File.Proof)
}

func TestRoundTripRPC(t *testing.T) {
	var m = &Message{
		Kind:       KindRPC,
		DocumentID: "docA",
		RPC: &RPCPayload{
			Method:            "milestoneCreate",
			Direction:         DirectionRequest,
			OriginalRequestID: "",
			Body:              []byte(`{"name":"v1"}`),
		},
	}
	var got = roundTrip(t, m)
	assert.Equal(t, m.RPC.Method, got.RPC.Method)
	assert.Equal(t, m.RPC.Direction, got.RPC.Direction)
	assert.Equal(t, m.RPC.Body, got.RPC.Body)
}

func TestDecodeTruncatedFrame(t *testing.T) {
	_, err := Decode([]byte{byte(KindDoc)})
	assert.Error(t, err)
}

func TestDecodeTrailingBytes(t *testing.T) {
	var m = &Message{
		Kind:       KindAwareness,
		DocumentID: "docA",
		Awareness:  &AwarenessPayload{Update: []byte("x")},
	}
	buf, err := Encode(m)
	assert.NoError(t, err)
	_, err = Decode(append(buf, 0xFF, 0xFF))
	assert.ErrorIs(t, err, ErrTrailingBytes)
}

func TestComputeIDIsDeterministic(t *testing.T) {
	var a = &Message{Kind: KindDoc, DocumentID: "d", Doc: &DocPayload{Kind: DocUpdate, Update: &Update{Opaque: []byte("x")}}}
	var b = &Message{Kind: KindDoc, DocumentID: "d", Doc: &DocPayload{Kind: DocUpdate, Update: &Update{Opaque: []byte("x")}}}
	assert.Equal(t, ComputeID(a), ComputeID(b))

	var c = &Message{Kind: KindDoc, DocumentID: "d", Doc: &DocPayload{Kind: DocUpdate, Update: &Update{Opaque: []byte("y")}}}
	assert.NotEqual(t, ComputeID(a), ComputeID(c))
}

func TestEncryptedStateVectorRoundTrip(t *testing.T) {
	var sv = map[uint32]uint32{1: 10, 2: 20, 42: 7}
	var buf = EncodeStateVector(sv)
	got, err := DecodeStateVector(buf)
	assert.NoError(t, err)
	assert.Equal(t, sv, got)
}

func TestEncryptedUpdateListRoundTrip(t *testing.T) {
	var envs = []EncryptedEnvelope{
		{ID: NewEncryptedMessageID(1, 1, []byte("a")), ClientID: 1, Counter: 1, Payload: []byte("a")},
		{ID: NewEncryptedMessageID(1, 2, []byte("b")), ClientID: 1, Counter: 2, Payload: []byte("b")},
		{ID: NewEncryptedMessageID(2, 1, []byte("c")), ClientID: 2, Counter: 1, Payload: []byte("c")},
	}
	var buf = EncodeUpdateList(envs)
	got, err := DecodeUpdateList(buf)
	assert.NoError(t, err)
	assert.Equal(t, envs, got)
}

func TestEncryptedSyncStep2RoundTrip(t *testing.T) {
	var envs = []EncryptedEnvelope{
		{ID: NewEncryptedMessageID(9, 1, []byte("a")), ClientID: 9, Counter: 1, Payload: []byte("a")},
		{ID: NewEncryptedMessageID(9, 2, []byte("b")), ClientID: 9, Counter: 2, Payload: []byte("b")},
		{ID: NewEncryptedMessageID(5, 1, []byte("c")), ClientID: 5, Counter: 1, Payload: []byte("c")},
	}
	var buf = EncodeSyncStep2(envs)
	got, err := DecodeSyncStep2(buf)
	assert.NoError(t, err)
	assert.Equal(t, envs, got)
}

func TestEncryptedCodecRejectsUnknownVersion(t *testing.T) {
	var buf = EncodeStateVector(map[uint32]uint32{1: 1})
	buf[0] = 99
	_, err := DecodeStateVector(buf)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}
