// Package protocol defines the wire-level Message types exchanged between
// Teleportal clients and servers, and the framing used to encode and decode
// them. Frames are opaque to transports: a transport's only job is to
// deliver a complete frame in each direction (one WebSocket binary frame,
// one long-poll response body, etc). See Encode and Decode (codec.go) for
// the encode/decode contract, and encrypted_codec.go in this package for
// the Lamport-clocked encrypted-document codec.
package protocol

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Kind discriminates the top-level Message variant.
type Kind byte

const (
	KindDoc       Kind = 0x00
	KindAwareness Kind = 0x01
	KindAck       Kind = 0x02
	KindFile      Kind = 0x03
	KindRPC       Kind = 0x04
)

func (k Kind) String() string {
	switch k {
	case KindDoc:
		return "doc"
	case KindAwareness:
		return "awareness"
	case KindAck:
		return "ack"
	case KindFile:
		return "file"
	case KindRPC:
		return "rpc"
	default:
		return fmt.Sprintf("Kind(%d)", k)
	}
}

// DocPayloadKind discriminates the payload carried by a "doc" Message.
type DocPayloadKind byte

const (
	DocSyncStep1 DocPayloadKind = iota
	DocSyncStep2
	DocSyncDone
	DocUpdate
	DocAuthMessage
	DocMilestoneRequest
	DocMilestoneStream
	DocMilestoneResponse
)

// FilePayloadKind discriminates the payload carried by a "file" Message.
type FilePayloadKind byte

const (
	FileBegin FilePayloadKind = iota
	FilePart
	FileComplete
	FileProgress
	FileResult
)

// Direction discriminates an RPC Message's role in the request/stream/response exchange.
type Direction byte

const (
	DirectionRequest Direction = iota
	DirectionStream
	DirectionResponse
)

func (d Direction) String() string {
	switch d {
	case DirectionRequest:
		return "request"
	case DirectionStream:
		return "stream"
	case DirectionResponse:
		return "response"
	default:
		return fmt.Sprintf("Direction(%d)", d)
	}
}

// Context is the opaque, application-level map that rides with every
// Message. Token claims (§4.E) are merged into it by the server before a
// Message reaches permission evaluation or a Session.
type Context map[string]interface{}

// StateVector summarizes causal history for sync-step-1. For an
// unencrypted document it is the CRDT library's opaque state vector bytes;
// for an encrypted document it is the Lamport map described in §3.
type StateVector struct {
	// Opaque holds the CRDT state vector bytes for unencrypted documents.
	Opaque []byte
	// Lamport holds, for encrypted documents, the per-client highest seen
	// counter. Nil for unencrypted documents.
	Lamport map[uint32]uint32
}

// Update is an opaque incremental CRDT update, or (for encrypted documents)
// an opaque ciphertext payload. It carries no Lamport coordinate.
type Update struct {
	Opaque []byte
}

// SyncStep2Update is the diff payload of a sync-step-2 Message.
type SyncStep2Update struct {
	// Opaque holds the CRDT diff bytes for unencrypted documents.
	Opaque []byte
	// Encrypted holds, for encrypted documents, the messages the peer
	// lacks, keyed by Lamport coordinate.
	Encrypted []EncryptedEnvelope
}

// EncryptedEnvelope is a single opaque encrypted update indexed by its
// Lamport coordinate, as stored in the append-only encrypted document log.
type EncryptedEnvelope struct {
	ID        EncryptedMessageID
	ClientID  uint32
	Counter   uint32
	Payload   []byte
}

// EncryptedMessageID is a content hash identifying an encrypted envelope,
// suitable for base64 encoding when used as a storage key.
type EncryptedMessageID [32]byte

// NewEncryptedMessageID derives the content-addressed ID of an encrypted
// envelope from its coordinate and payload.
func NewEncryptedMessageID(clientID, counter uint32, payload []byte) EncryptedMessageID {
	var buf [8]byte
	binary.BigEndian.PutUint32(buf[0:4], clientID)
	binary.BigEndian.PutUint32(buf[4:8], counter)

	var h = sha256.New()
	h.Write(buf[:])
	h.Write(payload)

	var id EncryptedMessageID
	copy(id[:], h.Sum(nil))
	return id
}

// DocPayload is the union of possible "doc" Message payloads. Exactly one
// field is meaningful, selected by Kind.
type DocPayload struct {
	Kind DocPayloadKind

	SyncStep1 *StateVector
	SyncStep2 *SyncStep2Update
	Update    *Update

	// AuthDenied is set for DocAuthMessage: a server-originated denial that
	// is never forwarded to peers (§4.D).
	AuthDenied *AuthDenial

	// Milestone carries milestone-* RPC-shaped sub-messages routed through
	// the doc envelope, per §4.J.
	Milestone *MilestonePayload
}

// AuthDenial is the payload of a server->client doc.auth-message.
type AuthDenial struct {
	Reason string
}

// MilestonePayload carries a milestone RPC operating under the doc
// envelope's milestone-* payload kinds (request/stream/response).
type MilestonePayload struct {
	Method             string
	OriginalRequestID  string
	Body               []byte
}

// FilePayload is the union of possible "file" Message payloads.
type FilePayload struct {
	Kind FilePayloadKind

	FileID   string
	Filename string
	Size     int64

	ChunkIndex int
	ChunkData  []byte
	Proof      [][]byte

	BytesUploaded int64
	Done          bool

	Error string
}

// RPCPayload is the payload of a "rpc" Message.
type RPCPayload struct {
	Method            string
	Direction         Direction
	OriginalRequestID string
	Body              []byte
}

// Message is a single decoded Teleportal protocol frame.
type Message struct {
	// ID is a server-assigned opaque identifier, used by "ack" and for TTL
	// dedupe. It is computed deterministically from frame contents when not
	// explicitly supplied (see ComputeID).
	ID string

	Kind       Kind
	DocumentID string
	Encrypted  bool
	Context    Context

	Doc       *DocPayload
	Awareness *AwarenessPayload
	Ack       *AckPayload
	File      *FilePayload
	RPC       *RPCPayload
}

// AwarenessPayload is the opaque payload of an "awareness" Message.
type AwarenessPayload struct {
	Update []byte
}

// AckPayload is the payload of an "ack" Message: confirmation that a prior
// Message (identified by MessageID) was durably received.
type AckPayload struct {
	MessageID string
}

// ComputeID derives a deterministic content hash for a Message which
// doesn't already carry a server-assigned ID. It's used so that replays of
// an identical frame (e.g. redelivered by a lossy transport) dedupe to the
// same ID without requiring a round-trip to a sequence generator.
func ComputeID(m *Message) string {
	var h = sha256.New()
	h.Write([]byte{byte(m.Kind)})
	h.Write([]byte(m.DocumentID))
	if m.Encrypted {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	switch m.Kind {
	case KindDoc:
		if m.Doc != nil {
			h.Write([]byte{byte(m.Doc.Kind)})
			if m.Doc.Update != nil {
				h.Write(m.Doc.Update.Opaque)
			}
			if m.Doc.SyncStep1 != nil {
				h.Write(m.Doc.SyncStep1.Opaque)
				h.Write(EncodeStateVector(m.Doc.SyncStep1.Lamport))
			}
			if m.Doc.SyncStep2 != nil {
				h.Write(m.Doc.SyncStep2.Opaque)
				h.Write(EncodeSyncStep2(m.Doc.SyncStep2.Encrypted))
			}
		}
	case KindAwareness:
		if m.Awareness != nil {
			h.Write(m.Awareness.Update)
		}
	case KindAck:
		if m.Ack != nil {
			h.Write([]byte(m.Ack.MessageID))
		}
	case KindFile:
		if m.File != nil {
			h.Write([]byte(m.File.FileID))
			h.Write([]byte{byte(m.File.Kind)})
			var idxBuf [8]byte
			binary.BigEndian.PutUint64(idxBuf[:], uint64(m.File.ChunkIndex))
			h.Write(idxBuf[:])
			h.Write(m.File.ChunkData)
		}
	case KindRPC:
		if m.RPC != nil {
			h.Write([]byte(m.RPC.Method))
			h.Write([]byte{byte(m.RPC.Direction)})
			h.Write(m.RPC.Body)
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
