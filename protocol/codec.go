package protocol

import (
	"github.com/pkg/errors"
)

// Encode serializes m to a self-describing frame:
//
//	discriminator (1 byte) | id (varstring) | documentId (varstring, omitted for ack)
//	| encrypted (1 byte) | payload
//
// If m.ID is empty, a deterministic content hash is computed and used in
// its place (and is also assigned back onto m), so that re-encoding the
// same logical message is idempotent.
func Encode(m *Message) ([]byte, error) {
	if m.ID == "" {
		m.ID = ComputeID(m)
	}

	var buf = make([]byte, 0, 128)
	buf = append(buf, byte(m.Kind))
	buf = putVarString(buf, m.ID)
	if m.Kind != KindAck {
		buf = putVarString(buf, m.DocumentID)
	}
	if m.Encrypted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	var err error
	switch m.Kind {
	case KindDoc:
		buf, err = encodeDocPayload(buf, m.Doc, m.Encrypted)
	case KindAwareness:
		buf = putVarBytes(buf, m.Awareness.Update)
	case KindAck:
		buf = putVarString(buf, m.Ack.MessageID)
	case KindFile:
		buf, err = encodeFilePayload(buf, m.File)
	case KindRPC:
		buf, err = encodeRPCPayload(buf, m.RPC)
	default:
		err = errors.Errorf("unknown message kind %d", m.Kind)
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode is the inverse of Encode. It returns a typed protocol error
// (wrapping ErrTruncatedFrame, ErrTrailingBytes, or ErrUnknownVersion) on
// any malformed input. Decoding never allocates a buffer sized from an
// unchecked length prefix read from the wire.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < 1 {
		return nil, ErrTruncatedFrame
	}
	var kind = Kind(buf[0])
	buf = buf[1:]

	id, n, err := getVarString(buf)
	if err != nil {
		return nil, errors.WithMessage(err, "decoding id")
	}
	buf = buf[n:]

	var docID string
	if kind != KindAck {
		docID, n, err = getVarString(buf)
		if err != nil {
			return nil, errors.WithMessage(err, "decoding documentId")
		}
		buf = buf[n:]
	}

	if len(buf) < 1 {
		return nil, ErrTruncatedFrame
	}
	var encrypted = buf[0] != 0
	buf = buf[1:]

	var m = &Message{
		ID:         id,
		Kind:       kind,
		DocumentID: docID,
		Encrypted:  encrypted,
	}

	switch kind {
	case KindDoc:
		m.Doc, err = decodeDocPayload(buf, encrypted)
	case KindAwareness:
		var update []byte
		update, buf, err = sliceVarBytes(buf)
		if err == nil {
			m.Awareness = &AwarenessPayload{Update: update}
			if len(buf) != 0 {
				err = ErrTrailingBytes
			}
		}
	case KindAck:
		var msgID string
		msgID, n, err = getVarString(buf)
		if err == nil {
			m.Ack = &AckPayload{MessageID: msgID}
			if len(buf[n:]) != 0 {
				err = ErrTrailingBytes
			}
		}
	case KindFile:
		m.File, err = decodeFilePayload(buf)
	case KindRPC:
		m.RPC, err = decodeRPCPayload(buf)
	default:
		err = errors.Errorf("unknown message kind %d", kind)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// encodeDocPayload encodes p. For encrypted documents, sync-step-1 and
// sync-step-2 are routed through the §4.A encrypted sub-codec
// (EncodeStateVector/EncodeSyncStep2) instead of the plain Opaque bytes, so
// a Lamport state vector and its encrypted envelopes actually survive the
// wire (invariant 8); the sub-codec's output is itself length-framed via
// putVarBytes like every other field here.
func encodeDocPayload(buf []byte, p *DocPayload, encrypted bool) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil doc payload")
	}
	buf = append(buf, byte(p.Kind))
	switch p.Kind {
	case DocSyncStep1:
		if encrypted {
			buf = putVarBytes(buf, EncodeStateVector(p.SyncStep1.Lamport))
		} else {
			buf = putVarBytes(buf, p.SyncStep1.Opaque)
		}
	case DocSyncStep2:
		if encrypted {
			buf = putVarBytes(buf, EncodeSyncStep2(p.SyncStep2.Encrypted))
		} else {
			buf = putVarBytes(buf, p.SyncStep2.Opaque)
		}
	case DocSyncDone:
		// No payload.
	case DocUpdate:
		buf = putVarBytes(buf, p.Update.Opaque)
	case DocAuthMessage:
		buf = putVarString(buf, p.AuthDenied.Reason)
	case DocMilestoneRequest, DocMilestoneStream, DocMilestoneResponse:
		buf = putVarString(buf, p.Milestone.Method)
		buf = putVarString(buf, p.Milestone.OriginalRequestID)
		buf = putVarBytes(buf, p.Milestone.Body)
	default:
		return nil, errors.Errorf("unknown doc payload kind %d", p.Kind)
	}
	return buf, nil
}

func decodeDocPayload(buf []byte, encrypted bool) (*DocPayload, error) {
	if len(buf) < 1 {
		return nil, ErrTruncatedFrame
	}
	var kind = DocPayloadKind(buf[0])
	buf = buf[1:]

	var p = &DocPayload{Kind: kind}
	var err error
	switch kind {
	case DocSyncStep1:
		var b []byte
		b, buf, err = sliceVarBytes(buf)
		if err != nil {
			break
		}
		if encrypted {
			var lamport map[uint32]uint32
			lamport, err = DecodeStateVector(b)
			p.SyncStep1 = &StateVector{Lamport: lamport}
		} else {
			p.SyncStep1 = &StateVector{Opaque: b}
		}
	case DocSyncStep2:
		var b []byte
		b, buf, err = sliceVarBytes(buf)
		if err != nil {
			break
		}
		if encrypted {
			var envs []EncryptedEnvelope
			envs, err = DecodeSyncStep2(b)
			p.SyncStep2 = &SyncStep2Update{Encrypted: envs}
		} else {
			p.SyncStep2 = &SyncStep2Update{Opaque: b}
		}
	case DocSyncDone:
		// No payload.
	case DocUpdate:
		var b []byte
		b, buf, err = sliceVarBytes(buf)
		p.Update = &Update{Opaque: b}
	case DocAuthMessage:
		var reason string
		reason, buf, err = sliceVarString(buf)
		p.AuthDenied = &AuthDenial{Reason: reason}
	case DocMilestoneRequest, DocMilestoneStream, DocMilestoneResponse:
		var method, origID string
		var body []byte
		if method, buf, err = sliceVarString(buf); err != nil {
			break
		}
		if origID, buf, err = sliceVarString(buf); err != nil {
			break
		}
		body, buf, err = sliceVarBytes(buf)
		p.Milestone = &MilestonePayload{Method: method, OriginalRequestID: origID, Body: body}
	default:
		return nil, errors.Errorf("unknown doc payload kind %d", kind)
	}
	if err != nil {
		return nil, err
	}
	if len(buf) != 0 {
		return nil, ErrTrailingBytes
	}
	return p, nil
}

func encodeFilePayload(buf []byte, p *FilePayload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil file payload")
	}
	buf = append(buf, byte(p.Kind))
	buf = putVarString(buf, p.FileID)
	buf = putVarString(buf, p.Filename)
	buf = putUvarint(buf, uint64(p.Size))
	buf = putUvarint(buf, uint64(p.ChunkIndex))
	buf = putVarBytes(buf, p.ChunkData)
	buf = putUvarint(buf, uint64(len(p.Proof)))
	for _, sib := range p.Proof {
		buf = putVarBytes(buf, sib)
	}
	buf = putUvarint(buf, uint64(p.BytesUploaded))
	if p.Done {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = putVarString(buf, p.Error)
	return buf, nil
}

func decodeFilePayload(buf []byte) (*FilePayload, error) {
	if len(buf) < 1 {
		return nil, ErrTruncatedFrame
	}
	var p = &FilePayload{Kind: FilePayloadKind(buf[0])}
	buf = buf[1:]

	var err error
	if p.FileID, buf, err = sliceVarString(buf); err != nil {
		return nil, err
	}
	if p.Filename, buf, err = sliceVarString(buf); err != nil {
		return nil, err
	}
	size, n, err := getUvarint(buf)
	if err != nil {
		return nil, err
	}
	p.Size = int64(size)
	buf = buf[n:]

	idx, n, err := getUvarint(buf)
	if err != nil {
		return nil, err
	}
	p.ChunkIndex = int(idx)
	buf = buf[n:]

	if p.ChunkData, buf, err = sliceVarBytes(buf); err != nil {
		return nil, err
	}

	proofLen, n, err := getUvarint(buf)
	if err != nil {
		return nil, err
	}
	buf = buf[n:]
	p.Proof = make([][]byte, 0, proofLen)
	for i := uint64(0); i < proofLen; i++ {
		var sib []byte
		if sib, buf, err = sliceVarBytes(buf); err != nil {
			return nil, err
		}
		p.Proof = append(p.Proof, sib)
	}

	uploaded, n, err := getUvarint(buf)
	if err != nil {
		return nil, err
	}
	p.BytesUploaded = int64(uploaded)
	buf = buf[n:]

	if len(buf) < 1 {
		return nil, ErrTruncatedFrame
	}
	p.Done = buf[0] != 0
	buf = buf[1:]

	if p.Error, buf, err = sliceVarString(buf); err != nil {
		return nil, err
	}
	if len(buf) != 0 {
		return nil, ErrTrailingBytes
	}
	return p, nil
}

func encodeRPCPayload(buf []byte, p *RPCPayload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("nil rpc payload")
	}
	buf = putVarString(buf, p.Method)
	buf = append(buf, byte(p.Direction))
	buf = putVarString(buf, p.OriginalRequestID)
	buf = putVarBytes(buf, p.Body)
	return buf, nil
}

func decodeRPCPayload(buf []byte) (*RPCPayload, error) {
	var p = new(RPCPayload)
	var err error
	if p.Method, buf, err = sliceVarString(buf); err != nil {
		return nil, err
	}
	if len(buf) < 1 {
		return nil, ErrTruncatedFrame
	}
	p.Direction = Direction(buf[0])
	buf = buf[1:]

	if p.OriginalRequestID, buf, err = sliceVarString(buf); err != nil {
		return nil, err
	}
	if p.Body, buf, err = sliceVarBytes(buf); err != nil {
		return nil, err
	}
	if len(buf) != 0 {
		return nil, ErrTrailingBytes
	}
	return p, nil
}

// sliceVarBytes reads a varint-prefixed byte string from the front of buf,
// copying it so the returned slice outlives the caller's own buffer reuse,
// and returns the remaining tail of buf.
func sliceVarBytes(buf []byte) ([]byte, []byte, error) {
	b, n, err := getVarBytes(buf)
	if err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), b...), buf[n:], nil
}

func sliceVarString(buf []byte) (string, []byte, error) {
	b, tail, err := sliceVarBytes(buf)
	if err != nil {
		return "", nil, err
	}
	return string(b), tail, nil
}
