package protocol

import "sort"

// This file implements the §4.A encrypted-sync sub-codec: three framed
// shapes used only for encrypted documents, each prefixed by a version
// varint (currently 0). The server never reads the plaintext of these
// messages; it only ever shuffles opaque ciphertext payloads keyed by
// Lamport coordinate.

const encryptedCodecVersion = 0

// EncodeStateVector encodes a Lamport state vector as:
//
//	version (varint) | length (varint) | length * (clientId varint, counter varint)
func EncodeStateVector(sv map[uint32]uint32) []byte {
	var buf = make([]byte, 0, 16+8*len(sv))
	buf = putUvarint(buf, encryptedCodecVersion)
	buf = putUvarint(buf, uint64(len(sv)))

	// Deterministic ordering keeps encode(decode(x)) == x for round-trip
	// tests and keeps identical state vectors hashing identically.
	var ids = sortedKeys(sv)
	for _, id := range ids {
		buf = putUvarint(buf, uint64(id))
		buf = putUvarint(buf, uint64(sv[id]))
	}
	return buf
}

// DecodeStateVector is the inverse of EncodeStateVector.
func DecodeStateVector(buf []byte) (map[uint32]uint32, error) {
	version, n, err := getUvarint(buf)
	if err != nil {
		return nil, err
	}
	if version != encryptedCodecVersion {
		return nil, ErrUnknownVersion
	}
	buf = buf[n:]

	length, n, err := getUvarint(buf)
	if err != nil {
		return nil, err
	}
	buf = buf[n:]

	var sv = make(map[uint32]uint32, length)
	for i := uint64(0); i < length; i++ {
		clientID, n, err := getUvarint(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]

		counter, n, err := getUvarint(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]

		sv[uint32(clientID)] = uint32(counter)
	}
	if len(buf) != 0 {
		return nil, ErrTrailingBytes
	}
	return sv, nil
}

// EncodeUpdateList encodes an ordered list of encrypted envelopes as:
//
//	version (varint) | length (varint) | length * (messageId varlen, clientId varint, counter varint, payload varlen)
//
// It's used both as a stand-alone "you are missing these" list and as the
// uncompressed form that EncodeSyncStep2 further compresses.
func EncodeUpdateList(envs []EncryptedEnvelope) []byte {
	var buf = make([]byte, 0, 32*len(envs))
	buf = putUvarint(buf, encryptedCodecVersion)
	buf = putUvarint(buf, uint64(len(envs)))
	for _, e := range envs {
		buf = putVarBytes(buf, e.ID[:])
		buf = putUvarint(buf, uint64(e.ClientID))
		buf = putUvarint(buf, uint64(e.Counter))
		buf = putVarBytes(buf, e.Payload)
	}
	return buf
}

// DecodeUpdateList is the inverse of EncodeUpdateList.
func DecodeUpdateList(buf []byte) ([]EncryptedEnvelope, error) {
	version, n, err := getUvarint(buf)
	if err != nil {
		return nil, err
	}
	if version != encryptedCodecVersion {
		return nil, ErrUnknownVersion
	}
	buf = buf[n:]

	length, n, err := getUvarint(buf)
	if err != nil {
		return nil, err
	}
	buf = buf[n:]

	var envs = make([]EncryptedEnvelope, 0, length)
	for i := uint64(0); i < length; i++ {
		idBytes, n, err := getVarBytes(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		if len(idBytes) != len(EncryptedMessageID{}) {
			return nil, ErrTruncatedFrame
		}
		var id EncryptedMessageID
		copy(id[:], idBytes)

		clientID, n, err := getUvarint(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]

		counter, n, err := getUvarint(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]

		payload, n, err := getVarBytes(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]

		envs = append(envs, EncryptedEnvelope{
			ID:       id,
			ClientID: uint32(clientID),
			Counter:  uint32(counter),
			Payload:  append([]byte(nil), payload...),
		})
	}
	if len(buf) != 0 {
		return nil, ErrTrailingBytes
	}
	return envs, nil
}

// EncodeSyncStep2 encodes a sync-step-2 message: a deduplicated clientId
// table (sequence index -> clientId), followed by messages that reference
// the table by index rather than repeating their clientId. This keeps
// sync-step-2 compact for documents dominated by a small set of active
// collaborators.
//
//	version (varint) | tableLen (varint) | tableLen * clientId (varint)
//	| msgLen (varint) | msgLen * (messageId varlen, tableIndex varint, counter varint, payload varlen)
func EncodeSyncStep2(envs []EncryptedEnvelope) []byte {
	var table []uint32
	var index = make(map[uint32]int)
	for _, e := range envs {
		if _, ok := index[e.ClientID]; !ok {
			index[e.ClientID] = len(table)
			table = append(table, e.ClientID)
		}
	}

	var buf = make([]byte, 0, 32*len(envs))
	buf = putUvarint(buf, encryptedCodecVersion)

	buf = putUvarint(buf, uint64(len(table)))
	for _, id := range table {
		buf = putUvarint(buf, uint64(id))
	}

	buf = putUvarint(buf, uint64(len(envs)))
	for _, e := range envs {
		buf = putVarBytes(buf, e.ID[:])
		buf = putUvarint(buf, uint64(index[e.ClientID]))
		buf = putUvarint(buf, uint64(e.Counter))
		buf = putVarBytes(buf, e.Payload)
	}
	return buf
}

// DecodeSyncStep2 is the inverse of EncodeSyncStep2.
func DecodeSyncStep2(buf []byte) ([]EncryptedEnvelope, error) {
	version, n, err := getUvarint(buf)
	if err != nil {
		return nil, err
	}
	if version != encryptedCodecVersion {
		return nil, ErrUnknownVersion
	}
	buf = buf[n:]

	tableLen, n, err := getUvarint(buf)
	if err != nil {
		return nil, err
	}
	buf = buf[n:]

	var table = make([]uint32, tableLen)
	for i := range table {
		id, n, err := getUvarint(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		table[i] = uint32(id)
	}

	msgLen, n, err := getUvarint(buf)
	if err != nil {
		return nil, err
	}
	buf = buf[n:]

	var envs = make([]EncryptedEnvelope, 0, msgLen)
	for i := uint64(0); i < msgLen; i++ {
		idBytes, n, err := getVarBytes(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		if len(idBytes) != len(EncryptedMessageID{}) {
			return nil, ErrTruncatedFrame
		}
		var id EncryptedMessageID
		copy(id[:], idBytes)

		tableIndex, n, err := getUvarint(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]
		if tableIndex >= uint64(len(table)) {
			return nil, ErrTruncatedFrame
		}

		counter, n, err := getUvarint(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]

		payload, n, err := getVarBytes(buf)
		if err != nil {
			return nil, err
		}
		buf = buf[n:]

		envs = append(envs, EncryptedEnvelope{
			ID:       id,
			ClientID: table[tableIndex],
			Counter:  uint32(counter),
			Payload:  append([]byte(nil), payload...),
		})
	}
	if len(buf) != 0 {
		return nil, ErrTrailingBytes
	}
	return envs, nil
}

func sortedKeys(m map[uint32]uint32) []uint32 {
	var keys = make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
