package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// ErrTruncatedFrame is returned by any decoder that would need to read
// beyond the bytes remaining in the input. Decoders never allocate based
// on an unchecked length prefix; every length is checked against the
// remaining buffer before use.
var ErrTruncatedFrame = errors.New("truncated frame")

// ErrTrailingBytes is returned when a decoder finishes before consuming the
// entire supplied buffer.
var ErrTrailingBytes = errors.New("trailing bytes after frame")

// ErrUnknownVersion is returned by the encrypted sub-codec on an
// unrecognized version varint.
var ErrUnknownVersion = errors.New("unknown encoding version")

func putUvarint(buf []byte, v uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	var n = binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}

// getUvarint reads a uvarint from buf, returning the value, the number of
// bytes consumed, and an error if buf is exhausted before a complete
// varint is read.
func getUvarint(buf []byte) (uint64, int, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, 0, ErrTruncatedFrame
	}
	return v, n, nil
}

// getVarBytes reads a uvarint length prefix followed by that many bytes.
// The length is validated against len(buf) before slicing, so a corrupt or
// adversarial length prefix cannot force an over-read or an allocation
// larger than the actual input.
func getVarBytes(buf []byte) ([]byte, int, error) {
	length, n, err := getUvarint(buf)
	if err != nil {
		return nil, 0, err
	}
	var rest = buf[n:]
	if uint64(len(rest)) < length {
		return nil, 0, ErrTruncatedFrame
	}
	return rest[:length], n + int(length), nil
}

func putVarBytes(buf []byte, b []byte) []byte {
	buf = putUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func putVarString(buf []byte, s string) []byte {
	return putVarBytes(buf, []byte(s))
}

func getVarString(buf []byte) (string, int, error) {
	b, n, err := getVarBytes(buf)
	if err != nil {
		return "", 0, err
	}
	return string(b), n, nil
}
