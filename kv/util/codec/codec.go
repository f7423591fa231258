package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

// Fixed-width big-endian encodings. The encoded form of an unsigned value
// compares byte-wise the same way the value compares numerically, so these
// are safe to embed in ordered keys.

func EncodeUint64(b []byte, v uint64) []byte {
	var data [8]byte
	binary.BigEndian.PutUint64(data[:], v)
	return append(b, data[:]...)
}

func DecodeUint64(b []byte) ([]byte, uint64, error) {
	if len(b) < 8 {
		return nil, 0, errors.New("insufficient bytes to decode value")
	}
	v := binary.BigEndian.Uint64(b[:8])
	return b[8:], v, nil
}

func EncodeUint32(b []byte, v uint32) []byte {
	var data [4]byte
	binary.BigEndian.PutUint32(data[:], v)
	return append(b, data[:]...)
}

func DecodeUint32(b []byte) ([]byte, uint32, error) {
	if len(b) < 4 {
		return nil, 0, errors.New("insufficient bytes to decode value")
	}
	v := binary.BigEndian.Uint32(b[:4])
	return b[4:], v, nil
}

// Uvarint encodings for change list payloads, where keys are not involved
// and compactness wins over comparability.

func EncodeUvarint(b []byte, v uint64) []byte {
	var data [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(data[:], v)
	return append(b, data[:n]...)
}

func DecodeUvarint(b []byte) ([]byte, uint64, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, 0, errors.New("insufficient bytes to decode value")
	}
	return b[n:], v, nil
}

func EncodeBytesValue(b []byte, v []byte) []byte {
	b = EncodeUvarint(b, uint64(len(v)))
	return append(b, v...)
}

func DecodeBytesValue(b []byte) ([]byte, []byte, error) {
	b, n, err := DecodeUvarint(b)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if uint64(len(b)) < n {
		return nil, nil, errors.New("insufficient bytes to decode value")
	}
	return b[n:], b[:n], nil
}
