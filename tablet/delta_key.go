package tablet

import (
	"fmt"

	"github.com/columnar-incubator/tinytablet/kv/util/codec"
	"github.com/pingcap/errors"
)

// RowID is the zero-based ordinal of a row within a rowset, stable for the
// rowset's lifetime.
type RowID uint32

// DeltaKey orders the mutations of a delta store: by row ordinal, then by
// timestamp (ascending, the forward-in-time REDO order), then by a per-store
// disambiguator that separates mutations sharing (row, timestamp).
type DeltaKey struct {
	RowIdx        RowID
	Timestamp     Timestamp
	Disambiguator uint32
}

const encodedDeltaKeyLen = 4 + 8 + 4

// Encode appends the key in a form whose byte-wise order equals the key
// order above.
func (k DeltaKey) Encode(b []byte) []byte {
	b = codec.EncodeUint32(b, uint32(k.RowIdx))
	b = codec.EncodeUint64(b, uint64(k.Timestamp))
	b = codec.EncodeUint32(b, k.Disambiguator)
	return b
}

// EncodeRowPrefix appends just the row-ordinal component, for seeking to
// the first delta of a row.
func EncodeRowPrefix(b []byte, rowIdx RowID) []byte {
	return codec.EncodeUint32(b, uint32(rowIdx))
}

func DecodeDeltaKey(b []byte) (DeltaKey, error) {
	var k DeltaKey
	if len(b) < encodedDeltaKeyLen {
		return k, errors.Errorf("delta key too short: %d bytes", len(b))
	}
	var row, disambiguator uint32
	var ts uint64
	b, row, _ = codec.DecodeUint32(b)
	b, ts, _ = codec.DecodeUint64(b)
	_, disambiguator, _ = codec.DecodeUint32(b)
	k.RowIdx = RowID(row)
	k.Timestamp = Timestamp(ts)
	k.Disambiguator = disambiguator
	return k, nil
}

// Compare orders two keys in REDO order.
func (k DeltaKey) Compare(other DeltaKey) int {
	if k.RowIdx != other.RowIdx {
		if k.RowIdx < other.RowIdx {
			return -1
		}
		return 1
	}
	if k.Timestamp != other.Timestamp {
		if k.Timestamp < other.Timestamp {
			return -1
		}
		return 1
	}
	if k.Disambiguator != other.Disambiguator {
		if k.Disambiguator < other.Disambiguator {
			return -1
		}
		return 1
	}
	return 0
}

func (k DeltaKey) String() string {
	return fmt.Sprintf("(row %d ts %d seq %d)", k.RowIdx, k.Timestamp, k.Disambiguator)
}
