package tablet

import (
	"fmt"

	"github.com/columnar-incubator/tinytablet/kv/util/codec"
	"github.com/pingcap/errors"
)

// DeltaStats summarizes the contents of a delta store: how many mutations
// of each kind it holds and the timestamp range they span. A delta file
// records its stats in a footer so readers can skip files irrelevant to a
// snapshot.
type DeltaStats struct {
	UpdateCount   int64
	DeleteCount   int64
	ReinsertCount int64

	// MinTimestamp/MaxTimestamp span the recorded mutations; both are
	// TimestampMin while the store is empty.
	MinTimestamp Timestamp
	MaxTimestamp Timestamp
}

// Update folds one mutation into the stats.
func (s *DeltaStats) Update(t RowChangeType, ts Timestamp) {
	switch t {
	case RowChangeUpdate:
		s.UpdateCount++
	case RowChangeDelete:
		s.DeleteCount++
	case RowChangeReinsert:
		s.ReinsertCount++
	}
	if s.MinTimestamp == TimestampMin || ts < s.MinTimestamp {
		s.MinTimestamp = ts
	}
	if ts > s.MaxTimestamp {
		s.MaxTimestamp = ts
	}
}

func (s *DeltaStats) TotalMutationCount() int64 {
	return s.UpdateCount + s.DeleteCount + s.ReinsertCount
}

func (s *DeltaStats) Encode(b []byte) []byte {
	b = codec.EncodeUvarint(b, uint64(s.UpdateCount))
	b = codec.EncodeUvarint(b, uint64(s.DeleteCount))
	b = codec.EncodeUvarint(b, uint64(s.ReinsertCount))
	b = codec.EncodeUint64(b, uint64(s.MinTimestamp))
	b = codec.EncodeUint64(b, uint64(s.MaxTimestamp))
	return b
}

func DecodeDeltaStats(b []byte) (*DeltaStats, error) {
	s := new(DeltaStats)
	var v uint64
	var err error
	if b, v, err = codec.DecodeUvarint(b); err != nil {
		return nil, errors.Trace(err)
	}
	s.UpdateCount = int64(v)
	if b, v, err = codec.DecodeUvarint(b); err != nil {
		return nil, errors.Trace(err)
	}
	s.DeleteCount = int64(v)
	if b, v, err = codec.DecodeUvarint(b); err != nil {
		return nil, errors.Trace(err)
	}
	s.ReinsertCount = int64(v)
	if b, v, err = codec.DecodeUint64(b); err != nil {
		return nil, errors.Trace(err)
	}
	s.MinTimestamp = Timestamp(v)
	if _, v, err = codec.DecodeUint64(b); err != nil {
		return nil, errors.Trace(err)
	}
	s.MaxTimestamp = Timestamp(v)
	return s, nil
}

func (s *DeltaStats) String() string {
	return fmt.Sprintf("ts range=[%d, %d], update=%d, delete=%d, reinsert=%d",
		s.MinTimestamp, s.MaxTimestamp, s.UpdateCount, s.DeleteCount, s.ReinsertCount)
}
