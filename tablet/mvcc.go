package tablet

import "math"

// Timestamp is a hybrid logical clock value. Timestamps are totally
// ordered; TimestampMin is a sentinel meaning "no value".
type Timestamp uint64

const (
	TimestampMin Timestamp = 0
	TimestampMax Timestamp = math.MaxUint64
)

// MvccSnapshot defines the set of committed timestamps visible to a
// reader. Mutations outside the snapshot must not be applied.
type MvccSnapshot struct {
	// Every mutation with a timestamp strictly below this bound is
	// considered committed.
	allCommittedBefore Timestamp
}

// NewMvccSnapshot returns a snapshot that sees everything committed
// strictly before ts.
func NewMvccSnapshot(ts Timestamp) MvccSnapshot {
	return MvccSnapshot{allCommittedBefore: ts}
}

// NewMvccSnapshotIncludingAllMutations sees every mutation.
func NewMvccSnapshotIncludingAllMutations() MvccSnapshot {
	return MvccSnapshot{allCommittedBefore: TimestampMax}
}

// IsCommitted reports whether a mutation at ts is visible in this snapshot.
func (s MvccSnapshot) IsCommitted(ts Timestamp) bool {
	return ts < s.allCommittedBefore
}

// MayHaveCommittedMutationsAtOrAfter reports whether any timestamp >= ts
// could be visible.
func (s MvccSnapshot) MayHaveCommittedMutationsAtOrAfter(ts Timestamp) bool {
	return s.allCommittedBefore > ts
}
