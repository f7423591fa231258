package tablet

import (
	"fmt"
	"sync"
	"time"

	"github.com/columnar-incubator/tinytablet/memstore"
	"github.com/columnar-incubator/tinytablet/raft"
	"github.com/columnar-incubator/tinytablet/walog"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// DeltaMemStore is in-memory storage for recently updated rows: a
// concurrent ordered map from DeltaKey to RowChangeList. It tracks a diff
// per row holding the modified columns.
//
// While a DMS holds unflushed mutations it pins the smallest WAL index any
// of them came from, so the log cannot truncate state that only lives
// here. The anchor is released when the DMS is flushed.
type DeltaMemStore struct {
	id   int64
	rsID int64

	creationTime time.Time

	tsMu             sync.Mutex
	lowestTimestamp  Timestamp
	highestTimestamp Timestamp

	arena *memstore.Arena
	tree  *memstore.MemStore

	anchorer *walog.MinLogIndexAnchorer

	// Separates mutations hitting the same (row, timestamp), e.g. one batch
	// mutating a row twice. Only consulted when such a collision occurs.
	disambiguatorSequence atomic.Uint32

	deletedRowCount atomic.Int64

	// Always empty for a DMS; stats are computed at flush time.
	stats DeltaStats
}

// NewDeltaMemStore constructs an empty DMS. Callers share the returned
// handle; arena memory lives until every holder drops it.
func NewDeltaMemStore(id, rsID int64, arenaBlockSize int, registry *walog.LogAnchorRegistry) (*DeltaMemStore, error) {
	if registry == nil {
		return nil, errors.New("nil log anchor registry")
	}
	arena := memstore.NewArena(arenaBlockSize)
	return &DeltaMemStore{
		id:           id,
		rsID:         rsID,
		creationTime: time.Now(),
		arena:        arena,
		tree:         memstore.NewMemStore(arena),
		anchorer: walog.NewMinLogIndexAnchorer(registry,
			fmt.Sprintf("dms-%d-rs-%d", id, rsID)),
	}, nil
}

func (dms *DeltaMemStore) Init(ioCtx *IOContext) error {
	return nil
}

func (dms *DeltaMemStore) Initted() bool {
	return true
}

// Update inserts a mutation of the given row. The change list bytes are
// copied into the DMS's arena; the caller's buffer is free afterwards. The
// mutation's WAL index is folded into the DMS's log anchor.
func (dms *DeltaMemStore) Update(ts Timestamp, rowIdx RowID, changes RowChangeList, opID raft.OpID) error {
	if len(changes.Bytes()) == 0 {
		return errors.New("empty row change list")
	}
	key := DeltaKey{RowIdx: rowIdx, Timestamp: ts}
	val := changes.Bytes()
	for !dms.tree.Insert(key.Encode(nil), val) {
		// Collision on (row, timestamp): retry with the next disambiguator
		// until the key is unique.
		key.Disambiguator = dms.disambiguatorSequence.Inc()
	}

	dms.tsMu.Lock()
	if dms.lowestTimestamp == TimestampMin || ts < dms.lowestTimestamp {
		dms.lowestTimestamp = ts
	}
	if ts > dms.highestTimestamp {
		dms.highestTimestamp = ts
	}
	dms.tsMu.Unlock()

	if err := dms.anchorer.AnchorIfMinimum(opID.Index); err != nil {
		return errors.Trace(err)
	}

	if changes.IsDelete() {
		dms.deletedRowCount.Inc()
	}
	return nil
}

// Count returns the number of deltas successfully inserted.
func (dms *DeltaMemStore) Count() int {
	return dms.tree.Len()
}

func (dms *DeltaMemStore) Empty() bool {
	return dms.tree.Empty()
}

// EstimateSize returns the arena memory footprint.
func (dms *DeltaMemStore) EstimateSize() uint64 {
	return uint64(dms.arena.MemoryFootprint())
}

func (dms *DeltaMemStore) ID() int64 {
	return dms.id
}

func (dms *DeltaMemStore) RowSetID() int64 {
	return dms.rsID
}

func (dms *DeltaMemStore) CreationTime() time.Time {
	return dms.creationTime
}

// MinLogIndex returns the WAL index this DMS pins, or
// walog.InvalidLogIndex if nothing was inserted yet.
func (dms *DeltaMemStore) MinLogIndex() int64 {
	return dms.anchorer.MinimumLogIndex()
}

// DeletedRowCount returns the number of DELETE markers inserted.
func (dms *DeltaMemStore) DeletedRowCount() int64 {
	return dms.deletedRowCount.Load()
}

// HighestTimestamp returns the largest timestamp of any update applied, or
// false if no updates have been applied.
func (dms *DeltaMemStore) HighestTimestamp() (Timestamp, bool) {
	dms.tsMu.Lock()
	defer dms.tsMu.Unlock()
	if dms.highestTimestamp == TimestampMin {
		return TimestampMin, false
	}
	return dms.highestTimestamp, true
}

func (dms *DeltaMemStore) lowestTimestampVal() Timestamp {
	dms.tsMu.Lock()
	defer dms.tsMu.Unlock()
	return dms.lowestTimestamp
}

// FlushToFile emits every delta to the writer in key order and, on
// success, releases the WAL anchor. On failure the anchor stays put and
// the DMS remains flushable.
func (dms *DeltaMemStore) FlushToFile(w DeltaWriter) error {
	var stats DeltaStats
	it := dms.tree.NewIterator()
	for it.SeekToFirst(); it.Valid(); it.Next() {
		key, err := DecodeDeltaKey(it.Key())
		if err != nil {
			return errors.Trace(err)
		}
		changes := NewRowChangeList(it.Value())
		t, err := changes.Type()
		if err != nil {
			return errors.Trace(err)
		}
		if err := w.AppendDelta(key, changes); err != nil {
			return errors.Trace(err)
		}
		stats.Update(t, key.Timestamp)
	}
	if err := w.WriteDeltaStats(&stats); err != nil {
		return errors.Trace(err)
	}
	if err := w.Finish(); err != nil {
		return errors.Trace(err)
	}
	return dms.anchorer.ReleaseAnchor()
}

// NewDeltaIterator constructs an iterator scoped to the snapshot in opts,
// or ErrSnapshotExcluded when the snapshot provably sees none of the
// deltas here.
func (dms *DeltaMemStore) NewDeltaIterator(opts RowIteratorOptions) (DeltaIterator, error) {
	if dms.Empty() {
		return nil, errors.Trace(ErrSnapshotExcluded)
	}
	if !opts.Snap.IsCommitted(dms.lowestTimestampVal()) {
		// Even the earliest mutation here is invisible to the snapshot.
		return nil, errors.Trace(ErrSnapshotExcluded)
	}
	return newDMSIterator(dms, opts), nil
}

// CheckRowDeleted applies the row's deltas in order and reports its final
// deleted-ness; found is false when the row has no deltas here.
func (dms *DeltaMemStore) CheckRowDeleted(rowIdx RowID, ioCtx *IOContext) (deleted, found bool, err error) {
	it := dms.tree.NewIterator()
	for it.Seek(EncodeRowPrefix(nil, rowIdx)); it.Valid(); it.Next() {
		key, derr := DecodeDeltaKey(it.Key())
		if derr != nil {
			return false, false, errors.Trace(derr)
		}
		if key.RowIdx != rowIdx {
			break
		}
		t, terr := NewRowChangeList(it.Value()).Type()
		if terr != nil {
			return false, false, errors.Trace(terr)
		}
		found = true
		switch t {
		case RowChangeDelete:
			deleted = true
		case RowChangeReinsert:
			deleted = false
		}
	}
	return deleted, found, nil
}

func (dms *DeltaMemStore) DeltaStats() *DeltaStats {
	return &dms.stats
}

func (dms *DeltaMemStore) String() string {
	return "DMS"
}
