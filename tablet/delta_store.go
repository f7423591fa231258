package tablet

import (
	"github.com/columnar-incubator/tinytablet/memstore"
	"github.com/pingcap/errors"
)

// ErrSnapshotExcluded is returned by NewDeltaIterator when the store can
// prove that none of its deltas are visible in the requested snapshot; the
// caller skips the store.
var ErrSnapshotExcluded = errors.New("no deltas in store are relevant to the snapshot")

// Prepare flags select which of the consuming calls a prepared batch must
// support.
const (
	PrepareForApply = 1 << iota
	PrepareForCollect
	PrepareForSelect
)

// DeltaStore is a source of row mutations: the in-memory DMS or an
// immutable flushed delta file.
type DeltaStore interface {
	// Init makes the store ready to serve iterators.
	Init(ioCtx *IOContext) error

	Initted() bool

	// NewDeltaIterator returns an iterator applying this store's deltas
	// under the options' snapshot, or ErrSnapshotExcluded.
	NewDeltaIterator(opts RowIteratorOptions) (DeltaIterator, error)

	// CheckRowDeleted reports the deleted-ness of the row after applying
	// this store's visible deltas; found is false when the store carries no
	// delta for the row.
	CheckRowDeleted(rowIdx RowID, ioCtx *IOContext) (deleted, found bool, err error)

	// EstimateSize returns the approximate in-memory footprint in bytes.
	EstimateSize() uint64

	DeltaStats() *DeltaStats

	String() string
}

// DeltaIterator iterates the deltas of one store (or a merge of several)
// over a row range, one prepared batch at a time. Init must precede
// everything; SeekToOrdinal must precede PrepareBatch; PrepareBatch fixes
// the window that the Apply/Select/Collect calls operate on.
type DeltaIterator interface {
	Init(spec *ScanSpec) error

	// SeekToOrdinal positions the iterator so that the next PrepareBatch
	// starts at rowIdx.
	SeekToOrdinal(rowIdx RowID) error

	// PrepareBatch fixes a window of up to nrows rows.
	PrepareBatch(nrows int, prepareFlags int) error

	// ApplyUpdates applies prepared SETs of the projection column at index
	// colToApply into dst. Rows unselected in filter are skipped.
	ApplyUpdates(colToApply int, dst *ColumnBlock, filter *SelectionVector) error

	// ApplyDeletes unsets the selection bit of rows whose latest visible
	// mutation in the batch is a DELETE.
	ApplyDeletes(selVec *SelectionVector) error

	// SelectDeltas marks the rows of the batch that have any visible delta.
	SelectDeltas(deltas *SelectedDeltas) error

	// CollectMutations appends each visible mutation to the per-row list in
	// dst, indexed by offset within the batch. Change list bytes are copied
	// into arena.
	CollectMutations(dst [][]Mutation, arena *memstore.Arena) error

	// FilterColumnIdsAndCollectDeltas accumulates the deltas that touch any
	// of colIds (delete and reinsert markers always qualify) into out,
	// copying each delta's whole encoded change list into arena as its Cell.
	FilterColumnIdsAndCollectDeltas(colIds []ColumnID, out *[]DeltaKeyAndUpdate, arena *memstore.Arena) error

	// HasNext reports whether any further batch could yield deltas.
	HasNext() bool

	// MayHaveDeltas reports whether the prepared batch holds any delta.
	MayHaveDeltas() bool

	// DeltasSelected returns the running count of deltas selected by
	// PrepareBatch calls under PrepareForSelect; a merger threads the
	// counter through its children so a global cap can be honored.
	DeltasSelected() int64
	SetDeltasSelected(n int64)

	String() string

	// Close releases any storage resources pinned by the iterator.
	Close()
}

// Mutation is one visible delta collected for a row.
type Mutation struct {
	Key     DeltaKey
	Changes RowChangeList
}

// DeltaKeyAndUpdate is one delta surviving a column filter.
type DeltaKeyAndUpdate struct {
	Key  DeltaKey
	Cell []byte
}

// SelectedDeltas tracks which rows of a batch carry at least one visible
// delta.
type SelectedDeltas struct {
	startRow RowID
	rows     []bool
}

func NewSelectedDeltas(startRow RowID, nrows int) *SelectedDeltas {
	return &SelectedDeltas{
		startRow: startRow,
		rows:     make([]bool, nrows),
	}
}

func (sd *SelectedDeltas) MarkRowSelected(rowIdx RowID) {
	sd.rows[rowIdx-sd.startRow] = true
}

func (sd *SelectedDeltas) IsRowSelected(rowIdx RowID) bool {
	return sd.rows[rowIdx-sd.startRow]
}

func (sd *SelectedDeltas) CountSelected() int {
	n := 0
	for _, sel := range sd.rows {
		if sel {
			n++
		}
	}
	return n
}

// DeltaWriter is the sink of a DMS flush. Implementations must tolerate
// the exact key order a flush emits: ascending DeltaKey.
type DeltaWriter interface {
	AppendDelta(key DeltaKey, changes RowChangeList) error
	WriteDeltaStats(stats *DeltaStats) error
	Finish() error
}
