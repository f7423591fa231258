package tablet

import (
	"fmt"
	"testing"

	"github.com/columnar-incubator/tinytablet/memstore"
	"github.com/columnar-incubator/tinytablet/raft"
	"github.com/columnar-incubator/tinytablet/walog"
	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"
)

func newTestDMS(t *testing.T, registry *walog.LogAnchorRegistry) *DeltaMemStore {
	dms, err := NewDeltaMemStore(1, 0, 64<<10, registry)
	require.Nil(t, err)
	return dms
}

func setChange(t *testing.T, colID ColumnID, val string) RowChangeList {
	var enc RowChangeListEncoder
	enc.AddColumnUpdate(colID, []byte(val))
	return enc.Encoded()
}

func deleteChange() RowChangeList {
	var enc RowChangeListEncoder
	enc.SetToDelete()
	return enc.Encoded()
}

func reinsertChange() RowChangeList {
	var enc RowChangeListEncoder
	enc.SetToReinsert()
	return enc.Encoded()
}

func testOpts(snapTs Timestamp) RowIteratorOptions {
	return RowIteratorOptions{
		Snap:       NewMvccSnapshot(snapTs),
		Projection: NewSchema(ColumnSchema{ID: 10, Name: "val"}),
		IOContext:  &IOContext{TabletID: "test-tablet"},
	}
}

func TestDMSUpdateAndCount(t *testing.T) {
	registry := walog.NewLogAnchorRegistry()
	dms := newTestDMS(t, registry)
	require.True(t, dms.Empty())

	for i := 0; i < 5; i++ {
		err := dms.Update(Timestamp(100+i), RowID(i), setChange(t, 10, fmt.Sprintf("v%d", i)),
			raft.OpID{Term: 1, Index: int64(10 + i)})
		require.Nil(t, err)
	}
	require.Equal(t, 5, dms.Count())
	require.False(t, dms.Empty())
	require.True(t, dms.EstimateSize() > 0)

	ts, ok := dms.HighestTimestamp()
	require.True(t, ok)
	require.Equal(t, Timestamp(104), ts)

	// The anchor pins the smallest WAL index seen.
	require.Equal(t, int64(10), dms.MinLogIndex())
	earliest, err := registry.GetEarliestRegisteredLogIndex()
	require.Nil(t, err)
	require.Equal(t, int64(10), earliest)
}

func TestDMSCollisionDisambiguator(t *testing.T) {
	registry := walog.NewLogAnchorRegistry()
	dms := newTestDMS(t, registry)

	// Two mutations of the same row at the same timestamp, as in one batch
	// mutating a row twice.
	require.Nil(t, dms.Update(100, 42, setChange(t, 10, "first"), raft.OpID{Term: 1, Index: 7}))
	require.Nil(t, dms.Update(100, 42, setChange(t, 10, "second"), raft.OpID{Term: 1, Index: 7}))
	require.Equal(t, 2, dms.Count())

	iter, err := dms.NewDeltaIterator(testOpts(TimestampMax))
	require.Nil(t, err)
	defer iter.Close()
	require.Nil(t, iter.Init(nil))
	require.Nil(t, iter.SeekToOrdinal(0))
	require.Nil(t, iter.PrepareBatch(100, PrepareForCollect))

	arena := memstore.NewArena(4 << 10)
	var out []DeltaKeyAndUpdate
	require.Nil(t, iter.FilterColumnIdsAndCollectDeltas([]ColumnID{10}, &out, arena))
	require.Len(t, out, 2)
	require.Equal(t, uint32(0), out[0].Key.Disambiguator)
	require.Equal(t, uint32(1), out[1].Key.Disambiguator)
}

func TestDMSDeletedRowCount(t *testing.T) {
	registry := walog.NewLogAnchorRegistry()
	dms := newTestDMS(t, registry)
	require.Nil(t, dms.Update(100, 1, setChange(t, 10, "x"), raft.OpID{Term: 1, Index: 1}))
	require.Nil(t, dms.Update(101, 2, deleteChange(), raft.OpID{Term: 1, Index: 2}))
	require.Nil(t, dms.Update(102, 3, deleteChange(), raft.OpID{Term: 1, Index: 3}))
	require.Equal(t, int64(2), dms.DeletedRowCount())
}

func TestDMSCheckRowDeleted(t *testing.T) {
	registry := walog.NewLogAnchorRegistry()
	dms := newTestDMS(t, registry)
	require.Nil(t, dms.Update(100, 5, setChange(t, 10, "x"), raft.OpID{Term: 1, Index: 1}))
	require.Nil(t, dms.Update(101, 5, deleteChange(), raft.OpID{Term: 1, Index: 2}))
	require.Nil(t, dms.Update(102, 6, deleteChange(), raft.OpID{Term: 1, Index: 3}))
	require.Nil(t, dms.Update(103, 6, reinsertChange(), raft.OpID{Term: 1, Index: 4}))

	deleted, found, err := dms.CheckRowDeleted(5, nil)
	require.Nil(t, err)
	require.True(t, found)
	require.True(t, deleted)

	deleted, found, err = dms.CheckRowDeleted(6, nil)
	require.Nil(t, err)
	require.True(t, found)
	require.False(t, deleted)

	_, found, err = dms.CheckRowDeleted(7, nil)
	require.Nil(t, err)
	require.False(t, found)
}

func TestDMSSnapshotExcluded(t *testing.T) {
	registry := walog.NewLogAnchorRegistry()
	dms := newTestDMS(t, registry)

	// Empty store is never relevant.
	_, err := dms.NewDeltaIterator(testOpts(TimestampMax))
	require.Equal(t, ErrSnapshotExcluded, errors.Cause(err))

	require.Nil(t, dms.Update(100, 1, setChange(t, 10, "x"), raft.OpID{Term: 1, Index: 1}))

	// The snapshot's bound is at or below every timestamp present.
	_, err = dms.NewDeltaIterator(testOpts(100))
	require.Equal(t, ErrSnapshotExcluded, errors.Cause(err))

	iter, err := dms.NewDeltaIterator(testOpts(101))
	require.Nil(t, err)
	iter.Close()
}

func TestDMSIteratorApplyUpdates(t *testing.T) {
	registry := walog.NewLogAnchorRegistry()
	dms := newTestDMS(t, registry)
	require.Nil(t, dms.Update(100, 0, setChange(t, 10, "old"), raft.OpID{Term: 1, Index: 1}))
	require.Nil(t, dms.Update(200, 0, setChange(t, 10, "new"), raft.OpID{Term: 1, Index: 2}))
	require.Nil(t, dms.Update(100, 2, setChange(t, 10, "two"), raft.OpID{Term: 1, Index: 3}))
	// An update of a column outside the projection must not land anywhere.
	require.Nil(t, dms.Update(100, 3, setChange(t, 99, "other"), raft.OpID{Term: 1, Index: 4}))

	iter, err := dms.NewDeltaIterator(testOpts(TimestampMax))
	require.Nil(t, err)
	defer iter.Close()
	require.Nil(t, iter.Init(nil))
	require.Nil(t, iter.SeekToOrdinal(0))
	require.Nil(t, iter.PrepareBatch(4, PrepareForApply))
	require.True(t, iter.MayHaveDeltas())

	dst := NewColumnBlock(10, 4)
	filter := NewSelectionVector(4)
	filter.SetAllTrue()
	require.Nil(t, iter.ApplyUpdates(0, dst, filter))

	// REDO order: the later SET wins.
	require.Equal(t, []byte("new"), dst.Cell(0))
	require.Nil(t, dst.Cell(1))
	require.Equal(t, []byte("two"), dst.Cell(2))
	require.Nil(t, dst.Cell(3))
}

func TestDMSIteratorSnapshotFiltering(t *testing.T) {
	registry := walog.NewLogAnchorRegistry()
	dms := newTestDMS(t, registry)
	require.Nil(t, dms.Update(100, 0, setChange(t, 10, "old"), raft.OpID{Term: 1, Index: 1}))
	require.Nil(t, dms.Update(200, 0, setChange(t, 10, "new"), raft.OpID{Term: 1, Index: 2}))

	// A snapshot below ts=200 sees only the first mutation.
	iter, err := dms.NewDeltaIterator(testOpts(150))
	require.Nil(t, err)
	defer iter.Close()
	require.Nil(t, iter.Init(nil))
	require.Nil(t, iter.SeekToOrdinal(0))
	require.Nil(t, iter.PrepareBatch(1, PrepareForApply))

	dst := NewColumnBlock(10, 1)
	require.Nil(t, iter.ApplyUpdates(0, dst, nil))
	require.Equal(t, []byte("old"), dst.Cell(0))
}

func TestDMSIteratorApplyDeletes(t *testing.T) {
	registry := walog.NewLogAnchorRegistry()
	dms := newTestDMS(t, registry)
	require.Nil(t, dms.Update(100, 1, deleteChange(), raft.OpID{Term: 1, Index: 1}))
	require.Nil(t, dms.Update(100, 2, deleteChange(), raft.OpID{Term: 1, Index: 2}))
	require.Nil(t, dms.Update(101, 2, reinsertChange(), raft.OpID{Term: 1, Index: 3}))

	iter, err := dms.NewDeltaIterator(testOpts(TimestampMax))
	require.Nil(t, err)
	defer iter.Close()
	require.Nil(t, iter.Init(nil))
	require.Nil(t, iter.SeekToOrdinal(0))
	require.Nil(t, iter.PrepareBatch(3, PrepareForApply))

	sel := NewSelectionVector(3)
	sel.SetAllTrue()
	require.Nil(t, iter.ApplyDeletes(sel))
	require.True(t, sel.IsRowSelected(0))
	require.False(t, sel.IsRowSelected(1))
	require.True(t, sel.IsRowSelected(2))
}

func TestDMSIteratorBatchWindows(t *testing.T) {
	registry := walog.NewLogAnchorRegistry()
	dms := newTestDMS(t, registry)
	for row := 0; row < 10; row++ {
		require.Nil(t, dms.Update(Timestamp(100+row), RowID(row), setChange(t, 10, fmt.Sprintf("v%d", row)),
			raft.OpID{Term: 1, Index: int64(row + 1)}))
	}

	iter, err := dms.NewDeltaIterator(testOpts(TimestampMax))
	require.Nil(t, err)
	defer iter.Close()
	require.Nil(t, iter.Init(nil))
	require.Nil(t, iter.SeekToOrdinal(0))

	for batch := 0; batch < 2; batch++ {
		require.Nil(t, iter.PrepareBatch(5, PrepareForApply))
		dst := NewColumnBlock(10, 5)
		require.Nil(t, iter.ApplyUpdates(0, dst, nil))
		for off := 0; off < 5; off++ {
			require.Equal(t, []byte(fmt.Sprintf("v%d", batch*5+off)), dst.Cell(off))
		}
	}
	require.False(t, iter.HasNext())
}

func TestDMSIteratorRequiresSeek(t *testing.T) {
	registry := walog.NewLogAnchorRegistry()
	dms := newTestDMS(t, registry)
	require.Nil(t, dms.Update(100, 1, setChange(t, 10, "x"), raft.OpID{Term: 1, Index: 1}))

	iter, err := dms.NewDeltaIterator(testOpts(TimestampMax))
	require.Nil(t, err)
	defer iter.Close()
	require.Nil(t, iter.Init(nil))
	require.NotNil(t, iter.PrepareBatch(10, PrepareForApply))
}

func TestDMSCollectMutations(t *testing.T) {
	registry := walog.NewLogAnchorRegistry()
	dms := newTestDMS(t, registry)
	require.Nil(t, dms.Update(100, 0, setChange(t, 10, "a"), raft.OpID{Term: 1, Index: 1}))
	require.Nil(t, dms.Update(101, 0, setChange(t, 10, "b"), raft.OpID{Term: 1, Index: 2}))
	require.Nil(t, dms.Update(100, 2, deleteChange(), raft.OpID{Term: 1, Index: 3}))

	iter, err := dms.NewDeltaIterator(testOpts(TimestampMax))
	require.Nil(t, err)
	defer iter.Close()
	require.Nil(t, iter.Init(nil))
	require.Nil(t, iter.SeekToOrdinal(0))
	require.Nil(t, iter.PrepareBatch(3, PrepareForCollect))

	arena := memstore.NewArena(4 << 10)
	dst := make([][]Mutation, 3)
	require.Nil(t, iter.CollectMutations(dst, arena))
	require.Len(t, dst[0], 2)
	require.Equal(t, Timestamp(100), dst[0][0].Key.Timestamp)
	require.Equal(t, Timestamp(101), dst[0][1].Key.Timestamp)
	require.Empty(t, dst[1])
	require.Len(t, dst[2], 1)
	require.True(t, dst[2][0].Changes.IsDelete())
}

func TestDMSFlushReleasesAnchor(t *testing.T) {
	registry := walog.NewLogAnchorRegistry()
	dms := newTestDMS(t, registry)
	require.Nil(t, dms.Update(100, 1, setChange(t, 10, "x"), raft.OpID{Term: 1, Index: 33}))
	require.Equal(t, 1, registry.AnchorCount())

	var sink deltaSinkWriter
	require.Nil(t, dms.FlushToFile(&sink))
	require.Equal(t, 0, registry.AnchorCount())
	require.Len(t, sink.deltas, 1)
	require.True(t, sink.finished)
	require.Equal(t, int64(1), sink.stats.UpdateCount)
	registry.Close()
}

// deltaSinkWriter is an in-memory DeltaWriter for flush tests.
type deltaSinkWriter struct {
	deltas   []Mutation
	stats    *DeltaStats
	finished bool
}

func (w *deltaSinkWriter) AppendDelta(key DeltaKey, changes RowChangeList) error {
	w.deltas = append(w.deltas, Mutation{Key: key, Changes: changes})
	return nil
}

func (w *deltaSinkWriter) WriteDeltaStats(stats *DeltaStats) error {
	w.stats = stats
	return nil
}

func (w *deltaSinkWriter) Finish() error {
	w.finished = true
	return nil
}
