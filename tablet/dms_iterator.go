package tablet

import (
	"fmt"

	"github.com/columnar-incubator/tinytablet/memstore"
	"github.com/pingcap/errors"
)

// DMSIterator iterates the deltas currently in a delta memstore. It wraps
// the underlying tree iterator, fixing sets of deltas on a per-batch basis
// so the caller can apply them column by column.
type DMSIterator struct {
	dms  *DeltaMemStore
	iter *memstore.Iterator

	preparer deltaPreparer

	initted bool
	// True once SeekToOrdinal has been called at least once.
	seeked bool

	// Row at which the next PrepareBatch starts.
	nextBatchStart RowID

	seekBuf []byte
}

func newDMSIterator(dms *DeltaMemStore, opts RowIteratorOptions) *DMSIterator {
	it := &DMSIterator{
		dms:  dms,
		iter: dms.tree.NewIterator(),
	}
	it.preparer.opts = opts
	return it
}

func (it *DMSIterator) Init(spec *ScanSpec) error {
	it.initted = true
	return nil
}

func (it *DMSIterator) SeekToOrdinal(rowIdx RowID) error {
	if !it.initted {
		return errors.New("iterator not initialized")
	}
	it.seekBuf = EncodeRowPrefix(it.seekBuf[:0], rowIdx)
	it.iter.Seek(it.seekBuf)
	it.nextBatchStart = rowIdx
	it.preparer.prepared = false
	it.seeked = true
	return nil
}

func (it *DMSIterator) PrepareBatch(nrows int, prepareFlags int) error {
	if !it.seeked {
		return errors.New("must seek before preparing a batch")
	}
	if nrows <= 0 {
		return errors.Errorf("bad batch size %d", nrows)
	}
	it.preparer.startBatch(it.nextBatchStart, nrows, prepareFlags)
	it.nextBatchStart += RowID(nrows)

	for ; it.iter.Valid(); it.iter.Next() {
		key, err := DecodeDeltaKey(it.iter.Key())
		if err != nil {
			return errors.Trace(err)
		}
		if key.RowIdx >= it.preparer.curEnd {
			break
		}
		if key.RowIdx < it.preparer.curStart {
			// A delta behind the window; skip forward.
			continue
		}
		if !it.preparer.opts.Snap.IsCommitted(key.Timestamp) {
			continue
		}
		it.preparer.addDelta(key, NewRowChangeList(it.iter.Value()))
	}
	return nil
}

func (it *DMSIterator) ApplyUpdates(colToApply int, dst *ColumnBlock, filter *SelectionVector) error {
	return it.preparer.applyUpdates(colToApply, dst, filter)
}

func (it *DMSIterator) ApplyDeletes(selVec *SelectionVector) error {
	return it.preparer.applyDeletes(selVec)
}

func (it *DMSIterator) SelectDeltas(deltas *SelectedDeltas) error {
	return it.preparer.selectDeltas(deltas)
}

func (it *DMSIterator) CollectMutations(dst [][]Mutation, arena *memstore.Arena) error {
	return it.preparer.collectMutations(dst, arena)
}

func (it *DMSIterator) FilterColumnIdsAndCollectDeltas(
	colIds []ColumnID, out *[]DeltaKeyAndUpdate, arena *memstore.Arena) error {
	return it.preparer.filterColumnIdsAndCollectDeltas(colIds, out, arena)
}

func (it *DMSIterator) HasNext() bool {
	return it.iter.Valid()
}

func (it *DMSIterator) MayHaveDeltas() bool {
	return it.preparer.mayHaveDeltas()
}

func (it *DMSIterator) DeltasSelected() int64 {
	return it.preparer.deltasSelected
}

func (it *DMSIterator) SetDeltasSelected(n int64) {
	it.preparer.deltasSelected = n
}

func (it *DMSIterator) Close() {}

func (it *DMSIterator) String() string {
	return fmt.Sprintf("DMSIterator(dms %d)", it.dms.id)
}
