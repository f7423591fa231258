package tablet

import (
	"fmt"

	"github.com/columnar-incubator/tinytablet/kv/util/codec"
	"github.com/columnar-incubator/tinytablet/kv/util/engine_util"
	"github.com/columnar-incubator/tinytablet/memstore"
	"github.com/coocood/badger"
	"github.com/pingcap/errors"
)

// Delta file layout inside the delta engine. Each file occupies its own
// key prefix; a stats record written at Finish time doubles as the file's
// existence marker.
//
//	d<file id><delta key> -> row change list
//	s<file id>            -> encoded DeltaStats

func deltaFilePrefix(fileID uint64) []byte {
	return codec.EncodeUint64([]byte{'d'}, fileID)
}

func deltaRecordKey(fileID uint64, key DeltaKey) []byte {
	return key.Encode(deltaFilePrefix(fileID))
}

func deltaStatsKey(fileID uint64) []byte {
	return codec.EncodeUint64([]byte{'s'}, fileID)
}

// DeltaFileWriter writes one immutable delta file. Deltas must arrive in
// ascending key order, which is exactly the order a DMS flush emits.
type DeltaFileWriter struct {
	engines *engine_util.Engines
	fileID  uint64

	wb      *engine_util.WriteBatch
	lastKey DeltaKey
	hasLast bool

	stats    *DeltaStats
	finished bool
}

func NewDeltaFileWriter(engines *engine_util.Engines, fileID uint64) *DeltaFileWriter {
	return &DeltaFileWriter{
		engines: engines,
		fileID:  fileID,
		wb:      new(engine_util.WriteBatch),
	}
}

func (w *DeltaFileWriter) AppendDelta(key DeltaKey, changes RowChangeList) error {
	if w.finished {
		return errors.New("writer already finished")
	}
	if w.hasLast && key.Compare(w.lastKey) < 0 {
		return errors.Errorf("delta keys out of order: %s after %s", key, w.lastKey)
	}
	w.lastKey = key
	w.hasLast = true
	val := append([]byte{}, changes.Bytes()...)
	w.wb.Set(deltaRecordKey(w.fileID, key), val)
	return nil
}

func (w *DeltaFileWriter) WriteDeltaStats(stats *DeltaStats) error {
	if w.finished {
		return errors.New("writer already finished")
	}
	w.stats = stats
	return nil
}

// Finish commits the file. The stats record lands in the same batch as the
// deltas, so a file is either fully visible or absent.
func (w *DeltaFileWriter) Finish() error {
	if w.finished {
		return errors.New("writer already finished")
	}
	if w.stats == nil {
		return errors.New("delta stats must be written before Finish")
	}
	w.wb.Set(deltaStatsKey(w.fileID), w.stats.Encode(nil))
	if err := w.engines.WriteDeltas(w.wb); err != nil {
		return errors.Trace(err)
	}
	w.finished = true
	return nil
}

// WrittenCount returns the number of deltas appended so far, excluding the
// stats record.
func (w *DeltaFileWriter) WrittenCount() int {
	n := w.wb.Len()
	if w.finished {
		n--
	}
	return n
}

// DeltaFileReader serves reads over one flushed delta file.
type DeltaFileReader struct {
	engines *engine_util.Engines
	fileID  uint64
	stats   *DeltaStats
}

// OpenDeltaFileReader fails if the file's stats record is absent, i.e. the
// file was never finished.
func OpenDeltaFileReader(engines *engine_util.Engines, fileID uint64) (*DeltaFileReader, error) {
	val, err := engine_util.GetValue(engines.Deltas, deltaStatsKey(fileID))
	if err == badger.ErrKeyNotFound {
		return nil, errors.Errorf("delta file %d not found", fileID)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	stats, err := DecodeDeltaStats(val)
	if err != nil {
		return nil, errors.Annotatef(err, "corrupt stats for delta file %d", fileID)
	}
	return &DeltaFileReader{
		engines: engines,
		fileID:  fileID,
		stats:   stats,
	}, nil
}

func (r *DeltaFileReader) Init(ioCtx *IOContext) error {
	return nil
}

func (r *DeltaFileReader) Initted() bool {
	return true
}

func (r *DeltaFileReader) FileID() uint64 {
	return r.fileID
}

func (r *DeltaFileReader) NewDeltaIterator(opts RowIteratorOptions) (DeltaIterator, error) {
	if r.stats.TotalMutationCount() == 0 {
		return nil, errors.Trace(ErrSnapshotExcluded)
	}
	if !opts.Snap.IsCommitted(r.stats.MinTimestamp) {
		return nil, errors.Trace(ErrSnapshotExcluded)
	}
	return newDeltaFileIterator(r, opts), nil
}

func (r *DeltaFileReader) CheckRowDeleted(rowIdx RowID, ioCtx *IOContext) (deleted, found bool, err error) {
	txn := r.engines.Deltas.NewTransaction(false)
	defer txn.Discard()
	it := engine_util.NewPrefixIterator(deltaFilePrefix(r.fileID), txn)
	defer it.Close()
	for it.Seek(EncodeRowPrefix(nil, rowIdx)); it.Valid(); it.Next() {
		key, derr := DecodeDeltaKey(it.Item().Key())
		if derr != nil {
			return false, false, errors.Trace(derr)
		}
		if key.RowIdx != rowIdx {
			break
		}
		val, verr := it.Item().Value()
		if verr != nil {
			return false, false, errors.Trace(verr)
		}
		t, terr := NewRowChangeList(val).Type()
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

func (r *DeltaFileReader) EstimateSize() uint64 {
	// The file lives on disk; it charges nothing against memory budgets.
	return 0
}

func (r *DeltaFileReader) DeltaStats() *DeltaStats {
	return r.stats
}

func (r *DeltaFileReader) String() string {
	return fmt.Sprintf("delta file %d", r.fileID)
}

// deltaFileIterator iterates one delta file through a badger snapshot
// transaction. The transaction is opened at Init and released at Close.
type deltaFileIterator struct {
	reader *DeltaFileReader

	txn  *badger.Txn
	iter *engine_util.PrefixIterator

	preparer deltaPreparer

	initted bool
	seeked  bool

	nextBatchStart RowID

	seekBuf []byte
}

func newDeltaFileIterator(reader *DeltaFileReader, opts RowIteratorOptions) *deltaFileIterator {
	it := &deltaFileIterator{reader: reader}
	it.preparer.opts = opts
	return it
}

func (it *deltaFileIterator) Init(spec *ScanSpec) error {
	if it.initted {
		return nil
	}
	it.txn = it.reader.engines.Deltas.NewTransaction(false)
	it.iter = engine_util.NewPrefixIterator(deltaFilePrefix(it.reader.fileID), it.txn)
	it.initted = true
	return nil
}

func (it *deltaFileIterator) SeekToOrdinal(rowIdx RowID) error {
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

func (it *deltaFileIterator) PrepareBatch(nrows int, prepareFlags int) error {
	if !it.seeked {
		return errors.New("must seek before preparing a batch")
	}
	if nrows <= 0 {
		return errors.Errorf("bad batch size %d", nrows)
	}
	it.preparer.startBatch(it.nextBatchStart, nrows, prepareFlags)
	it.nextBatchStart += RowID(nrows)

	for ; it.iter.Valid(); it.iter.Next() {
		item := it.iter.Item()
		key, err := DecodeDeltaKey(item.Key())
		if err != nil {
			return errors.Trace(err)
		}
		if key.RowIdx >= it.preparer.curEnd {
			break
		}
		if key.RowIdx < it.preparer.curStart {
			continue
		}
		if !it.preparer.opts.Snap.IsCommitted(key.Timestamp) {
			continue
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return errors.Trace(err)
		}
		it.preparer.addDelta(key, NewRowChangeList(val))
	}
	return nil
}

func (it *deltaFileIterator) ApplyUpdates(colToApply int, dst *ColumnBlock, filter *SelectionVector) error {
	return it.preparer.applyUpdates(colToApply, dst, filter)
}

func (it *deltaFileIterator) ApplyDeletes(selVec *SelectionVector) error {
	return it.preparer.applyDeletes(selVec)
}

func (it *deltaFileIterator) SelectDeltas(deltas *SelectedDeltas) error {
	return it.preparer.selectDeltas(deltas)
}

func (it *deltaFileIterator) CollectMutations(dst [][]Mutation, arena *memstore.Arena) error {
	return it.preparer.collectMutations(dst, arena)
}

func (it *deltaFileIterator) FilterColumnIdsAndCollectDeltas(
	colIds []ColumnID, out *[]DeltaKeyAndUpdate, arena *memstore.Arena) error {
	return it.preparer.filterColumnIdsAndCollectDeltas(colIds, out, arena)
}

func (it *deltaFileIterator) HasNext() bool {
	return it.initted && it.iter.Valid()
}

func (it *deltaFileIterator) MayHaveDeltas() bool {
	return it.preparer.mayHaveDeltas()
}

func (it *deltaFileIterator) DeltasSelected() int64 {
	return it.preparer.deltasSelected
}

func (it *deltaFileIterator) SetDeltasSelected(n int64) {
	it.preparer.deltasSelected = n
}

func (it *deltaFileIterator) String() string {
	return fmt.Sprintf("DeltaFileIterator(file %d)", it.reader.fileID)
}

func (it *deltaFileIterator) Close() {
	if it.iter != nil {
		it.iter.Close()
		it.iter = nil
	}
	if it.txn != nil {
		it.txn.Discard()
		it.txn = nil
	}
}
