package tablet

import (
	"sort"
	"strings"

	"github.com/columnar-incubator/tinytablet/memstore"
	"github.com/pingcap/errors"
)

// DeltaIteratorMerger combines the deltas of multiple delta stores into a
// single virtual iterator over the same row range. Children must be
// ordered oldest store first so that REDO timestamps ascend within a row.
type DeltaIteratorMerger struct {
	iters []DeltaIterator

	totalDeltasSelectedInPrepare int64
}

// NewDeltaIteratorMerger wraps the given child iterators.
func NewDeltaIteratorMerger(iters []DeltaIterator) *DeltaIteratorMerger {
	return &DeltaIteratorMerger{iters: iters}
}

// CreateDeltaIteratorMerger builds iterators for every store relevant to
// the snapshot and merges them. A store whose snapshot check fails with
// ErrSnapshotExcluded is skipped. If exactly one child remains, it is
// returned directly.
func CreateDeltaIteratorMerger(stores []DeltaStore, opts RowIteratorOptions) (DeltaIterator, error) {
	var deltaIters []DeltaIterator
	for _, store := range stores {
		iter, err := store.NewDeltaIterator(opts)
		if err != nil {
			if errors.Cause(err) == ErrSnapshotExcluded {
				continue
			}
			return nil, errors.Annotatef(err, "could not create iterator for store %s", store.String())
		}
		deltaIters = append(deltaIters, iter)
	}
	if len(deltaIters) == 1 {
		return deltaIters[0], nil
	}
	return NewDeltaIteratorMerger(deltaIters), nil
}

func (m *DeltaIteratorMerger) Init(spec *ScanSpec) error {
	for _, iter := range m.iters {
		if err := iter.Init(spec); err != nil {
			return err
		}
	}
	return nil
}

func (m *DeltaIteratorMerger) SeekToOrdinal(rowIdx RowID) error {
	for _, iter := range m.iters {
		if err := iter.SeekToOrdinal(rowIdx); err != nil {
			return err
		}
	}
	return nil
}

// PrepareBatch threads the running deltas-selected counter through the
// children so a global cap on selected deltas can be honored.
func (m *DeltaIteratorMerger) PrepareBatch(nrows int, prepareFlags int) error {
	for _, iter := range m.iters {
		iter.SetDeltasSelected(m.totalDeltasSelectedInPrepare)
		if err := iter.PrepareBatch(nrows, prepareFlags); err != nil {
			return err
		}
		m.totalDeltasSelectedInPrepare = iter.DeltasSelected()
	}
	return nil
}

func (m *DeltaIteratorMerger) ApplyUpdates(colToApply int, dst *ColumnBlock, filter *SelectionVector) error {
	for _, iter := range m.iters {
		if err := iter.ApplyUpdates(colToApply, dst, filter); err != nil {
			return err
		}
	}
	return nil
}

func (m *DeltaIteratorMerger) ApplyDeletes(selVec *SelectionVector) error {
	for _, iter := range m.iters {
		if err := iter.ApplyDeletes(selVec); err != nil {
			return err
		}
	}
	return nil
}

func (m *DeltaIteratorMerger) SelectDeltas(deltas *SelectedDeltas) error {
	for _, iter := range m.iters {
		if err := iter.SelectDeltas(deltas); err != nil {
			return err
		}
	}
	return nil
}

// CollectMutations gathers every child's mutations, then re-sorts each
// row's list by delta key so the output is deterministic regardless of how
// the children interleave. The sort is stable to preserve the caller's
// ordering of two mutations sharing a key.
func (m *DeltaIteratorMerger) CollectMutations(dst [][]Mutation, arena *memstore.Arena) error {
	for _, iter := range m.iters {
		if err := iter.CollectMutations(dst, arena); err != nil {
			return err
		}
	}
	for _, muts := range dst {
		sort.SliceStable(muts, func(i, j int) bool {
			return muts[i].Key.Compare(muts[j].Key) < 0
		})
	}
	return nil
}

// FilterColumnIdsAndCollectDeltas accumulates entries across children and
// stable-sorts them by DeltaKey in REDO order. An input may include
// multiple deltas for the same row at the same timestamp, in the case of a
// user batch with several mutations for one row; stable sort preserves
// their relative order.
func (m *DeltaIteratorMerger) FilterColumnIdsAndCollectDeltas(
	colIds []ColumnID, out *[]DeltaKeyAndUpdate, arena *memstore.Arena) error {
	for _, iter := range m.iters {
		if err := iter.FilterColumnIdsAndCollectDeltas(colIds, out, arena); err != nil {
			return err
		}
	}
	sort.SliceStable(*out, func(i, j int) bool {
		return (*out)[i].Key.Compare((*out)[j].Key) < 0
	})
	return nil
}

func (m *DeltaIteratorMerger) HasNext() bool {
	for _, iter := range m.iters {
		if iter.HasNext() {
			return true
		}
	}
	return false
}

func (m *DeltaIteratorMerger) MayHaveDeltas() bool {
	for _, iter := range m.iters {
		if iter.MayHaveDeltas() {
			return true
		}
	}
	return false
}

func (m *DeltaIteratorMerger) DeltasSelected() int64 {
	return m.totalDeltasSelectedInPrepare
}

func (m *DeltaIteratorMerger) SetDeltasSelected(n int64) {
	m.totalDeltasSelectedInPrepare = n
}

func (m *DeltaIteratorMerger) Close() {
	for _, iter := range m.iters {
		iter.Close()
	}
}

func (m *DeltaIteratorMerger) String() string {
	names := make([]string, 0, len(m.iters))
	for _, iter := range m.iters {
		names = append(names, iter.String())
	}
	return "DeltaIteratorMerger(" + strings.Join(names, ", ") + ")"
}
