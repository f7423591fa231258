package tablet

import (
	"github.com/columnar-incubator/tinytablet/memstore"
	"github.com/pingcap/errors"
)

type preparedDelta struct {
	key     DeltaKey
	changes RowChangeList
}

// deltaPreparer holds the window of deltas fixed by a PrepareBatch call
// and implements the consuming half of the DeltaIterator contract. Both
// the DMS iterator and the delta file iterator embed one and feed it
// snapshot-visible deltas in key order.
type deltaPreparer struct {
	opts RowIteratorOptions

	// The prepared window is rows [curStart, curEnd).
	curStart RowID
	curEnd   RowID

	prepareFlags int
	prepared     bool

	deltas []preparedDelta

	deltasSelected int64
}

func (p *deltaPreparer) startBatch(startRow RowID, nrows int, flags int) {
	p.curStart = startRow
	p.curEnd = startRow + RowID(nrows)
	p.prepareFlags = flags
	p.prepared = true
	p.deltas = p.deltas[:0]
}

// addDelta records one snapshot-visible delta of the current window. Must
// be called in ascending key order.
func (p *deltaPreparer) addDelta(key DeltaKey, changes RowChangeList) {
	p.deltas = append(p.deltas, preparedDelta{key: key, changes: changes})
	if p.prepareFlags&PrepareForSelect != 0 {
		p.deltasSelected++
	}
}

func (p *deltaPreparer) checkPrepared(flag int) error {
	if !p.prepared {
		return errors.New("no batch prepared")
	}
	if p.prepareFlags&flag == 0 {
		return errors.New("batch was not prepared for this operation")
	}
	return nil
}

func (p *deltaPreparer) rowOffset(key DeltaKey) (int, error) {
	if key.RowIdx < p.curStart || key.RowIdx >= p.curEnd {
		return 0, errors.Errorf("delta %s outside prepared window [%d, %d)",
			key, p.curStart, p.curEnd)
	}
	return int(key.RowIdx - p.curStart), nil
}

func (p *deltaPreparer) applyUpdates(colToApply int, dst *ColumnBlock, filter *SelectionVector) error {
	if err := p.checkPrepared(PrepareForApply); err != nil {
		return err
	}
	if p.opts.Projection == nil || colToApply >= p.opts.Projection.NumColumns() {
		return errors.Errorf("no projection column at index %d", colToApply)
	}
	colID := p.opts.Projection.Columns[colToApply].ID

	for _, d := range p.deltas {
		off, err := p.rowOffset(d.key)
		if err != nil {
			return err
		}
		if filter != nil && !filter.IsRowSelected(off) {
			continue
		}
		t, err := d.changes.Type()
		if err != nil {
			return err
		}
		if t != RowChangeUpdate {
			continue
		}
		dec := NewRowChangeListDecoder(d.changes)
		if _, err := dec.DecodeType(); err != nil {
			return err
		}
		for dec.HasNext() {
			id, val, err := dec.DecodeNext()
			if err != nil {
				return err
			}
			if id != colID {
				continue
			}
			// Deltas arrive in REDO timestamp order, so a later SET of the
			// same cell overwrites an earlier one.
			if err := dst.SetCellValue(off, val); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *deltaPreparer) applyDeletes(selVec *SelectionVector) error {
	if err := p.checkPrepared(PrepareForApply); err != nil {
		return err
	}
	for _, d := range p.deltas {
		off, err := p.rowOffset(d.key)
		if err != nil {
			return err
		}
		t, err := d.changes.Type()
		if err != nil {
			return err
		}
		switch t {
		case RowChangeDelete:
			selVec.SetRowUnselected(off)
		case RowChangeReinsert:
			selVec.SetRowSelected(off)
		}
	}
	return nil
}

func (p *deltaPreparer) selectDeltas(deltas *SelectedDeltas) error {
	if err := p.checkPrepared(PrepareForSelect); err != nil {
		return err
	}
	for _, d := range p.deltas {
		deltas.MarkRowSelected(d.key.RowIdx)
	}
	return nil
}

func (p *deltaPreparer) collectMutations(dst [][]Mutation, arena *memstore.Arena) error {
	if err := p.checkPrepared(PrepareForCollect); err != nil {
		return err
	}
	for _, d := range p.deltas {
		off, err := p.rowOffset(d.key)
		if err != nil {
			return err
		}
		if off >= len(dst) {
			return errors.Errorf("mutation list too short: row offset %d, %d lists", off, len(dst))
		}
		dst[off] = append(dst[off], Mutation{
			Key:     d.key,
			Changes: NewRowChangeList(arena.Copy(d.changes.Bytes())),
		})
	}
	return nil
}

func (p *deltaPreparer) filterColumnIdsAndCollectDeltas(
	colIds []ColumnID, out *[]DeltaKeyAndUpdate, arena *memstore.Arena) error {
	if err := p.checkPrepared(PrepareForCollect); err != nil {
		return err
	}
	for _, d := range p.deltas {
		relevant, err := changeListTouchesColumns(d.changes, colIds)
		if err != nil {
			return err
		}
		if !relevant {
			continue
		}
		*out = append(*out, DeltaKeyAndUpdate{
			Key:  d.key,
			Cell: arena.Copy(d.changes.Bytes()),
		})
	}
	return nil
}

func (p *deltaPreparer) mayHaveDeltas() bool {
	return len(p.deltas) > 0
}

// changeListTouchesColumns reports whether the change list mentions any of
// colIds. Delete and reinsert markers concern every column.
func changeListTouchesColumns(c RowChangeList, colIds []ColumnID) (bool, error) {
	dec := NewRowChangeListDecoder(c)
	t, err := dec.DecodeType()
	if err != nil {
		return false, err
	}
	if t != RowChangeUpdate {
		return true, nil
	}
	for dec.HasNext() {
		id, _, err := dec.DecodeNext()
		if err != nil {
			return false, err
		}
		for _, want := range colIds {
			if id == want {
				return true, nil
			}
		}
	}
	return false, nil
}
