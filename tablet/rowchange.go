package tablet

import (
	"fmt"
	"strings"

	"github.com/columnar-incubator/tinytablet/kv/util/codec"
	"github.com/pingcap/errors"
)

// ColumnID identifies a column of the table schema.
type ColumnID int64

// RowChangeType leads every encoded change list.
type RowChangeType byte

const (
	// RowChangeUpdate carries one or more column SETs.
	RowChangeUpdate RowChangeType = 1
	// RowChangeDelete marks the row dead as of the mutation's timestamp.
	RowChangeDelete RowChangeType = 2
	// RowChangeReinsert revives a previously deleted row.
	RowChangeReinsert RowChangeType = 3
)

// RowChangeList is an opaque, immutable byte blob encoding a set of column
// updates or a delete/reinsert marker. Producers must treat the bytes as
// frozen once handed to a delta store.
type RowChangeList struct {
	data []byte
}

func NewRowChangeList(data []byte) RowChangeList {
	return RowChangeList{data: data}
}

func (c RowChangeList) Bytes() []byte {
	return c.data
}

func (c RowChangeList) Type() (RowChangeType, error) {
	if len(c.data) == 0 {
		return 0, errors.New("empty row change list")
	}
	t := RowChangeType(c.data[0])
	if t < RowChangeUpdate || t > RowChangeReinsert {
		return 0, errors.Errorf("corrupt row change list: bad type %d", c.data[0])
	}
	return t, nil
}

func (c RowChangeList) IsDelete() bool {
	t, err := c.Type()
	return err == nil && t == RowChangeDelete
}

func (c RowChangeList) IsReinsert() bool {
	t, err := c.Type()
	return err == nil && t == RowChangeReinsert
}

func (c RowChangeList) String() string {
	dec := NewRowChangeListDecoder(c)
	t, err := dec.DecodeType()
	if err != nil {
		return fmt.Sprintf("[invalid: %v]", err)
	}
	switch t {
	case RowChangeDelete:
		return "[DELETE]"
	case RowChangeReinsert:
		return "[REINSERT]"
	}
	var parts []string
	for dec.HasNext() {
		colID, val, err := dec.DecodeNext()
		if err != nil {
			parts = append(parts, fmt.Sprintf("<invalid: %v>", err))
			break
		}
		parts = append(parts, fmt.Sprintf("col %d=%q", colID, val))
	}
	return "[SET " + strings.Join(parts, ", ") + "]"
}

// RowChangeListEncoder builds a change list. The zero value is ready to use:
// pick a marker with one of the SetTo* calls, or add column SETs with
// AddColumnUpdate. Encoded panics if neither was called.
type RowChangeListEncoder struct {
	buf []byte
}

func (e *RowChangeListEncoder) SetToDelete() {
	if len(e.buf) != 0 {
		panic("change type already chosen")
	}
	e.buf = append(e.buf, byte(RowChangeDelete))
}

func (e *RowChangeListEncoder) SetToReinsert() {
	if len(e.buf) != 0 {
		panic("change type already chosen")
	}
	e.buf = append(e.buf, byte(RowChangeReinsert))
}

// AddColumnUpdate appends a SET of one column. The value bytes are copied.
func (e *RowChangeListEncoder) AddColumnUpdate(colID ColumnID, val []byte) {
	if len(e.buf) == 0 {
		e.buf = append(e.buf, byte(RowChangeUpdate))
	} else if RowChangeType(e.buf[0]) != RowChangeUpdate {
		panic("cannot mix column updates with a delete/reinsert marker")
	}
	e.buf = codec.EncodeUvarint(e.buf, uint64(colID))
	e.buf = codec.EncodeBytesValue(e.buf, val)
}

func (e *RowChangeListEncoder) Encoded() RowChangeList {
	if len(e.buf) == 0 {
		panic("empty row change list")
	}
	return RowChangeList{data: e.buf}
}

// RowChangeListDecoder walks an encoded change list.
type RowChangeListDecoder struct {
	rest []byte
	t    RowChangeType
}

func NewRowChangeListDecoder(c RowChangeList) *RowChangeListDecoder {
	return &RowChangeListDecoder{rest: c.data}
}

func (d *RowChangeListDecoder) DecodeType() (RowChangeType, error) {
	if len(d.rest) == 0 {
		return 0, errors.New("empty row change list")
	}
	d.t = RowChangeType(d.rest[0])
	if d.t < RowChangeUpdate || d.t > RowChangeReinsert {
		return 0, errors.Errorf("corrupt row change list: bad type %d", d.rest[0])
	}
	d.rest = d.rest[1:]
	return d.t, nil
}

func (d *RowChangeListDecoder) HasNext() bool {
	return d.t == RowChangeUpdate && len(d.rest) > 0
}

// DecodeNext returns the next (column, value) SET pair.
func (d *RowChangeListDecoder) DecodeNext() (ColumnID, []byte, error) {
	if d.t != RowChangeUpdate {
		return 0, nil, errors.New("change list carries no column updates")
	}
	var colID uint64
	var val []byte
	var err error
	d.rest, colID, err = codec.DecodeUvarint(d.rest)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	d.rest, val, err = codec.DecodeBytesValue(d.rest)
	if err != nil {
		return 0, nil, errors.Trace(err)
	}
	return ColumnID(colID), val, nil
}
