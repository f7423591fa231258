package engine_util

import (
	"github.com/coocood/badger"
)

// PrefixIterator iterates the subset of a badger transaction whose keys
// carry a fixed prefix, exposing keys with the prefix stripped.
type PrefixIterator struct {
	iter   *badger.Iterator
	prefix []byte
}

func NewPrefixIterator(prefix []byte, txn *badger.Txn) *PrefixIterator {
	return &PrefixIterator{
		iter:   txn.NewIterator(badger.DefaultIteratorOptions),
		prefix: prefix,
	}
}

func (it *PrefixIterator) Item() *PrefixItem {
	return &PrefixItem{
		item:      it.iter.Item(),
		prefixLen: len(it.prefix),
	}
}

func (it *PrefixIterator) Valid() bool {
	return it.iter.ValidForPrefix(it.prefix)
}

func (it *PrefixIterator) Close() {
	it.iter.Close()
}

func (it *PrefixIterator) Next() {
	it.iter.Next()
}

// Seek positions the iterator at the first key >= key within the prefix.
func (it *PrefixIterator) Seek(key []byte) {
	it.iter.Seek(append(append([]byte{}, it.prefix...), key...))
}

// Rewind positions the iterator at the first key within the prefix.
func (it *PrefixIterator) Rewind() {
	it.iter.Seek(it.prefix)
}

type PrefixItem struct {
	item      *badger.Item
	prefixLen int
}

func (i *PrefixItem) Key() []byte {
	return i.item.Key()[i.prefixLen:]
}

func (i *PrefixItem) KeyCopy(dst []byte) []byte {
	return append(dst[:0], i.Key()...)
}

func (i *PrefixItem) Value() ([]byte, error) {
	return i.item.Value()
}

func (i *PrefixItem) ValueCopy(dst []byte) ([]byte, error) {
	return i.item.ValueCopy(dst)
}
