package engine_util

import (
	"github.com/coocood/badger"
)

func GetValue(db *badger.DB, key []byte) (val []byte, err error) {
	err = db.View(func(txn *badger.Txn) error {
		item, err1 := txn.Get(key)
		if err1 != nil {
			return err1
		}
		val, err1 = item.ValueCopy(val)
		return err1
	})
	return
}

func PutValue(db *badger.DB, key, val []byte) error {
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func DeleteValue(db *badger.DB, key []byte) error {
	return db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// DeletePrefix removes every key carrying the given prefix, batch-wise.
func DeletePrefix(db *badger.DB, prefix []byte) error {
	batch := new(WriteBatch)
	txn := db.NewTransaction(false)
	defer txn.Discard()
	it := NewPrefixIterator(prefix, txn)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		key := append(append([]byte{}, prefix...), it.Item().Key()...)
		batch.Delete(key)
	}
	return batch.WriteToDB(db)
}
