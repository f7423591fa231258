package engine_util

import (
	"os"

	"github.com/coocood/badger"
	"github.com/ngaut/log"
)

// Engines keeps a reference to the badger database backing the immutable
// delta files of a tablet. Each flushed delta file occupies its own key
// prefix inside the database.
type Engines struct {
	Deltas     *badger.DB
	DeltasPath string
}

func NewEngines(deltaEngine *badger.DB, deltaPath string) *Engines {
	return &Engines{
		Deltas:     deltaEngine,
		DeltasPath: deltaPath,
	}
}

func (en *Engines) WriteDeltas(wb *WriteBatch) error {
	return wb.WriteToDB(en.Deltas)
}

func (en *Engines) Close() error {
	return en.Deltas.Close()
}

func (en *Engines) Destroy() error {
	if err := en.Close(); err != nil {
		return err
	}
	return os.RemoveAll(en.DeltasPath)
}

// CreateDB creates a new badger DB on disk at path.
func CreateDB(path string) *badger.DB {
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		log.Fatal(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		log.Fatal(err)
	}
	return db
}
