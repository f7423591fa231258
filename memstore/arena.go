package memstore

import (
	"sync"

	"go.uber.org/atomic"
)

// Arena owns the memory for every key and value inserted into a MemStore.
// Allocation is append-only; memory is reclaimed only when the arena as a
// whole is dropped. Safe for concurrent use.
type Arena struct {
	mu        sync.Mutex
	blockSize int
	blocks    [][]byte
	cur       []byte
	footprint atomic.Int64
}

const minArenaBlockSize = 4 << 10

func NewArena(blockSize int) *Arena {
	if blockSize < minArenaBlockSize {
		blockSize = minArenaBlockSize
	}
	a := &Arena{blockSize: blockSize}
	a.grow(blockSize)
	return a
}

// Copy allocates len(b) bytes in the arena and copies b into them. The
// returned slice stays valid for the lifetime of the arena.
func (a *Arena) Copy(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	a.mu.Lock()
	if len(a.cur)+len(b) > cap(a.cur) {
		size := a.blockSize
		if len(b) > size {
			size = len(b)
		}
		a.grow(size)
	}
	n := len(a.cur)
	a.cur = a.cur[:n+len(b)]
	dst := a.cur[n : n+len(b)]
	copy(dst, b)
	a.mu.Unlock()
	return dst
}

// MemoryFootprint returns the number of bytes reserved by the arena.
func (a *Arena) MemoryFootprint() int64 {
	return a.footprint.Load()
}

func (a *Arena) grow(size int) {
	block := make([]byte, 0, size)
	a.blocks = append(a.blocks, block)
	a.cur = block
	a.footprint.Add(int64(size))
}
