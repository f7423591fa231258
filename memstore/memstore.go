package memstore

import (
	"bytes"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	uatomic "go.uber.org/atomic"
)

const maxHeight = 16

// MemStore is a skiplist-based ordered map from byte-string keys to
// byte-string values. It supports any number of concurrent readers and
// writers: inserts link nodes with CAS, readers follow atomically loaded
// pointers. Keys are unique; there is no delete. Key and value bytes are
// copied into the store's arena on insert and stay valid for the arena's
// lifetime, so readers may hold returned slices without further copying.
type MemStore struct {
	head   *node
	height uatomic.Int32
	length uatomic.Int64
	arena  *Arena
	rand   lockedRand
}

type node struct {
	key    []byte
	value  []byte
	height int
	nexts  [maxHeight]unsafe.Pointer
}

func (n *node) getNext(level int) *node {
	return (*node)(atomic.LoadPointer(&n.nexts[level]))
}

func (n *node) casNext(level int, old, new *node) bool {
	return atomic.CompareAndSwapPointer(&n.nexts[level], unsafe.Pointer(old), unsafe.Pointer(new))
}

func (n *node) setNext(level int, next *node) {
	atomic.StorePointer(&n.nexts[level], unsafe.Pointer(next))
}

type lockedRand struct {
	mu   sync.Mutex
	rand rand.Source64
}

func (r *lockedRand) Uint64() uint64 {
	r.mu.Lock()
	v := r.rand.Uint64()
	r.mu.Unlock()
	return v
}

func NewMemStore(arena *Arena) *MemStore {
	ms := &MemStore{
		head:  &node{height: maxHeight},
		arena: arena,
	}
	ms.height.Store(1)
	ms.rand.rand = rand.NewSource(time.Now().UnixNano()).(rand.Source64)
	return ms
}

// Get returns the value stored under key, or nil if the key is absent. The
// returned slice is arena memory and must not be modified.
func (ms *MemStore) Get(key []byte) []byte {
	nd := ms.findGreaterOrEqual(key)
	if nd != nil && bytes.Equal(nd.key, key) {
		return nd.value
	}
	return nil
}

// Insert adds the key/value pair, copying both into the arena. Returns
// false if the key is already present, in which case the store is
// unchanged.
func (ms *MemStore) Insert(key, val []byte) bool {
	listHeight := int(ms.height.Load())
	var prev [maxHeight + 1]*node
	var next [maxHeight + 1]*node
	prev[listHeight] = ms.head
	for i := listHeight - 1; i >= 0; i-- {
		var exists bool
		prev[i], next[i], exists = ms.findSpliceForLevel(key, prev[i+1], i)
		if exists {
			return false
		}
	}

	height := ms.randomHeight()
	x := &node{
		key:    ms.arena.Copy(key),
		value:  ms.arena.Copy(val),
		height: height,
	}
	for {
		lh := int(ms.height.Load())
		if height <= lh {
			break
		}
		if ms.height.CAS(int32(lh), int32(height)) {
			break
		}
	}

	// Link from the base level up. A node becomes visible to readers the
	// moment its base-level link lands; higher levels only speed up search.
	for i := 0; i < height; i++ {
		for {
			if prev[i] == nil {
				// The list height was raised past the splice we computed.
				prev[i], next[i], _ = ms.findSpliceForLevel(key, ms.head, i)
			}
			x.setNext(i, next[i])
			if prev[i].casNext(i, next[i], x) {
				break
			}
			var exists bool
			prev[i], next[i], exists = ms.findSpliceForLevel(key, prev[i], i)
			if exists {
				if i == 0 {
					// Lost the race to a concurrent insert of the same key.
					return false
				}
				break
			}
		}
	}
	ms.length.Inc()
	return true
}

func (ms *MemStore) Len() int {
	return int(ms.length.Load())
}

func (ms *MemStore) Empty() bool {
	return ms.Len() == 0
}

func (ms *MemStore) Arena() *Arena {
	return ms.arena
}

// findSpliceForLevel returns (before, after) with before.key < key <=
// after.key at the given level, starting the walk at 'before'. The third
// return is true when after.key == key.
func (ms *MemStore) findSpliceForLevel(key []byte, before *node, level int) (*node, *node, bool) {
	for {
		next := before.getNext(level)
		if next == nil {
			return before, nil, false
		}
		cmp := bytes.Compare(next.key, key)
		if cmp >= 0 {
			return before, next, cmp == 0
		}
		before = next
	}
}

func (ms *MemStore) findGreaterOrEqual(key []byte) *node {
	prev := ms.head
	level := int(ms.height.Load()) - 1
	for {
		next := prev.getNext(level)
		if next != nil && bytes.Compare(next.key, key) < 0 {
			prev = next
			continue
		}
		if level > 0 {
			level--
			continue
		}
		return next
	}
}

func (ms *MemStore) randomHeight() int {
	h := 1
	for h < maxHeight && ms.rand.Uint64() < uint64(math.MaxUint64)/4 {
		h++
	}
	return h
}

// NewIterator returns an iterator over the store. Iteration is safe under
// concurrent inserts; an insert racing with the iteration may or may not be
// observed.
func (ms *MemStore) NewIterator() *Iterator {
	return &Iterator{ms: ms}
}

type Iterator struct {
	ms *MemStore
	nd *node
}

// SeekToFirst positions the iterator at the smallest key.
func (it *Iterator) SeekToFirst() {
	it.nd = it.ms.head.getNext(0)
}

// Seek positions the iterator at the first key >= key.
func (it *Iterator) Seek(key []byte) {
	it.nd = it.ms.findGreaterOrEqual(key)
}

func (it *Iterator) Valid() bool {
	return it.nd != nil
}

func (it *Iterator) Key() []byte {
	return it.nd.key
}

func (it *Iterator) Value() []byte {
	return it.nd.value
}

func (it *Iterator) Next() {
	it.nd = it.nd.getNext(0)
}
