package walog

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/pingcap/errors"
)

// InvalidLogIndex marks an anchor that is not pinning anything.
const InvalidLogIndex int64 = -1

// ErrNoAnchors is returned by GetEarliestRegisteredLogIndex when the
// registry is empty. An empty registry means the whole WAL is collectable.
var ErrNoAnchors = errors.New("no anchors in registry")

// ErrAnchorNotFound is returned when unregistering an anchor the registry
// does not hold.
var ErrAnchorNotFound = errors.New("anchor not found in registry")

// LogAnchor pins a WAL index against truncation while registered. An anchor
// belongs to exactly one registry at a time and must be unregistered before
// it is dropped.
type LogAnchor struct {
	registered     bool
	logIndex       int64
	owner          string
	whenRegistered time.Time

	// Registration sequence number, used to tell apart anchors pinning the
	// same index inside the registry's ordered set.
	seq uint64
}

func (a *LogAnchor) Registered() bool {
	return a.registered
}

func (a *LogAnchor) LogIndex() int64 {
	return a.logIndex
}

type anchorItem struct {
	index  int64
	seq    uint64
	anchor *LogAnchor
}

func (ai anchorItem) Less(than btree.Item) bool {
	other := than.(anchorItem)
	if ai.index != other.index {
		return ai.index < other.index
	}
	return ai.seq < other.seq
}

// LogAnchorRegistry tracks the minimum WAL index required by any in-memory
// structure. One mutex guards the ordered set; it is held only for set
// operations, never across caller code.
type LogAnchorRegistry struct {
	mu      sync.Mutex
	anchors *btree.BTree
	nextSeq uint64
}

func NewLogAnchorRegistry() *LogAnchorRegistry {
	return &LogAnchorRegistry{
		anchors: btree.New(16),
	}
}

// Close asserts that every anchor has been released. Leaking an anchor is a
// programming error, not a runtime condition.
func (r *LogAnchorRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.anchors.Len() != 0 {
		panic(fmt.Sprintf("log anchor registry closed with %d live anchors: %s",
			r.anchors.Len(), r.dumpAnchorInfoLocked()))
	}
}

// Register pins logIndex with the given anchor. The anchor must not already
// be registered.
func (r *LogAnchorRegistry) Register(logIndex int64, owner string, anchor *LogAnchor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(logIndex, owner, anchor)
}

// RegisterOrUpdate moves an already-registered anchor to a new index, or
// registers it fresh.
func (r *LogAnchorRegistry) RegisterOrUpdate(logIndex int64, owner string, anchor *LogAnchor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if anchor.registered {
		if err := r.unregisterLocked(anchor); err != nil {
			return err
		}
	}
	r.registerLocked(logIndex, owner, anchor)
	return nil
}

// Unregister releases the anchor. Fails if it is not registered.
func (r *LogAnchorRegistry) Unregister(anchor *LogAnchor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unregisterLocked(anchor)
}

// UnregisterIfAnchored releases the anchor if it is registered; a no-op
// otherwise.
func (r *LogAnchorRegistry) UnregisterIfAnchored(anchor *LogAnchor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !anchor.registered {
		return nil
	}
	return r.unregisterLocked(anchor)
}

// GetEarliestRegisteredLogIndex returns the smallest pinned index, or
// ErrNoAnchors when nothing is registered.
func (r *LogAnchorRegistry) GetEarliestRegisteredLogIndex() (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	min := r.anchors.Min()
	if min == nil {
		return InvalidLogIndex, ErrNoAnchors
	}
	return min.(anchorItem).index, nil
}

// AnchorCount returns the number of registered anchors.
func (r *LogAnchorRegistry) AnchorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.anchors.Len()
}

// DumpAnchorInfo renders the registered anchors for logs.
func (r *LogAnchorRegistry) DumpAnchorInfo() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dumpAnchorInfoLocked()
}

func (r *LogAnchorRegistry) dumpAnchorInfoLocked() string {
	var buf string
	now := time.Now()
	r.anchors.Ascend(func(i btree.Item) bool {
		anchor := i.(anchorItem).anchor
		if len(buf) > 0 {
			buf += ", "
		}
		buf += fmt.Sprintf("LogAnchor[index=%d, age=%.1fs, owner=%s]",
			anchor.logIndex, now.Sub(anchor.whenRegistered).Seconds(), anchor.owner)
		return true
	})
	return buf
}

func (r *LogAnchorRegistry) registerLocked(logIndex int64, owner string, anchor *LogAnchor) {
	if anchor.registered {
		panic(fmt.Sprintf("anchor for %s already registered at index %d", anchor.owner, anchor.logIndex))
	}
	r.nextSeq++
	anchor.logIndex = logIndex
	anchor.owner = owner
	anchor.registered = true
	anchor.whenRegistered = time.Now()
	anchor.seq = r.nextSeq
	r.anchors.ReplaceOrInsert(anchorItem{index: logIndex, seq: anchor.seq, anchor: anchor})
}

func (r *LogAnchorRegistry) unregisterLocked(anchor *LogAnchor) error {
	if !anchor.registered {
		return errors.Annotatef(ErrAnchorNotFound, "owner %s", anchor.owner)
	}
	item := r.anchors.Delete(anchorItem{index: anchor.logIndex, seq: anchor.seq})
	if item == nil {
		return errors.Annotatef(ErrAnchorNotFound, "index %d owner %s", anchor.logIndex, anchor.owner)
	}
	anchor.registered = false
	return nil
}

// MinLogIndexAnchorer wraps a single anchor for a holder that pins the
// lowest index it has ever seen.
type MinLogIndexAnchorer struct {
	mu       sync.Mutex
	registry *LogAnchorRegistry
	owner    string
	anchor   LogAnchor
	minIndex int64
}

func NewMinLogIndexAnchorer(registry *LogAnchorRegistry, owner string) *MinLogIndexAnchorer {
	return &MinLogIndexAnchorer{
		registry: registry,
		owner:    owner,
		minIndex: InvalidLogIndex,
	}
}

// AnchorIfMinimum re-anchors at logIndex when it is below the current
// minimum (or when nothing is anchored yet).
func (m *MinLogIndexAnchorer) AnchorIfMinimum(logIndex int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.minIndex == InvalidLogIndex || logIndex < m.minIndex {
		m.minIndex = logIndex
		return m.registry.RegisterOrUpdate(m.minIndex, m.owner, &m.anchor)
	}
	return nil
}

// ReleaseAnchor unpins the anchor. Idempotent.
func (m *MinLogIndexAnchorer) ReleaseAnchor() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.minIndex != InvalidLogIndex {
		m.minIndex = InvalidLogIndex
		return m.registry.Unregister(&m.anchor)
	}
	return nil
}

// MinimumLogIndex returns the anchored index, or InvalidLogIndex when
// nothing is anchored.
func (m *MinLogIndexAnchorer) MinimumLogIndex() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.minIndex
}
