package tablet

import (
	"fmt"
	"sync"

	"github.com/columnar-incubator/tinytablet/kv/config"
	"github.com/columnar-incubator/tinytablet/kv/util/cache"
	"github.com/columnar-incubator/tinytablet/kv/util/engine_util"
	"github.com/columnar-incubator/tinytablet/raft"
	"github.com/columnar-incubator/tinytablet/walog"
	"github.com/ngaut/log"
	"github.com/pingcap/errors"
	"go.uber.org/atomic"
)

// ErrNotLeader rejects a write arriving at a replica that has not won an
// election for the current term.
type ErrNotLeader struct {
	TabletID string
	PeerUuid string
}

func (e *ErrNotLeader) Error() string {
	return fmt.Sprintf("tablet %s: peer %s is not leader", e.TabletID, e.PeerUuid)
}

// LogicalClock hands out monotonic timestamps. A real deployment would run
// a hybrid clock; the mutation path only needs monotonicity.
type LogicalClock struct {
	now atomic.Uint64
}

func (c *LogicalClock) Now() Timestamp {
	return Timestamp(c.now.Inc())
}

// Update forwards the clock past an observed remote timestamp.
func (c *LogicalClock) Update(ts Timestamp) {
	for {
		cur := c.now.Load()
		if uint64(ts) <= cur {
			return
		}
		if c.now.CAS(cur, uint64(ts)) {
			return
		}
	}
}

// TabletReplica is the single-tablet write/read subsystem: a mutable DMS
// accepting leader-gated writes, the set of flushed delta files behind it,
// and the WAL anchor bookkeeping tying unflushed state to the log.
type TabletReplica struct {
	tabletID string
	peerUuid string

	cfg      *config.Config
	engines  *engine_util.Engines
	registry *walog.LogAnchorRegistry
	clock    LogicalClock
	flush    *FlushManager

	mu sync.RWMutex
	// Term this replica leads, or 0 when it is a follower.
	leaderTerm uint64
	dms        *DeltaMemStore
	// DMSes swapped out and waiting on the flush worker, oldest first.
	flushing []*DeltaMemStore
	// Flushed delta files, oldest first.
	flushedFiles []uint64
	nextDMSID    int64
	nextFileID   uint64
	readers      *cache.LRU
}

type readerEvictionObserver struct{}

func (readerEvictionObserver) EvictedEntry(key uint64, value interface{}) {
	readerCacheEvictions.Inc()
}

func NewTabletReplica(
	tabletID, peerUuid string,
	cfg *config.Config,
	engines *engine_util.Engines,
	registry *walog.LogAnchorRegistry,
	wg *sync.WaitGroup,
) (*TabletReplica, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	r := &TabletReplica{
		tabletID: tabletID,
		peerUuid: peerUuid,
		cfg:      cfg,
		engines:  engines,
		registry: registry,
		flush:    NewFlushManager(engines, wg),
		readers:  cache.NewLRU(cfg.ReaderCacheCapacity, readerEvictionObserver{}),
	}
	dms, err := r.newDMSLocked()
	if err != nil {
		return nil, err
	}
	r.dms = dms
	r.flush.Start()
	return r, nil
}

func (r *TabletReplica) TabletID() string {
	return r.tabletID
}

// HandleElectionResult applies the outcome of an election this peer ran. A
// won real election makes the replica leader for that term; a result
// reporting a higher voter term steps it down.
func (r *TabletReplica) HandleElectionResult(result *raft.ElectionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req := result.VoteRequest
	if req.CandidateUuid != r.peerUuid {
		return
	}
	if result.Decision == raft.VoteGranted {
		if req.IsPreElection {
			// A successful pre-election changes nothing; the caller decides
			// whether to run the real round.
			return
		}
		log.Infof("T %s P %s: becoming leader for term %d", r.tabletID, r.peerUuid, req.CandidateTerm)
		r.leaderTerm = req.CandidateTerm
		return
	}
	if result.HighestVoterTerm > req.CandidateTerm && r.leaderTerm != 0 {
		log.Infof("T %s P %s: stepping down, observed term %d", r.tabletID, r.peerUuid, result.HighestVoterTerm)
		r.leaderTerm = 0
	}
}

// StepDown relinquishes leadership.
func (r *TabletReplica) StepDown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaderTerm = 0
}

// LeaderTerm returns the term this replica leads, or 0.
func (r *TabletReplica) LeaderTerm() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leaderTerm
}

// MutateRow applies one mutation: assigns it a timestamp and inserts it
// into the DMS under the WAL position the caller appended it at. Only the
// leader accepts writes.
func (r *TabletReplica) MutateRow(rowIdx RowID, changes RowChangeList, opID raft.OpID) (Timestamp, error) {
	// The read lock keeps the DMS from being swapped out for flush while
	// the update lands in it; concurrent writers share the lock.
	r.mu.RLock()
	if r.leaderTerm == 0 {
		r.mu.RUnlock()
		return TimestampMin, &ErrNotLeader{TabletID: r.tabletID, PeerUuid: r.peerUuid}
	}
	ts := r.clock.Now()
	err := r.dms.Update(ts, rowIdx, changes, opID)
	size := r.dms.EstimateSize()
	r.mu.RUnlock()

	if err != nil {
		return TimestampMin, errors.Trace(err)
	}
	if size >= r.cfg.DMSFlushThreshold {
		r.MaybeScheduleFlush()
	}
	return ts, nil
}

// MaybeScheduleFlush swaps the active DMS for a fresh one and hands the
// old one to the flush worker. A no-op when the DMS is empty.
func (r *TabletReplica) MaybeScheduleFlush() {
	r.mu.Lock()
	if r.dms.Empty() {
		r.mu.Unlock()
		return
	}
	old := r.dms
	fresh, err := r.newDMSLocked()
	if err != nil {
		r.mu.Unlock()
		log.Errorf("T %s: cannot create replacement DMS: %v", r.tabletID, err)
		return
	}
	r.dms = fresh
	r.flushing = append(r.flushing, old)
	r.nextFileID++
	fileID := r.nextFileID
	r.mu.Unlock()

	r.flush.Submit(&FlushTask{
		DMS:    old,
		FileID: fileID,
		OnFlushed: func(reader *DeltaFileReader, err error) {
			if err != nil {
				// The DMS stays in the flushing list (and keeps its WAL
				// anchor) so its deltas remain readable.
				return
			}
			r.mu.Lock()
			for i, dms := range r.flushing {
				if dms == old {
					r.flushing = append(r.flushing[:i], r.flushing[i+1:]...)
					break
				}
			}
			r.flushedFiles = append(r.flushedFiles, fileID)
			r.mu.Unlock()
			r.readers.Put(fileID, reader)
		},
	})
}

// NewDeltaIterator builds one iterator over every store relevant to the
// snapshot: flushed files oldest first, then in-flight flushes, then the
// live DMS, so REDO timestamps ascend per row.
func (r *TabletReplica) NewDeltaIterator(opts RowIteratorOptions) (DeltaIterator, error) {
	stores, err := r.deltaStores()
	if err != nil {
		return nil, err
	}
	return CreateDeltaIteratorMerger(stores, opts)
}

// CheckRowDeleted reports the row's deleted-ness after every store's
// mutations, oldest store to newest.
func (r *TabletReplica) CheckRowDeleted(rowIdx RowID, ioCtx *IOContext) (bool, error) {
	stores, err := r.deltaStores()
	if err != nil {
		return false, err
	}
	deleted := false
	for _, store := range stores {
		d, found, err := store.CheckRowDeleted(rowIdx, ioCtx)
		if err != nil {
			return false, err
		}
		if found {
			deleted = d
		}
	}
	return deleted, nil
}

// EarliestRequiredLogIndex returns the smallest WAL index any in-memory
// state still pins; the WAL may truncate everything below it. Returns
// walog.ErrNoAnchors when nothing is pinned.
func (r *TabletReplica) EarliestRequiredLogIndex() (int64, error) {
	return r.registry.GetEarliestRegisteredLogIndex()
}

// Shutdown stops the flush worker. In-flight flushes finish first.
func (r *TabletReplica) Shutdown() {
	r.flush.Stop()
}

func (r *TabletReplica) deltaStores() ([]DeltaStore, error) {
	r.mu.RLock()
	fileIDs := append([]uint64{}, r.flushedFiles...)
	flushing := append([]*DeltaMemStore{}, r.flushing...)
	dms := r.dms
	r.mu.RUnlock()

	stores := make([]DeltaStore, 0, len(fileIDs)+len(flushing)+1)
	for _, fileID := range fileIDs {
		reader, err := r.getReader(fileID)
		if err != nil {
			return nil, err
		}
		stores = append(stores, reader)
	}
	for _, old := range flushing {
		stores = append(stores, old)
	}
	stores = append(stores, dms)
	return stores, nil
}

func (r *TabletReplica) getReader(fileID uint64) (*DeltaFileReader, error) {
	if v, ok := r.readers.Get(fileID); ok {
		return v.(*DeltaFileReader), nil
	}
	reader, err := OpenDeltaFileReader(r.engines, fileID)
	if err != nil {
		return nil, err
	}
	r.readers.Put(fileID, reader)
	return reader, nil
}

func (r *TabletReplica) newDMSLocked() (*DeltaMemStore, error) {
	r.nextDMSID++
	return NewDeltaMemStore(r.nextDMSID, 0, r.cfg.ArenaBlockSize, r.registry)
}
