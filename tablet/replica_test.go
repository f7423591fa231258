package tablet

import (
	"sync"
	"testing"
	"time"

	"github.com/columnar-incubator/tinytablet/kv/config"
	"github.com/columnar-incubator/tinytablet/raft"
	"github.com/columnar-incubator/tinytablet/walog"
	"github.com/stretchr/testify/require"
)

func newTestReplica(t *testing.T) (*TabletReplica, *walog.LogAnchorRegistry, *sync.WaitGroup, func()) {
	engines, cleanup := newTestEngines(t)
	registry := walog.NewLogAnchorRegistry()
	cfg := config.NewDefaultConfig()
	cfg.DBPath = engines.DeltasPath

	wg := new(sync.WaitGroup)
	replica, err := NewTabletReplica("tablet-1", "peer-a", cfg, engines, registry, wg)
	require.Nil(t, err)
	return replica, registry, wg, func() {
		replica.Shutdown()
		wg.Wait()
		cleanup()
	}
}

func wonElection(term uint64) *raft.ElectionResult {
	return &raft.ElectionResult{
		VoteRequest: raft.VoteRequest{
			CandidateUuid: "peer-a",
			CandidateTerm: term,
			TabletId:      "tablet-1",
		},
		Decision: raft.VoteGranted,
	}
}

func TestReplicaRejectsWritesWhenNotLeader(t *testing.T) {
	replica, _, _, cleanup := newTestReplica(t)
	defer cleanup()

	_, err := replica.MutateRow(0, setChange(t, 10, "x"), raft.OpID{Term: 1, Index: 1})
	require.NotNil(t, err)
	_, ok := err.(*ErrNotLeader)
	require.True(t, ok)
}

func TestReplicaLeaderGating(t *testing.T) {
	replica, _, _, cleanup := newTestReplica(t)
	defer cleanup()

	// A won pre-election does not confer leadership.
	pre := wonElection(3)
	pre.VoteRequest.IsPreElection = true
	replica.HandleElectionResult(pre)
	require.Equal(t, uint64(0), replica.LeaderTerm())

	replica.HandleElectionResult(wonElection(3))
	require.Equal(t, uint64(3), replica.LeaderTerm())

	_, err := replica.MutateRow(0, setChange(t, 10, "x"), raft.OpID{Term: 3, Index: 1})
	require.Nil(t, err)

	// A higher observed term steps the leader down.
	replica.HandleElectionResult(&raft.ElectionResult{
		VoteRequest: raft.VoteRequest{
			CandidateUuid: "peer-a",
			CandidateTerm: 3,
			TabletId:      "tablet-1",
		},
		Decision:         raft.VoteDenied,
		HighestVoterTerm: 4,
	})
	require.Equal(t, uint64(0), replica.LeaderTerm())
	_, err = replica.MutateRow(0, setChange(t, 10, "y"), raft.OpID{Term: 3, Index: 2})
	require.NotNil(t, err)
}

func TestReplicaTimestampsIncrease(t *testing.T) {
	replica, _, _, cleanup := newTestReplica(t)
	defer cleanup()
	replica.HandleElectionResult(wonElection(1))

	var prev Timestamp
	for i := 0; i < 10; i++ {
		ts, err := replica.MutateRow(RowID(i), setChange(t, 10, "v"), raft.OpID{Term: 1, Index: int64(i + 1)})
		require.Nil(t, err)
		require.True(t, ts > prev)
		prev = ts
	}
}

func TestReplicaWriteFlushScan(t *testing.T) {
	replica, registry, _, cleanup := newTestReplica(t)
	defer cleanup()
	replica.HandleElectionResult(wonElection(1))

	_, err := replica.MutateRow(0, setChange(t, 10, "before-flush"), raft.OpID{Term: 1, Index: 1})
	require.Nil(t, err)
	_, err = replica.MutateRow(1, deleteChange(), raft.OpID{Term: 1, Index: 2})
	require.Nil(t, err)

	earliest, err := replica.EarliestRequiredLogIndex()
	require.Nil(t, err)
	require.Equal(t, int64(1), earliest)

	replica.MaybeScheduleFlush()
	waitForAnchorsReleased(t, registry)

	// The flush released the anchor: the WAL may truncate everything.
	_, err = replica.EarliestRequiredLogIndex()
	require.NotNil(t, err)

	// Post-flush writes land in a fresh DMS under a new anchor.
	_, err = replica.MutateRow(0, setChange(t, 10, "after-flush"), raft.OpID{Term: 1, Index: 9})
	require.Nil(t, err)
	earliest, err = replica.EarliestRequiredLogIndex()
	require.Nil(t, err)
	require.Equal(t, int64(9), earliest)

	// A scan merges the flushed file with the live DMS.
	iter, err := replica.NewDeltaIterator(testOpts(TimestampMax))
	require.Nil(t, err)
	defer iter.Close()
	require.Nil(t, iter.Init(nil))
	require.Nil(t, iter.SeekToOrdinal(0))
	require.Nil(t, iter.PrepareBatch(2, PrepareForApply))

	dst := NewColumnBlock(10, 2)
	require.Nil(t, iter.ApplyUpdates(0, dst, nil))
	require.Equal(t, []byte("after-flush"), dst.Cell(0))

	sel := NewSelectionVector(2)
	sel.SetAllTrue()
	require.Nil(t, iter.ApplyDeletes(sel))
	require.False(t, sel.IsRowSelected(1))

	deleted, err := replica.CheckRowDeleted(1, nil)
	require.Nil(t, err)
	require.True(t, deleted)
	deleted, err = replica.CheckRowDeleted(0, nil)
	require.Nil(t, err)
	require.False(t, deleted)
}

func waitForAnchorsReleased(t *testing.T, registry *walog.LogAnchorRegistry) {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if registry.AnchorCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("flush did not release anchors in time")
}
