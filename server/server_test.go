package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"core-raft/checks"
	"core-raft/network"
	"core-raft/raft"
	"core-raft/state"
)

const (
	tailSize        = 100
	clusterDeadline = 10 * time.Second
	pollInterval    = 20 * time.Millisecond
)

type testReplica struct {
	id     raft.MemberId
	server *ServerImpl
	sm     *state.KeepLastEntriesStateMachine
	store  *raft.BadgerStore
}

type testCluster struct {
	replicas []*testReplica

	mu           sync.Mutex
	observations []checks.LeaderObservation
}

func clusterConfig() raft.Config {
	cfg := raft.DefaultConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.MinElectionTimeout = 100 * time.Millisecond
	cfg.MaxElectionTimeout = 200 * time.Millisecond
	return cfg
}

// newCluster starts n replicas of one store. endpoint returns the network view of a replica,
// configure may adjust each replica's config.
func newCluster(t *testing.T, n int, endpoint func(id string) network.Network, configure func(id raft.MemberId, cfg *raft.Config)) *testCluster {
	t.Helper()
	ids := make([]raft.MemberId, n)
	for i := range ids {
		ids[i] = raft.NewMemberId()
	}
	storeId := raft.NewStoreId()

	c := &testCluster{}
	for _, id := range ids {
		store, err := raft.NewInMemoryStore(nil, nil)
		require.NoError(t, err)

		cfg := clusterConfig()
		if configure != nil {
			configure(id, &cfg)
		}
		sm := state.NewKeepLastEntriesStateMachine(id.String(), tailSize, nil)
		net := endpoint(id.String())
		node, err := raft.NewRaftNodeImpl(id, storeId, sm, store, raft.NewStaticMembership(ids...), net, cfg)
		require.NoError(t, err)

		srv := NewServer(id.String(), node, sm, nil)
		require.NoError(t, net.RegisterNode(id.String(), srv))
		c.replicas = append(c.replicas, &testReplica{id: id, server: srv, sm: sm, store: store})
	}

	t.Cleanup(func() {
		for _, r := range c.replicas {
			r.server.Stop()
			require.NoError(t, r.server.Err())
			r.store.Close()
		}
	})
	for _, r := range c.replicas {
		r.server.Start()
	}
	return c
}

func excluded(id raft.MemberId, exclude []raft.MemberId) bool {
	for _, other := range exclude {
		if other == id {
			return true
		}
	}
	return false
}

// leader returns the replica claiming leadership with the highest term, recording every claim seen.
func (c *testCluster) leader(exclude ...raft.MemberId) (*testReplica, raft.Term) {
	var (
		leader     *testReplica
		leaderTerm raft.Term
	)
	for _, r := range c.replicas {
		if excluded(r.id, exclude) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		status, err := r.server.Status(ctx)
		cancel()
		if err != nil || status.State != raft.Leader {
			continue
		}
		c.mu.Lock()
		c.observations = append(c.observations, checks.LeaderObservation{Term: int64(status.Term), Leader: r.server.Id})
		c.mu.Unlock()
		if leader == nil || status.Term > leaderTerm {
			leader, leaderTerm = r, status.Term
		}
	}
	return leader, leaderTerm
}

func (c *testCluster) waitForLeader(t *testing.T, exclude ...raft.MemberId) (*testReplica, raft.Term) {
	t.Helper()
	var (
		leader *testReplica
		term   raft.Term
	)
	require.Eventually(t, func() bool {
		leader, term = c.leader(exclude...)
		return leader != nil
	}, clusterDeadline, pollInterval, "no leader elected")
	return leader, term
}

// propose hands data to the current leader, retrying across leadership changes.
func (c *testCluster) propose(t *testing.T, data []byte, exclude ...raft.MemberId) {
	t.Helper()
	require.Eventually(t, func() bool {
		leader, _ := c.leader(exclude...)
		if leader == nil {
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		result, err := leader.server.Propose(ctx, data)
		return err == nil && !result.Forwarded
	}, clusterDeadline, pollInterval, "proposal not accepted")
}

func (c *testCluster) without(exclude ...raft.MemberId) []*testReplica {
	var replicas []*testReplica
	for _, r := range c.replicas {
		if !excluded(r.id, exclude) {
			replicas = append(replicas, r)
		}
	}
	return replicas
}

// waitForConvergence waits until replicas applied the same number of entries, at least minApplied.
func waitForConvergence(t *testing.T, replicas []*testReplica, minApplied int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		applied := replicas[0].sm.Applied()
		if applied < minApplied {
			return false
		}
		for _, r := range replicas[1:] {
			if r.sm.Applied() != applied {
				return false
			}
		}
		return true
	}, clusterDeadline, pollInterval, "replicas did not converge")
}

func checkStateMachines(t *testing.T, replicas []*testReplica) {
	t.Helper()
	snapshots := make(map[string]checks.ServerStateSnapshot, len(replicas))
	for _, r := range replicas {
		entries, offset := r.sm.GetTailEntries(tailSize)
		snapshots[r.server.Id] = checks.ServerStateSnapshot{Entries: entries, Offset: offset}
	}
	require.NoError(t, checks.ServersConsistencyCheck(snapshots, tailSize))
}

func (c *testCluster) checkSafety(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	observations := append([]checks.LeaderObservation(nil), c.observations...)
	c.mu.Unlock()
	require.NoError(t, checks.ElectionSafety(observations))

	logs := make(map[string]checks.ReplicaLog, len(c.replicas))
	for _, r := range c.replicas {
		persisted, err := r.store.LoadPersisted()
		require.NoError(t, err)
		entries := make([]checks.LogEntry, 0, len(persisted.Entries))
		for _, entry := range persisted.Entries {
			entries = append(entries, checks.LogEntry{
				Term: int64(entry.Term),
				Data: entry.Content.(raft.BytesContent),
			})
		}
		logs[r.server.Id] = checks.ReplicaLog{Entries: entries, Offset: int64(persisted.PrevIndex) + 1}
	}
	require.NoError(t, checks.LogMatching(logs))
}

func TestClusterElectsLeaderAndReplicates(t *testing.T) {
	net := network.NewPerfectNetwork(nil)
	c := newCluster(t, 3, net.Endpoint, nil)

	leader, _ := c.waitForLeader(t)
	for i := 0; i < 20; i++ {
		c.propose(t, []byte(fmt.Sprintf("entry-%d", i)))
	}
	waitForConvergence(t, c.replicas, 20)
	checkStateMachines(t, c.replicas)

	// followers learn who leads
	require.Eventually(t, func() bool {
		for _, r := range c.replicas {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			status, err := r.server.Status(ctx)
			cancel()
			if err != nil || status.Leader != leader.id {
				return false
			}
		}
		return true
	}, clusterDeadline, pollInterval)

	c.checkSafety(t)
}

func TestClusterFollowerForwardsProposal(t *testing.T) {
	net := network.NewPerfectNetwork(nil)
	c := newCluster(t, 3, net.Endpoint, nil)
	leader, _ := c.waitForLeader(t)

	follower := c.without(leader.id)[0]
	require.Eventually(t, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		result, err := follower.server.Propose(ctx, []byte("forwarded"))
		return err == nil && result.Forwarded
	}, clusterDeadline, pollInterval)

	waitForConvergence(t, c.replicas, 1)
	entries, _ := follower.sm.GetTailEntries(1)
	require.Equal(t, []byte("forwarded"), entries[0])
}

func TestClusterSurvivesLeaderIsolation(t *testing.T) {
	net := network.NewPerfectNetwork(nil)
	c := newCluster(t, 5, net.Endpoint, nil)

	oldLeader, oldTerm := c.waitForLeader(t)
	for i := 0; i < 5; i++ {
		c.propose(t, []byte(fmt.Sprintf("before-%d", i)))
	}
	waitForConvergence(t, c.replicas, 5)
	appliedBeforeIsolation := oldLeader.sm.Applied()

	net.Isolate(oldLeader.id.String())

	// the isolated leader keeps accepting writes it can never commit
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_, err := oldLeader.server.Propose(ctx, []byte("orphan"))
	cancel()
	require.NoError(t, err)

	newLeader, newTerm := c.waitForLeader(t, oldLeader.id)
	require.NotEqual(t, oldLeader.id, newLeader.id)
	require.Greater(t, newTerm, oldTerm)

	for i := 0; i < 5; i++ {
		c.propose(t, []byte(fmt.Sprintf("after-%d", i)), oldLeader.id)
	}
	majority := c.without(oldLeader.id)
	waitForConvergence(t, majority, 10)
	require.Equal(t, appliedBeforeIsolation, oldLeader.sm.Applied())

	net.Heal()
	waitForConvergence(t, c.replicas, 10)
	checkStateMachines(t, c.replicas)

	for _, r := range c.replicas {
		entries, _ := r.sm.GetTailEntries(tailSize)
		require.NotContains(t, entries, []byte("orphan"), "replica %s applied an uncommitted entry", r.server.Id)
	}
	c.checkSafety(t)
}

func TestClusterCompaction(t *testing.T) {
	net := network.NewPerfectNetwork(nil)

	var (
		catchupMu sync.Mutex
		catchups  = make(map[raft.MemberId]raft.LogIndex)
	)
	c := newCluster(t, 3, net.Endpoint, func(id raft.MemberId, cfg *raft.Config) {
		cfg.OnCatchupRequired = func(leader raft.MemberId, prevIndex raft.LogIndex) {
			catchupMu.Lock()
			defer catchupMu.Unlock()
			catchups[id] = prevIndex
		}
	})

	leader, _ := c.waitForLeader(t)
	lagging := c.without(leader.id)[0]
	net.Isolate(lagging.id.String())

	for i := 0; i < 10; i++ {
		c.propose(t, []byte(fmt.Sprintf("entry-%d", i)), lagging.id)
	}
	healthy := c.without(lagging.id)
	waitForConvergence(t, healthy, 10)

	// every replica that could lead compacts, so whoever wins next must ask for catch-up
	var snapshot bytes.Buffer
	for _, r := range healthy {
		snapshot.Reset()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		prunedTo, err := r.server.Compact(ctx, &snapshot)
		cancel()
		require.NoError(t, err)
		require.GreaterOrEqual(t, prunedTo, raft.LogIndex(10))

		ctx, cancel = context.WithTimeout(context.Background(), time.Second)
		status, err := r.server.Status(ctx)
		cancel()
		require.NoError(t, err)
		require.Equal(t, prunedTo, status.PrevIndex)
	}

	// the snapshot restores the state machine it was taken from, over an empty log
	restored := state.NewKeepLastEntriesStateMachine("restored", tailSize, nil)
	restoredLog, err := raft.NewInMemoryStore(nil, nil)
	require.NoError(t, err)
	defer restoredLog.Close()
	meta, err := raft.RestoreSnapshot(&snapshot, restored, restoredLog)
	require.NoError(t, err)
	last := healthy[len(healthy)-1]
	require.Equal(t, last.sm.Applied(), restored.Applied())
	require.Equal(t, meta.Index, restoredLog.PrevIndex())
	require.Equal(t, meta.Index, restoredLog.AppendIndex())
	expected, expectedOffset := last.sm.GetTailEntries(tailSize)
	actual, actualOffset := restored.GetTailEntries(tailSize)
	require.Equal(t, expectedOffset, actualOffset)
	require.Equal(t, expected, actual)

	net.Heal()
	require.Eventually(t, func() bool {
		catchupMu.Lock()
		defer catchupMu.Unlock()
		return catchups[lagging.id] >= 10
	}, clusterDeadline, pollInterval, "lagging replica was not told to catch up")

	// the healthy majority keeps committing
	c.propose(t, []byte("after-compaction"), lagging.id)
	waitForConvergence(t, healthy, 11)
	checkStateMachines(t, healthy)
	c.checkSafety(t)
}

func TestClusterLossyNetwork(t *testing.T) {
	net, err := network.NewPseudoAsyncNetwork(20, nil)
	require.NoError(t, err)
	t.Cleanup(net.Close)

	c := newCluster(t, 3, func(string) network.Network { return net }, nil)
	c.waitForLeader(t)
	for i := 0; i < 10; i++ {
		c.propose(t, []byte(fmt.Sprintf("entry-%d", i)))
	}
	waitForConvergence(t, c.replicas, 10)
	checkStateMachines(t, c.replicas)
	c.checkSafety(t)
}

// pruneRecorder is a RaftNode that snapshots a state machine and records pruning.
type pruneRecorder struct {
	RaftNode
	sm     state.StateMachine
	pruned []raft.LogIndex
}

func (r *pruneRecorder) Snapshot(_ context.Context, w io.Writer) (raft.SnapshotMeta, error) {
	meta := raft.SnapshotMeta{Index: raft.LogIndex(r.sm.Applied())}
	if meta.Index > 0 {
		meta.Term = 1
	}
	return meta, r.sm.CreateSnapshot(w)
}

func (r *pruneRecorder) Prune(_ context.Context, upTo raft.LogIndex) error {
	r.pruned = append(r.pruned, upTo)
	return nil
}

type closeRecorder struct {
	bytes.Buffer
	node *pruneRecorder
	// prunes seen when Close was called
	prunedAtClose int
	closed        bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	c.prunedAtClose = len(c.node.pruned)
	return nil
}

func TestCompactClosesSnapshotBeforePruning(t *testing.T) {
	sm := state.NewKeepLastEntriesStateMachine("a", tailSize, nil)
	node := &pruneRecorder{sm: sm}
	srv := NewServer("a", node, sm, nil)

	// nothing applied yet, nothing to prune
	prevIndex, err := srv.Compact(context.Background(), &bytes.Buffer{})
	require.NoError(t, err)
	require.Zero(t, prevIndex)
	require.Empty(t, node.pruned)

	sm.Apply(1, []byte("x"))
	sm.Apply(2, []byte("y"))
	w := &closeRecorder{node: node}
	prevIndex, err = srv.Compact(context.Background(), w)
	require.NoError(t, err)
	require.Equal(t, raft.LogIndex(2), prevIndex)
	require.True(t, w.closed)
	require.Zero(t, w.prunedAtClose)
	require.Equal(t, []raft.LogIndex{2}, node.pruned)

	restored := state.NewKeepLastEntriesStateMachine("b", tailSize, nil)
	require.NoError(t, restored.InstallSnapshot(&w.Buffer))
	require.Equal(t, int64(2), restored.Applied())
}
