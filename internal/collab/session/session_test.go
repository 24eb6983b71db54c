package session

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/crdt"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/gossip"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/shard"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	log := testLogger(t)
	shards := shard.NewManager(4, 100, 150, log)
	return NewManager(shards, nil, nil, log)
}

func TestJoinLeave(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create("doc", crdt.TypeRGA, 10, Settings{})
	require.NoError(t, err)

	p, err := sess.Join("p1", RoleEditor)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ShardID)
	assert.Equal(t, p.ShardID, sess.PrimaryShard())

	// Re-joining refreshes the role, keeps the slot.
	p2, err := sess.Join("p1", RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, p2.Role)
	assert.Len(t, sess.Participants(), 1)

	sess.Leave("p1")
	assert.Empty(t, sess.Participants())
	sess.Leave("p1") // idempotent
}

func TestJoinRespectsParticipantLimit(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create("doc", crdt.TypeRGA, 2, Settings{})
	require.NoError(t, err)

	_, err = sess.Join("p1", RoleEditor)
	require.NoError(t, err)
	_, err = sess.Join("p2", RoleEditor)
	require.NoError(t, err)
	_, err = sess.Join("p3", RoleEditor)
	assert.ErrorIs(t, err, ErrSessionFull)
}

func TestApplyOperationRejectsViewerAndUnknown(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create("doc", crdt.TypeRGA, 10, Settings{})
	require.NoError(t, err)

	_, err = sess.ApplyOperation("ghost", OpRequest{Kind: OpInsert, Value: "a"})
	assert.ErrorIs(t, err, ErrParticipantNotFound)

	_, err = sess.Join("viewer", RoleViewer)
	require.NoError(t, err)
	_, err = sess.ApplyOperation("viewer", OpRequest{Kind: OpInsert, Value: "a"})
	assert.ErrorIs(t, err, ErrViewerCannotWrite)
}

func TestApplyOperationStampsClockAndLog(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create("doc", crdt.TypeRGA, 10, Settings{})
	require.NoError(t, err)

	_, err = sess.Join("p1", RoleEditor)
	require.NoError(t, err)

	op, err := sess.ApplyOperation("p1", OpRequest{Kind: OpInsert, Index: 0, Value: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), op.Clock["p1"])
	assert.Equal(t, sess.ID, op.SessionID)

	op2, err := sess.ApplyOperation("p1", OpRequest{Kind: OpInsert, Index: 1, Value: "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), op2.Clock["p1"])

	assert.Equal(t, []string{"a", "b"}, sess.Value())

	for _, p := range sess.Participants() {
		assert.False(t, p.LastOperationAt.IsZero())
	}
}

func TestApplyOperationInvalidKind(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create("counter", crdt.TypeGCounter, 10, Settings{})
	require.NoError(t, err)

	_, err = sess.Join("p1", RoleEditor)
	require.NoError(t, err)

	_, err = sess.ApplyOperation("p1", OpRequest{Kind: OpInsert, Value: "a"})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestCounterSessionStateMerge(t *testing.T) {
	m := newTestManager(t)
	a, err := m.Create("votes", crdt.TypePNCounter, 10, Settings{})
	require.NoError(t, err)
	b, err := m.Create("votes-replica", crdt.TypePNCounter, 10, Settings{})
	require.NoError(t, err)

	_, err = a.Join("p1", RoleEditor)
	require.NoError(t, err)
	_, err = b.Join("p2", RoleEditor)
	require.NoError(t, err)

	op, err := a.ApplyOperation("p1", OpRequest{Kind: OpIncrement, Delta: 5})
	require.NoError(t, err)
	_, err = b.ApplyOperation("p2", OpRequest{Kind: OpDecrement, Delta: 2})
	require.NoError(t, err)

	require.NoError(t, b.ApplyRemote(op))
	assert.Equal(t, int64(3), b.Value())
}

// Two participants insert at index 0 concurrently from empty state. After
// exchanging operations through gossip, both replicas read the same two
// element list ordered by the (timestamp, node_id) total order.
func TestConcurrentRGAInsertConvergesThroughGossip(t *testing.T) {
	log := testLogger(t)

	tr := gossip.NewLocalTransport()
	g1 := gossip.New("shard-a", []string{"shard-b"}, tr, gossip.Config{}, log)
	g2 := gossip.New("shard-b", []string{"shard-a"}, tr, gossip.Config{}, log)
	tr.Register(g1)
	tr.Register(g2)

	shards1 := shard.NewManager(2, 100, 150, log)
	shards2 := shard.NewManager(2, 100, 150, log)

	s1, err := New("doc", crdt.TypeRGA, 10, Settings{}, shards1, g1, log)
	require.NoError(t, err)
	s2, err := New("doc", crdt.TypeRGA, 10, Settings{}, shards2, g2, log)
	require.NoError(t, err)
	// Replicas of one logical session share the id.
	s2.ID = s1.ID

	_, err = s1.Join("p1", RoleEditor)
	require.NoError(t, err)
	_, err = s2.Join("p2", RoleEditor)
	require.NoError(t, err)

	_, err = s1.ApplyOperation("p1", OpRequest{Kind: OpInsert, Index: 0, Value: "a"})
	require.NoError(t, err)
	_, err = s2.ApplyOperation("p2", OpRequest{Kind: OpInsert, Index: 0, Value: "b"})
	require.NoError(t, err)

	// One gossip round each direction, then drain into session state.
	g1.Round(context.Background())
	g2.Round(context.Background())
	require.NoError(t, s1.SyncGossip())
	require.NoError(t, s2.SyncGossip())

	v1 := s1.Value().([]string)
	v2 := s2.Value().([]string)
	require.True(t, reflect.DeepEqual(v1, v2), "replicas diverged: %v vs %v", v1, v2)
	assert.Len(t, v1, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, v1)
}

func TestGetStateDelta(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create("doc", crdt.TypeRGA, 10, Settings{})
	require.NoError(t, err)

	_, err = sess.Join("p1", RoleEditor)
	require.NoError(t, err)

	_, err = sess.ApplyOperation("p1", OpRequest{Kind: OpInsert, Index: 0, Value: "a"})
	require.NoError(t, err)
	afterFirst := sess.Clock()

	_, err = sess.ApplyOperation("p1", OpRequest{Kind: OpInsert, Index: 1, Value: "b"})
	require.NoError(t, err)

	delta := sess.GetStateDelta(afterFirst)
	require.Len(t, delta.Operations, 1)
	assert.Equal(t, int64(2), delta.Clock["p1"])

	// A caught-up clock yields an empty delta.
	empty := sess.GetStateDelta(sess.Clock())
	assert.Empty(t, empty.Operations)
}

func TestSnapshots(t *testing.T) {
	m := newTestManager(t)
	sess, err := m.Create("doc", crdt.TypeRGA, 10, Settings{})
	require.NoError(t, err)

	_, err = sess.Join("p1", RoleEditor)
	require.NoError(t, err)
	_, err = sess.ApplyOperation("p1", OpRequest{Kind: OpInsert, Index: 0, Value: "a"})
	require.NoError(t, err)

	snap, err := sess.TakeSnapshot()
	require.NoError(t, err)
	assert.Equal(t, 1, snap.OpCount)
	assert.Greater(t, snap.SizeBytes, 0)
	assert.Equal(t, []string{"a"}, snap.State)
	assert.Len(t, sess.Snapshots(), 1)
}

func TestManagerLifecycle(t *testing.T) {
	m := newTestManager(t)

	sess, err := m.Create("doc", "", 0, Settings{})
	require.NoError(t, err)
	assert.Equal(t, crdt.TypeRGA, sess.CRDTType)

	got, err := m.Get(sess.ID)
	require.NoError(t, err)
	assert.Same(t, sess, got)
	assert.Len(t, m.List(), 1)

	_, err = sess.Join("p1", RoleEditor)
	require.NoError(t, err)

	require.NoError(t, m.Close(sess.ID))
	_, err = m.Get(sess.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	// Shard slot was released on close.
	_, held := m.Shards().ShardOf("p1")
	assert.False(t, held)

	assert.ErrorIs(t, m.Close("nope"), ErrSessionNotFound)
}

// A manager built over a transport binds every session to its home shard's
// gossip node and drives propagation without manual rounds.
func TestManagerWiresGossipNodes(t *testing.T) {
	log := testLogger(t)
	shards := shard.NewManager(2, 100, 150, log)
	m := NewManager(shards, gossip.NewLocalTransport(), nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	sess, err := m.Create("doc", crdt.TypeRGA, 10, Settings{GossipInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	require.NotNil(t, sess.gossip)
	home := sess.gossip.NodeID()
	assert.Equal(t, shards.Home(sess.ID), home)

	_, err = sess.Join("p1", RoleEditor)
	require.NoError(t, err)
	_, err = sess.ApplyOperation("p1", OpRequest{Kind: OpInsert, Index: 0, Value: "a"})
	require.NoError(t, err)

	var other *gossip.Gossip
	for id, node := range m.nodes {
		if id != home {
			other = node
		}
	}
	require.NotNil(t, other)

	// The operation reaches the other shard node within a few rounds.
	assert.Eventually(t, func() bool {
		return other.Clock()["p1"] == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestManagerTakesPeriodicSnapshots(t *testing.T) {
	log := testLogger(t)
	shards := shard.NewManager(2, 100, 150, log)
	m := NewManager(shards, nil, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	sess, err := m.Create("doc", crdt.TypeRGA, 10, Settings{SnapshotInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	_, err = sess.Join("p1", RoleEditor)
	require.NoError(t, err)
	_, err = sess.ApplyOperation("p1", OpRequest{Kind: OpInsert, Index: 0, Value: "a"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(sess.Snapshots()) > 0
	}, 2*time.Second, 20*time.Millisecond)
}
