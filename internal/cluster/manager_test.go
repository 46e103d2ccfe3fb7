package cluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connorhoehn/websocket-gateway/internal/kvps"
)

func newTestManager(t *testing.T, store kvps.Store, nodeID string) *Manager {
	t.Helper()
	m := NewManager(store, Options{
		NodeID:            nodeID,
		Port:              8080,
		HeartbeatInterval: time.Second,
		Version:           "test",
	}, zerolog.Nop())
	require.NoError(t, m.Register(context.Background()))
	return m
}

func TestRegisterWritesDirectory(t *testing.T) {
	store := kvps.NewFake()
	m := newTestManager(t, store, "node-1")
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	assert.False(t, m.Standalone())

	nodes, err := store.SMembers(ctx, kvps.KeyNodes)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, nodes)

	info, err := store.HGetAll(ctx, kvps.NodeInfoKey("node-1"))
	require.NoError(t, err)
	assert.Equal(t, "8080", info["port"])
	assert.Equal(t, "test", info["version"])

	hb, err := store.HGetAll(ctx, kvps.NodeHeartbeatKey("node-1"))
	require.NoError(t, err)
	assert.Contains(t, hb, "timestamp")
	assert.Contains(t, hb, "connectionCount")
	assert.Contains(t, hb, "memoryUsage")
}

func TestRegisterIdempotent(t *testing.T) {
	store := kvps.NewFake()
	m := newTestManager(t, store, "node-1")
	ctx := context.Background()

	// Re-registering refreshes directory state without spawning a
	// second heartbeat loop.
	require.NoError(t, m.Register(ctx))
	require.NoError(t, m.Register(ctx))

	nodes, err := store.SMembers(ctx, kvps.KeyNodes)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, nodes)

	// With a leaked loop the single cancel would strand the wait group
	// and Shutdown would never return.
	done := make(chan struct{})
	go func() {
		m.Shutdown(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete after repeated registration")
	}
	assert.Empty(t, store.Backend().Keys())
}

func TestStandaloneFallback(t *testing.T) {
	store := kvps.NewFake()
	store.FailWith(errors.New("connection refused"))

	m := NewManager(store, Options{NodeID: "node-1", HeartbeatInterval: time.Second}, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, m.Register(ctx), "unreachable store must degrade, not fail")
	assert.True(t, m.Standalone())

	// Topology queries answer locally.
	nodes, err := m.GetNodesForChannel(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, nodes)

	_, err = m.GetClientNode(ctx, "c1")
	assert.ErrorIs(t, err, kvps.ErrNotFound)

	info := m.GetClusterInfo(ctx)
	assert.True(t, info.Standalone)
	assert.Equal(t, 1, info.TotalNodes)

	// Directory writes are skipped entirely.
	m.RegisterClient(ctx, "c1", nil)
	m.SubscribeClientToChannel(ctx, "c1", "room")
	m.Shutdown(ctx)
}

func TestClientLifecycle(t *testing.T) {
	store := kvps.NewFake()
	m := newTestManager(t, store, "node-1")
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	m.RegisterClient(ctx, "c1", map[string]string{"origin": "test"})

	node, err := m.GetClientNode(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", node)

	meta, err := store.HGetAll(ctx, kvps.ClientMetadataKey("c1"))
	require.NoError(t, err)
	assert.Equal(t, "test", meta["origin"])

	m.UnregisterClient(ctx, "c1")
	_, err = m.GetClientNode(ctx, "c1")
	assert.ErrorIs(t, err, kvps.ErrNotFound)
}

func TestChannelSubscription(t *testing.T) {
	store := kvps.NewFake()
	m := newTestManager(t, store, "node-1")
	defer m.Shutdown(context.Background())
	ctx := context.Background()

	m.RegisterClient(ctx, "c1", nil)
	m.RegisterClient(ctx, "c2", nil)
	m.SubscribeClientToChannel(ctx, "c1", "room")
	m.SubscribeClientToChannel(ctx, "c2", "room")

	nodes, err := m.GetNodesForChannel(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, nodes)

	// c1 leaves but c2 still holds the channel locally.
	m.UnsubscribeClientFromChannel(ctx, "c1", "room", false)
	nodes, err = m.GetNodesForChannel(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-1"}, nodes)

	// Last local subscriber leaves; node exits the channel's node set.
	m.UnsubscribeClientFromChannel(ctx, "c2", "room", true)
	nodes, err = m.GetNodesForChannel(ctx, "room")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestShutdownLeavesNoResidue(t *testing.T) {
	store := kvps.NewFake()
	m := newTestManager(t, store, "node-1")
	ctx := context.Background()

	m.RegisterClient(ctx, "c1", map[string]string{"k": "v"})
	m.SubscribeClientToChannel(ctx, "c1", "room")

	m.Shutdown(ctx)

	assert.Empty(t, store.Backend().Keys(),
		"shutdown must remove every directory key this node wrote")
}

func TestGetClusterInfoFlagsDeadNodes(t *testing.T) {
	backend := kvps.NewFakeBackend()
	m1 := newTestManager(t, backend.NewStore(), "node-1")
	defer m1.Shutdown(context.Background())
	ctx := context.Background()

	// A node that registered but whose heartbeat key has expired.
	dead := backend.NewStore()
	require.NoError(t, dead.SAdd(ctx, kvps.KeyNodes, "node-dead"))
	require.NoError(t, dead.HSet(ctx, kvps.NodeInfoKey("node-dead"), map[string]string{"port": "9090"}))

	info := m1.GetClusterInfo(ctx)
	assert.Equal(t, 2, info.TotalNodes)

	byID := map[string]NodeEntry{}
	for _, entry := range info.Nodes {
		byID[entry.NodeID] = entry
	}
	assert.True(t, byID["node-1"].Alive)
	assert.False(t, byID["node-dead"].Alive)
	assert.Equal(t, "9090", byID["node-dead"].Info["port"])
}

func TestConnectionCounter(t *testing.T) {
	store := kvps.NewFake()
	m := newTestManager(t, store, "node-1")
	defer m.Shutdown(context.Background())

	m.SetConnectionCounter(func() int { return 7 })
	m.writeHeartbeat(context.Background())

	hb, err := store.HGetAll(context.Background(), kvps.NodeHeartbeatKey("node-1"))
	require.NoError(t, err)
	assert.Equal(t, "7", hb["connectionCount"])
}

func TestIdentifierFormats(t *testing.T) {
	assert.NotEqual(t, NewNodeID(), NewNodeID())
	assert.NotEqual(t, NewClientID(), NewClientID())

	id := NewClientID()
	assert.Regexp(t, `^c-\d+-[0-9a-f]{16}$`, id)
}
