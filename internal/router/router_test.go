package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/connorhoehn/websocket-gateway/internal/cluster"
	"github.com/connorhoehn/websocket-gateway/internal/kvps"
	"github.com/connorhoehn/websocket-gateway/internal/registry"
)

type memEgress struct {
	mu     sync.Mutex
	frames [][]byte
	fail   error
}

func (e *memEgress) Write(payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail != nil {
		return e.fail
	}
	e.frames = append(e.frames, payload)
	return nil
}

func (e *memEgress) received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.frames))
	for i, f := range e.frames {
		out[i] = string(f)
	}
	return out
}

// node bundles one simulated gateway process: its own store handle on
// the shared backend, directory manager, registry and router.
type node struct {
	store    *kvps.Fake
	cluster  *cluster.Manager
	registry *registry.Registry
	router   *Router
}

func newNode(t *testing.T, backend *kvps.FakeBackend, nodeID string) *node {
	t.Helper()
	store := backend.NewStore()
	cl := cluster.NewManager(store, cluster.Options{
		NodeID:            nodeID,
		HeartbeatInterval: time.Second,
	}, zerolog.Nop())
	require.NoError(t, cl.Register(context.Background()))

	reg := registry.New()
	rt := New(store, cl, reg, zerolog.Nop())
	require.NoError(t, rt.Start())

	t.Cleanup(func() {
		rt.Stop()
		cl.Shutdown(context.Background())
	})
	return &node{store: store, cluster: cl, registry: reg, router: rt}
}

func (n *node) connect(t *testing.T, clientID string) *memEgress {
	t.Helper()
	e := &memEgress{}
	n.router.RegisterLocalClient(context.Background(), clientID, e, nil)
	return e
}

func TestChannelFanOutAcrossNodes(t *testing.T) {
	backend := kvps.NewFakeBackend()
	a := newNode(t, backend, "node-a")
	b := newNode(t, backend, "node-b")
	ctx := context.Background()

	ea1 := a.connect(t, "a1")
	eb1 := b.connect(t, "b1")
	eb2 := b.connect(t, "b2")
	require.NoError(t, a.router.SubscribeToChannel(ctx, "a1", "room"))
	require.NoError(t, b.router.SubscribeToChannel(ctx, "b1", "room"))

	a.router.SendToChannel(ctx, "room", []byte(`"hi"`), "")

	assert.Equal(t, []string{`"hi"`}, ea1.received(), "sender's node delivers via its own route subscription, exactly once")
	assert.Equal(t, []string{`"hi"`}, eb1.received())
	assert.Empty(t, eb2.received(), "non-subscriber must not receive channel traffic")
}

func TestChannelFanOutExcludesSender(t *testing.T) {
	backend := kvps.NewFakeBackend()
	a := newNode(t, backend, "node-a")
	b := newNode(t, backend, "node-b")
	ctx := context.Background()

	ea1 := a.connect(t, "a1")
	eb1 := b.connect(t, "b1")
	require.NoError(t, a.router.SubscribeToChannel(ctx, "a1", "room"))
	require.NoError(t, b.router.SubscribeToChannel(ctx, "b1", "room"))

	a.router.SendToChannel(ctx, "room", []byte(`"x"`), "a1")

	assert.Empty(t, ea1.received())
	assert.Equal(t, []string{`"x"`}, eb1.received(), "exclusion is per client, never per node")
}

func TestStaleRouteSubscriptionDropsUntargeted(t *testing.T) {
	backend := kvps.NewFakeBackend()
	a := newNode(t, backend, "node-a")
	c := newNode(t, backend, "node-c")
	ctx := context.Background()

	a.connect(t, "a1")
	ec1 := c.connect(t, "c1")
	require.NoError(t, a.router.SubscribeToChannel(ctx, "a1", "room"))
	require.NoError(t, c.router.SubscribeToChannel(ctx, "c1", "room"))

	// Simulate a lagging directory: node-c has dropped out of the
	// channel's node set but still holds the route subscription.
	require.NoError(t, c.store.SRem(ctx, kvps.ChannelNodesKey("room"), "node-c"))

	a.router.SendToChannel(ctx, "room", []byte(`"x"`), "")
	assert.Empty(t, ec1.received(), "envelope must be filtered by the target set stamped at publish time")
}

func TestSendToChannelNoNodesDrops(t *testing.T) {
	backend := kvps.NewFakeBackend()
	a := newNode(t, backend, "node-a")

	ea1 := a.connect(t, "a1")
	a.router.SendToChannel(context.Background(), "empty-room", []byte(`"x"`), "")
	assert.Empty(t, ea1.received())
}

func TestStandaloneLocalFanOut(t *testing.T) {
	backend := kvps.NewFakeBackend()
	remote := newNode(t, backend, "node-remote")
	er := remote.connect(t, "r1")
	require.NoError(t, remote.router.SubscribeToChannel(context.Background(), "r1", "room"))

	// A node whose store was unreachable at registration runs local-only.
	lonely := backend.NewStore()
	lonely.FailWith(errors.New("connection refused"))
	cl := cluster.NewManager(lonely, cluster.Options{NodeID: "node-solo", HeartbeatInterval: time.Second}, zerolog.Nop())
	require.NoError(t, cl.Register(context.Background()))
	require.True(t, cl.Standalone())

	reg := registry.New()
	rt := New(lonely, cl, reg, zerolog.Nop())
	require.NoError(t, rt.Start())

	ctx := context.Background()
	e := &memEgress{}
	rt.RegisterLocalClient(ctx, "s1", e, nil)
	require.NoError(t, rt.SubscribeToChannel(ctx, "s1", "room"))

	rt.SendToChannel(ctx, "room", []byte(`"local"`), "")

	assert.Equal(t, []string{`"local"`}, e.received())
	assert.Empty(t, er.received(), "standalone node must not publish cross-node traffic")
}

func TestDirectoryErrorDegradesToLocal(t *testing.T) {
	backend := kvps.NewFakeBackend()
	a := newNode(t, backend, "node-a")
	ctx := context.Background()

	e := a.connect(t, "a1")
	require.NoError(t, a.router.SubscribeToChannel(ctx, "a1", "room"))

	a.store.FailWith(errors.New("timeout"))
	defer a.store.FailWith(nil)

	a.router.SendToChannel(ctx, "room", []byte(`"degraded"`), "")
	assert.Equal(t, []string{`"degraded"`}, e.received(), "local subscribers still served while the directory is down")
}

func TestSendToClientAcrossNodes(t *testing.T) {
	backend := kvps.NewFakeBackend()
	a := newNode(t, backend, "node-a")
	b := newNode(t, backend, "node-b")
	ctx := context.Background()

	ea1 := a.connect(t, "a1")
	eb1 := b.connect(t, "b1")

	// Local short-circuit: no envelope involved.
	a.router.SendToClient(ctx, "a1", []byte(`"local"`))
	assert.Equal(t, []string{`"local"`}, ea1.received())

	// Remote: directory lookup then direct channel publish.
	a.router.SendToClient(ctx, "b1", []byte(`"remote"`))
	assert.Equal(t, []string{`"remote"`}, eb1.received())

	// Unknown client: dropped without error.
	a.router.SendToClient(ctx, "ghost", []byte(`"void"`))
}

func TestBroadcastToAllDedup(t *testing.T) {
	backend := kvps.NewFakeBackend()
	a := newNode(t, backend, "node-a")
	b := newNode(t, backend, "node-b")
	ctx := context.Background()

	ea1 := a.connect(t, "a1")
	ea2 := a.connect(t, "a2")
	eb1 := b.connect(t, "b1")

	a.router.BroadcastToAll(ctx, []byte(`"all"`), "a1")

	assert.Empty(t, ea1.received(), "excluded originator")
	assert.Equal(t, []string{`"all"`}, ea2.received(), "exactly once despite the loopback envelope")
	assert.Equal(t, []string{`"all"`}, eb1.received())
}

func TestUnregisterReleasesDirectoryAndRoutes(t *testing.T) {
	backend := kvps.NewFakeBackend()
	a := newNode(t, backend, "node-a")
	b := newNode(t, backend, "node-b")
	ctx := context.Background()

	a.connect(t, "a1")
	eb1 := b.connect(t, "b1")
	require.NoError(t, a.router.SubscribeToChannel(ctx, "a1", "room"))
	require.NoError(t, b.router.SubscribeToChannel(ctx, "b1", "room"))

	a.router.UnregisterLocalClient(ctx, "a1")

	assert.False(t, a.registry.Has("a1"))
	_, err := a.cluster.GetClientNode(ctx, "a1")
	assert.ErrorIs(t, err, kvps.ErrNotFound)

	nodes, err := a.cluster.GetNodesForChannel(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b"}, nodes, "last local subscriber gone, node leaves the channel node set")

	b.router.SendToChannel(ctx, "room", []byte(`"after"`), "")
	assert.Equal(t, []string{`"after"`}, eb1.received())
}

func TestRouteRefcountSharedByClients(t *testing.T) {
	backend := kvps.NewFakeBackend()
	a := newNode(t, backend, "node-a")
	b := newNode(t, backend, "node-b")
	ctx := context.Background()

	ea1 := a.connect(t, "a1")
	ea2 := a.connect(t, "a2")
	b.connect(t, "b1")
	require.NoError(t, a.router.SubscribeToChannel(ctx, "a1", "room"))
	require.NoError(t, a.router.SubscribeToChannel(ctx, "a2", "room"))
	require.NoError(t, a.router.SubscribeToChannel(ctx, "a2", "room"), "duplicate subscribe is a no-op")
	require.NoError(t, b.router.SubscribeToChannel(ctx, "b1", "room"))

	// One client leaves; the process keeps the route subscription.
	require.NoError(t, a.router.UnsubscribeFromChannel(ctx, "a1", "room"))

	b.router.SendToChannel(ctx, "room", []byte(`"still"`), "")
	assert.Empty(t, ea1.received())
	assert.Equal(t, []string{`"still"`}, ea2.received())
}

func TestEgressFailureUnregistersClient(t *testing.T) {
	backend := kvps.NewFakeBackend()
	a := newNode(t, backend, "node-a")
	ctx := context.Background()

	dead := &memEgress{fail: errors.New("closed")}
	a.router.RegisterLocalClient(ctx, "dead", dead, nil)
	live := a.connect(t, "live")
	require.NoError(t, a.router.SubscribeToChannel(ctx, "dead", "room"))
	require.NoError(t, a.router.SubscribeToChannel(ctx, "live", "room"))

	a.router.SendToChannel(ctx, "room", []byte(`"x"`), "")

	assert.False(t, a.registry.Has("dead"))
	assert.Equal(t, []string{`"x"`}, live.received())
	_, err := a.cluster.GetClientNode(ctx, "dead")
	assert.ErrorIs(t, err, kvps.ErrNotFound)
}

func TestDisconnectHooksRunBeforeDirectoryCleanup(t *testing.T) {
	backend := kvps.NewFakeBackend()
	a := newNode(t, backend, "node-a")
	ctx := context.Background()

	var sawDirectoryEntry bool
	var calls []string
	a.router.AddDisconnectHook(func(ctx context.Context, clientID string) {
		calls = append(calls, clientID)
		_, err := a.cluster.GetClientNode(ctx, clientID)
		sawDirectoryEntry = err == nil
	})

	a.connect(t, "a1")
	a.router.UnregisterLocalClient(ctx, "a1")
	a.router.UnregisterLocalClient(ctx, "a1")

	assert.Equal(t, []string{"a1"}, calls, "hooks run exactly once per client")
	assert.True(t, sawDirectoryEntry, "hooks observe the directory before cleanup")
}

func TestHookEgressFailureDoesNotRecurse(t *testing.T) {
	backend := kvps.NewFakeBackend()
	a := newNode(t, backend, "node-a")
	ctx := context.Background()

	// A hook that writes a farewell to the draining client itself; with
	// the connection closed this re-enters the unregister path.
	a.router.AddDisconnectHook(func(ctx context.Context, clientID string) {
		a.router.SendToClient(ctx, clientID, []byte(`"bye"`))
	})

	dead := &memEgress{fail: errors.New("closed")}
	a.router.RegisterLocalClient(ctx, "dead", dead, nil)
	a.router.UnregisterLocalClient(ctx, "dead")

	assert.False(t, a.registry.Has("dead"))
}

func TestInboundEnvelopeValidation(t *testing.T) {
	backend := kvps.NewFakeBackend()
	a := newNode(t, backend, "node-a")
	other := backend.NewStore()
	ctx := context.Background()

	e := a.connect(t, "a1")
	require.NoError(t, a.router.SubscribeToChannel(ctx, "a1", "room"))

	// Malformed payload and unknown type are both dropped silently.
	require.NoError(t, other.Publish(ctx, kvps.RouteChannel("room"), []byte("not json")))
	env, _ := json.Marshal(Envelope{Type: "bogus", FromNode: "node-x"})
	require.NoError(t, other.Publish(ctx, kvps.RouteChannel("room"), env))

	// Direct message for a client that already left.
	gone, _ := json.Marshal(Envelope{Type: TypeDirectMessage, ClientID: "ghost", FromNode: "node-x", Message: []byte(`"x"`)})
	require.NoError(t, other.Publish(ctx, kvps.DirectChannel("node-a"), gone))

	assert.Empty(t, e.received())
}

func TestStats(t *testing.T) {
	backend := kvps.NewFakeBackend()
	a := newNode(t, backend, "node-a")
	ctx := context.Background()

	a.connect(t, "a1")
	require.NoError(t, a.router.SubscribeToChannel(ctx, "a1", "room"))

	stats := a.router.Stats()
	assert.Equal(t, 1, stats["routeSubscriptions"])
	assert.Equal(t, 1, stats["localClients"])
}
