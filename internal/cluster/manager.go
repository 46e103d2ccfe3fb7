// Package cluster owns this node's identity and the shared directory:
// node registration and heartbeats, the client→node mapping, and the
// channel→nodes index the router queries before publishing.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/connorhoehn/websocket-gateway/internal/kvps"
	"github.com/connorhoehn/websocket-gateway/internal/metrics"
)

// Options configures a Manager.
type Options struct {
	NodeID            string // generated when empty
	Port              int
	HeartbeatInterval time.Duration
	Version           string
}

// Manager maintains this node's entry in the cluster directory.
//
// Every directory operation is best-effort: failures are counted,
// logged and swallowed so a flaky store can never crash the node.
// When the store is unreachable at Register time the manager runs in
// standalone mode and answers every topology query with itself.
type Manager struct {
	store  kvps.Store
	logger zerolog.Logger

	nodeID    string
	port      int
	version   string
	startedAt time.Time

	heartbeatInterval time.Duration
	standalone        atomic.Bool
	registered        atomic.Bool

	// connections supplies the live connection count for heartbeats.
	connections atomic.Pointer[func() int]

	stopHeartbeat context.CancelFunc
	wg            sync.WaitGroup
}

// NewManager creates a manager; Register must be called before use.
func NewManager(store kvps.Store, opts Options, logger zerolog.Logger) *Manager {
	nodeID := opts.NodeID
	if nodeID == "" {
		nodeID = NewNodeID()
	}
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Manager{
		store:             store,
		logger:            logger.With().Str("component", "cluster").Str("node_id", nodeID).Logger(),
		nodeID:            nodeID,
		port:              opts.Port,
		version:           opts.Version,
		startedAt:         time.Now(),
		heartbeatInterval: interval,
	}
}

// NodeID returns this node's identifier.
func (m *Manager) NodeID() string { return m.nodeID }

// Standalone reports whether the node runs without a reachable directory.
func (m *Manager) Standalone() bool { return m.standalone.Load() }

// HeartbeatTTL is the freshness bound readers apply to heartbeat
// entries; dead nodes disappear automatically after this long.
func (m *Manager) HeartbeatTTL() time.Duration { return 3 * m.heartbeatInterval }

// SetConnectionCounter installs the supplier used for the heartbeat's
// connection count.
func (m *Manager) SetConnectionCounter(fn func() int) {
	m.connections.Store(&fn)
}

func (m *Manager) connectionCount() int {
	if fn := m.connections.Load(); fn != nil {
		return (*fn)()
	}
	return 0
}

// Register adds this node to the cluster directory and starts the
// heartbeat task. Idempotent: calling it again refreshes the directory
// entries without starting a second heartbeat loop. When the store is
// unreachable the node falls back to standalone mode instead of
// failing: routing degrades to local-only fan-out.
func (m *Manager) Register(ctx context.Context) error {
	if err := m.store.Ping(ctx); err != nil {
		m.standalone.Store(true)
		m.logger.Warn().Err(err).
			Msg("KVPS unreachable, running in standalone mode (local-only fan-out)")
		return nil
	}
	m.standalone.Store(false)

	host, _ := os.Hostname()
	info := map[string]string{
		"hostname":   host,
		"pid":        strconv.Itoa(os.Getpid()),
		"port":       strconv.Itoa(m.port),
		"startedAt":  m.startedAt.UTC().Format(time.RFC3339),
		"interfaces": localInterfaces(),
		"version":    m.version,
	}

	if err := m.store.SAdd(ctx, kvps.KeyNodes, m.nodeID); err != nil {
		return fmt.Errorf("failed to join active nodes set: %w", err)
	}
	if err := m.store.HSet(ctx, kvps.NodeInfoKey(m.nodeID), info); err != nil {
		return fmt.Errorf("failed to write node info: %w", err)
	}
	m.writeHeartbeat(ctx)

	if !m.registered.Swap(true) {
		hbCtx, cancel := context.WithCancel(context.Background())
		m.stopHeartbeat = cancel
		m.wg.Add(1)
		go m.heartbeatLoop(hbCtx)
	}

	m.logger.Info().
		Int("port", m.port).
		Dur("heartbeat_interval", m.heartbeatInterval).
		Msg("Node registered in cluster directory")
	return nil
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.writeHeartbeat(ctx)
		}
	}
}

func (m *Manager) writeHeartbeat(ctx context.Context) {
	hb := map[string]string{
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
		"uptime":          strconv.FormatInt(int64(time.Since(m.startedAt).Seconds()), 10),
		"connectionCount": strconv.Itoa(m.connectionCount()),
		"memoryUsage":     strconv.FormatUint(ProcessMemoryBytes(), 10),
	}

	key := kvps.NodeHeartbeatKey(m.nodeID)
	if err := m.store.HSet(ctx, key, hb); err != nil {
		m.dirError("heartbeat", err)
		return
	}
	if err := m.store.Expire(ctx, key, m.HeartbeatTTL()); err != nil {
		m.dirError("heartbeat_expire", err)
		return
	}
	metrics.HeartbeatsWritten.Inc()
}

// RegisterClient records that this node owns the client.
func (m *Manager) RegisterClient(ctx context.Context, clientID string, metadata map[string]string) {
	if m.Standalone() {
		return
	}
	if err := m.store.Set(ctx, kvps.ClientNodeKey(clientID), m.nodeID, 0); err != nil {
		m.dirError("register_client", err)
	}
	if err := m.store.SAdd(ctx, kvps.NodeClientsKey(m.nodeID), clientID); err != nil {
		m.dirError("register_client", err)
	}
	if len(metadata) > 0 {
		if err := m.store.HSet(ctx, kvps.ClientMetadataKey(clientID), metadata); err != nil {
			m.dirError("register_client", err)
		}
	}
}

// UnregisterClient removes every directory entry referencing the client.
func (m *Manager) UnregisterClient(ctx context.Context, clientID string) {
	if m.Standalone() {
		return
	}
	if err := m.store.Del(ctx,
		kvps.ClientNodeKey(clientID),
		kvps.ClientChannelsKey(clientID),
		kvps.ClientMetadataKey(clientID),
	); err != nil {
		m.dirError("unregister_client", err)
	}
	if err := m.store.SRem(ctx, kvps.NodeClientsKey(m.nodeID), clientID); err != nil {
		m.dirError("unregister_client", err)
	}
}

// SubscribeClientToChannel records the client-channel edge and puts this
// node in the channel's node set.
func (m *Manager) SubscribeClientToChannel(ctx context.Context, clientID, channel string) {
	if m.Standalone() {
		return
	}
	if err := m.store.SAdd(ctx, kvps.ClientChannelsKey(clientID), channel); err != nil {
		m.dirError("subscribe", err)
	}
	if err := m.store.SAdd(ctx, kvps.ChannelNodesKey(channel), m.nodeID); err != nil {
		m.dirError("subscribe", err)
	}
	if err := m.store.SAdd(ctx, kvps.NodeChannelsKey(m.nodeID), channel); err != nil {
		m.dirError("subscribe", err)
	}
}

// UnsubscribeClientFromChannel removes the client-channel edge.
// lastLocal tells the manager no other local client still subscribes, so
// the node can leave the channel's node set.
func (m *Manager) UnsubscribeClientFromChannel(ctx context.Context, clientID, channel string, lastLocal bool) {
	if m.Standalone() {
		return
	}
	if err := m.store.SRem(ctx, kvps.ClientChannelsKey(clientID), channel); err != nil {
		m.dirError("unsubscribe", err)
	}
	if !lastLocal {
		return
	}
	if err := m.store.SRem(ctx, kvps.ChannelNodesKey(channel), m.nodeID); err != nil {
		m.dirError("unsubscribe", err)
	}
	if err := m.store.SRem(ctx, kvps.NodeChannelsKey(m.nodeID), channel); err != nil {
		m.dirError("unsubscribe", err)
	}
}

// GetNodesForChannel returns the node ids hosting at least one
// subscriber of channel. In standalone mode it returns only this node.
func (m *Manager) GetNodesForChannel(ctx context.Context, channel string) ([]string, error) {
	if m.Standalone() {
		return []string{m.nodeID}, nil
	}
	nodes, err := m.store.SMembers(ctx, kvps.ChannelNodesKey(channel))
	if err != nil {
		m.dirError("nodes_for_channel", err)
		return nil, err
	}
	return nodes, nil
}

// GetClientNode returns the id of the node owning the client, or
// kvps.ErrNotFound when the client is unknown to the directory.
func (m *Manager) GetClientNode(ctx context.Context, clientID string) (string, error) {
	if m.Standalone() {
		return "", kvps.ErrNotFound
	}
	node, err := m.store.Get(ctx, kvps.ClientNodeKey(clientID))
	if err != nil {
		if !errors.Is(err, kvps.ErrNotFound) {
			m.dirError("client_node", err)
		}
		return "", err
	}
	return node, nil
}

// NodeEntry is one node's view in GetClusterInfo.
type NodeEntry struct {
	NodeID    string            `json:"nodeId"`
	Alive     bool              `json:"alive"`
	Info      map[string]string `json:"info,omitempty"`
	Heartbeat map[string]string `json:"heartbeat,omitempty"`
}

// ClusterInfo aggregates node info and heartbeats for observability.
type ClusterInfo struct {
	NodeID     string      `json:"nodeId"`
	Standalone bool        `json:"standalone"`
	TotalNodes int         `json:"totalNodes"`
	Nodes      []NodeEntry `json:"nodes"`
}

// GetClusterInfo lists every node in the active set with its info and
// latest heartbeat. Nodes whose heartbeat key has expired are still
// listed but flagged dead; readers must tolerate them until their next
// cleanup.
func (m *Manager) GetClusterInfo(ctx context.Context) ClusterInfo {
	info := ClusterInfo{NodeID: m.nodeID, Standalone: m.Standalone()}

	if m.Standalone() {
		info.TotalNodes = 1
		info.Nodes = []NodeEntry{{NodeID: m.nodeID, Alive: true}}
		return info
	}

	nodeIDs, err := m.store.SMembers(ctx, kvps.KeyNodes)
	if err != nil {
		m.dirError("cluster_info", err)
		info.TotalNodes = 1
		info.Nodes = []NodeEntry{{NodeID: m.nodeID, Alive: true}}
		return info
	}

	for _, id := range nodeIDs {
		entry := NodeEntry{NodeID: id}
		if nodeInfo, err := m.store.HGetAll(ctx, kvps.NodeInfoKey(id)); err == nil && len(nodeInfo) > 0 {
			entry.Info = nodeInfo
		}
		if hb, err := m.store.HGetAll(ctx, kvps.NodeHeartbeatKey(id)); err == nil && len(hb) > 0 {
			entry.Heartbeat = hb
			entry.Alive = true
		}
		info.Nodes = append(info.Nodes, entry)
	}
	info.TotalNodes = len(info.Nodes)
	return info
}

// Shutdown removes every trace of this node from the directory: its
// channel memberships, its hosted clients, its keys and its entry in the
// active nodes set. Call after all local clients are drained.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.stopHeartbeat != nil {
		m.stopHeartbeat()
		m.wg.Wait()
	}
	if m.Standalone() {
		return
	}

	if channels, err := m.store.SMembers(ctx, kvps.NodeChannelsKey(m.nodeID)); err == nil {
		for _, ch := range channels {
			if err := m.store.SRem(ctx, kvps.ChannelNodesKey(ch), m.nodeID); err != nil {
				m.dirError("shutdown", err)
			}
		}
	} else {
		m.dirError("shutdown", err)
	}

	if clients, err := m.store.SMembers(ctx, kvps.NodeClientsKey(m.nodeID)); err == nil {
		for _, clientID := range clients {
			if err := m.store.Del(ctx,
				kvps.ClientNodeKey(clientID),
				kvps.ClientChannelsKey(clientID),
				kvps.ClientMetadataKey(clientID),
			); err != nil {
				m.dirError("shutdown", err)
			}
		}
	} else {
		m.dirError("shutdown", err)
	}

	if err := m.store.Del(ctx,
		kvps.NodeInfoKey(m.nodeID),
		kvps.NodeHeartbeatKey(m.nodeID),
		kvps.NodeClientsKey(m.nodeID),
		kvps.NodeChannelsKey(m.nodeID),
	); err != nil {
		m.dirError("shutdown", err)
	}
	if err := m.store.SRem(ctx, kvps.KeyNodes, m.nodeID); err != nil {
		m.dirError("shutdown", err)
	}

	m.logger.Info().Msg("Node removed from cluster directory")
}

func (m *Manager) dirError(op string, err error) {
	metrics.DirectoryErrors.WithLabelValues(op).Inc()
	m.logger.Warn().Err(err).Str("op", op).Msg("Directory operation failed, continuing")
}
