// Package router is the distributed routing core: it turns logical
// sends (to-channel, to-client, to-all) into the minimum set of KVPS
// publishes, and delivers inbound cross-node envelopes to the right
// local clients.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/connorhoehn/websocket-gateway/internal/cluster"
	"github.com/connorhoehn/websocket-gateway/internal/kvps"
	"github.com/connorhoehn/websocket-gateway/internal/metrics"
	"github.com/connorhoehn/websocket-gateway/internal/registry"
)

// DisconnectHook runs when a local client enters draining, before its
// directory entries are removed. Services use it to drop per-client
// state and announce departures.
type DisconnectHook func(ctx context.Context, clientID string)

// Router wires the connection registry, the cluster directory and the
// KVPS pub/sub together.
//
// Publishes go out on the store's publisher connection; inbound
// envelopes arrive on subscription callbacks. The route subscription
// for a channel is held exactly once per process regardless of how
// many local clients joined it, refcounted by local population.
type Router struct {
	store    kvps.Store
	cluster  *cluster.Manager
	registry *registry.Registry
	logger   zerolog.Logger

	mu        sync.Mutex
	routeRefs map[string]int
	draining  map[string]struct{}

	hooks   []DisconnectHook
	hooksMu sync.RWMutex
}

func New(store kvps.Store, cl *cluster.Manager, reg *registry.Registry, logger zerolog.Logger) *Router {
	return &Router{
		store:     store,
		cluster:   cl,
		registry:  reg,
		logger:    logger.With().Str("component", "router").Logger(),
		routeRefs: make(map[string]int),
		draining:  make(map[string]struct{}),
	}
}

// AddDisconnectHook registers a hook invoked for every draining client.
// Hooks must be registered before clients connect.
func (r *Router) AddDisconnectHook(hook DisconnectHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Start subscribes this node's direct channel and the global broadcast
// channel. In standalone mode there is nothing to subscribe to.
func (r *Router) Start() error {
	if r.cluster.Standalone() {
		return nil
	}
	if err := r.store.Subscribe(kvps.DirectChannel(r.cluster.NodeID()), r.handleInbound); err != nil {
		return err
	}
	if err := r.store.Subscribe(kvps.BroadcastChannel, r.handleInbound); err != nil {
		return err
	}
	return nil
}

// Stop releases every pub/sub subscription this router holds.
func (r *Router) Stop() {
	r.mu.Lock()
	channels := make([]string, 0, len(r.routeRefs))
	for ch := range r.routeRefs {
		channels = append(channels, ch)
	}
	r.routeRefs = make(map[string]int)
	r.mu.Unlock()

	for _, ch := range channels {
		if err := r.store.Unsubscribe(kvps.RouteChannel(ch)); err != nil {
			r.logger.Warn().Err(err).Str("channel", ch).Msg("Failed to release route subscription")
		}
	}
	_ = r.store.Unsubscribe(kvps.DirectChannel(r.cluster.NodeID()))
	_ = r.store.Unsubscribe(kvps.BroadcastChannel)
}

// RegisterLocalClient stores the egress handle and announces ownership
// of the client in the directory.
func (r *Router) RegisterLocalClient(ctx context.Context, clientID string, egress registry.Egress, metadata map[string]string) {
	r.registry.Add(clientID, egress, metadata)
	r.cluster.RegisterClient(ctx, clientID, metadata)
	r.logger.Debug().Str("client_id", clientID).Msg("Local client registered")
}

// UnregisterLocalClient drains a local client: service hooks run first,
// then each channel subscription is released (dropping the KVPS route
// subscription when this was the last local subscriber), then the
// directory forgets the client. Idempotent and safe to call while the
// underlying connection is already closed.
func (r *Router) UnregisterLocalClient(ctx context.Context, clientID string) {
	if !r.registry.Has(clientID) {
		return
	}

	// An egress failure during a hook's farewell broadcast would
	// re-enter this method for the same client; the draining set makes
	// that re-entry a no-op.
	r.mu.Lock()
	if _, busy := r.draining[clientID]; busy {
		r.mu.Unlock()
		return
	}
	r.draining[clientID] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.draining, clientID)
		r.mu.Unlock()
	}()

	r.hooksMu.RLock()
	hooks := r.hooks
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, clientID)
	}

	for _, channel := range r.registry.Remove(clientID) {
		lastLocal := r.releaseRoute(channel)
		r.cluster.UnsubscribeClientFromChannel(ctx, clientID, channel, lastLocal)
	}

	r.cluster.UnregisterClient(ctx, clientID)
	r.logger.Debug().Str("client_id", clientID).Msg("Local client unregistered")
}

// SubscribeToChannel adds the channel to the client's set and ensures
// this process holds the route subscription exactly once. Re-issuing an
// existing subscription is a no-op.
func (r *Router) SubscribeToChannel(ctx context.Context, clientID, channel string) error {
	if !r.registry.AddChannel(clientID, channel) {
		if !r.registry.Has(clientID) {
			return errors.New("unknown client")
		}
		return nil // already subscribed
	}

	r.cluster.SubscribeClientToChannel(ctx, clientID, channel)
	r.acquireRoute(channel)
	return nil
}

// UnsubscribeFromChannel is the inverse; the process drops the KVPS
// route subscription iff no local client still needs it.
func (r *Router) UnsubscribeFromChannel(ctx context.Context, clientID, channel string) error {
	if !r.registry.RemoveChannel(clientID, channel) {
		return nil
	}
	lastLocal := r.releaseRoute(channel)
	r.cluster.UnsubscribeClientFromChannel(ctx, clientID, channel, lastLocal)
	return nil
}

func (r *Router) acquireRoute(channel string) {
	r.mu.Lock()
	r.routeRefs[channel]++
	first := r.routeRefs[channel] == 1
	r.mu.Unlock()

	if !first || r.cluster.Standalone() {
		return
	}
	if err := r.store.Subscribe(kvps.RouteChannel(channel), r.handleInbound); err != nil {
		r.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to subscribe to route channel")
	}
}

// releaseRoute decrements the channel's local refcount and reports
// whether this was the last local subscriber.
func (r *Router) releaseRoute(channel string) bool {
	r.mu.Lock()
	r.routeRefs[channel]--
	last := r.routeRefs[channel] <= 0
	if last {
		delete(r.routeRefs, channel)
	}
	r.mu.Unlock()

	if !last || r.cluster.Standalone() {
		return last
	}
	if err := r.store.Unsubscribe(kvps.RouteChannel(channel)); err != nil {
		r.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to unsubscribe from route channel")
	}
	return last
}

// SendToChannel fans a payload out to every subscriber of the channel,
// cluster-wide. The publish carries the authoritative target node set;
// receivers with stale route subscriptions filter on it. When no node
// serves the channel the message is dropped (best effort, no retry).
func (r *Router) SendToChannel(ctx context.Context, channel string, payload any, excludeClientID string) {
	data, err := encodePayload(payload)
	if err != nil {
		r.logger.Error().Err(err).Str("channel", channel).Msg("Failed to encode payload")
		return
	}

	if r.cluster.Standalone() {
		r.localFanOut(ctx, channel, data, excludeClientID)
		return
	}

	nodes, err := r.cluster.GetNodesForChannel(ctx, channel)
	if err != nil {
		// Directory down: degrade to local-only fan-out.
		r.localFanOut(ctx, channel, data, excludeClientID)
		return
	}
	if len(nodes) == 0 {
		r.logger.Debug().Str("channel", channel).Msg("No nodes serve channel, dropping message")
		return
	}

	env := newEnvelope(TypeChannelMessage, data, r.cluster.NodeID())
	env.Channel = channel
	env.ExcludeClientID = excludeClientID
	env.TargetNodes = nodes

	r.publish(ctx, kvps.RouteChannel(channel), env, func() {
		// Publish failed; local subscribers still get the message.
		r.localFanOut(ctx, channel, data, excludeClientID)
	})
}

// SendToClient delivers a payload to one client wherever it lives.
// Unknown clients are dropped with a warning; there is no retry.
func (r *Router) SendToClient(ctx context.Context, clientID string, payload any) {
	data, err := encodePayload(payload)
	if err != nil {
		r.logger.Error().Err(err).Str("client_id", clientID).Msg("Failed to encode payload")
		return
	}

	if r.registry.Has(clientID) {
		if !r.registry.SendToLocalClient(clientID, data) {
			r.UnregisterLocalClient(ctx, clientID)
		}
		metrics.LocalDeliveries.Inc()
		return
	}

	targetNode, err := r.cluster.GetClientNode(ctx, clientID)
	if err != nil {
		r.logger.Warn().Str("client_id", clientID).Msg("Client not in directory, dropping direct message")
		return
	}

	env := newEnvelope(TypeDirectMessage, data, r.cluster.NodeID())
	env.ClientID = clientID
	r.publish(ctx, kvps.DirectChannel(targetNode), env, nil)
}

// BroadcastToAll delivers a payload to every client on every node.
// The originator fans out locally and drops its own envelope when it
// arrives (dedup by fromNode).
func (r *Router) BroadcastToAll(ctx context.Context, payload any, excludeClientID string) {
	data, err := encodePayload(payload)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode payload")
		return
	}

	delivered, failed := r.registry.FanOutAll(data, excludeClientID)
	metrics.LocalDeliveries.Add(float64(delivered))
	for _, clientID := range failed {
		r.UnregisterLocalClient(ctx, clientID)
	}

	if r.cluster.Standalone() {
		return
	}

	env := newEnvelope(TypeBroadcast, data, r.cluster.NodeID())
	env.ExcludeClientID = excludeClientID
	r.publish(ctx, kvps.BroadcastChannel, env, nil)
}

func (r *Router) publish(ctx context.Context, kvpsChannel string, env Envelope, onError func()) {
	data, err := json.Marshal(env)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to encode envelope")
		return
	}
	if err := r.store.Publish(ctx, kvpsChannel, data); err != nil {
		metrics.DirectoryErrors.WithLabelValues("publish").Inc()
		r.logger.Warn().Err(err).Str("kvps_channel", kvpsChannel).Msg("Publish failed")
		if onError != nil {
			onError()
		}
		return
	}
	metrics.EnvelopesPublished.WithLabelValues(env.Type).Inc()
}

// handleInbound dispatches a cross-node envelope to local recipients.
// It runs on the KVPS subscriber's dispatch goroutine, so it must not
// block and must not publish on the subscriber connection (publishes
// triggered here go through the publisher connection).
func (r *Router) handleInbound(kvpsChannel string, payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		metrics.EnvelopesDropped.WithLabelValues("malformed").Inc()
		r.logger.Warn().Err(err).Str("kvps_channel", kvpsChannel).Msg("Malformed envelope")
		return
	}

	ctx := context.Background()

	switch env.Type {
	case TypeChannelMessage:
		if !env.targetsNode(r.cluster.NodeID()) {
			// Stale route subscription relative to the node set at
			// publish time; dropping here is what makes the
			// eventually-consistent directory benign.
			metrics.EnvelopesDropped.WithLabelValues("not_targeted").Inc()
			return
		}
		metrics.EnvelopesDelivered.WithLabelValues(env.Type).Inc()
		r.localFanOut(ctx, env.Channel, env.Message, env.ExcludeClientID)

	case TypeDirectMessage:
		if !r.registry.Has(env.ClientID) {
			metrics.EnvelopesDropped.WithLabelValues("client_gone").Inc()
			return
		}
		metrics.EnvelopesDelivered.WithLabelValues(env.Type).Inc()
		if !r.registry.SendToLocalClient(env.ClientID, []byte(env.Message)) {
			r.UnregisterLocalClient(ctx, env.ClientID)
		}

	case TypeBroadcast:
		if env.FromNode == r.cluster.NodeID() {
			// Originator already fanned out locally at publish time.
			return
		}
		metrics.EnvelopesDelivered.WithLabelValues(env.Type).Inc()
		delivered, failed := r.registry.FanOutAll(env.Message, env.ExcludeClientID)
		metrics.LocalDeliveries.Add(float64(delivered))
		for _, clientID := range failed {
			r.UnregisterLocalClient(ctx, clientID)
		}

	default:
		metrics.EnvelopesDropped.WithLabelValues("unknown_type").Inc()
	}
}

// localFanOut writes the payload to every local subscriber of channel.
// Clients whose egress fails are unregistered.
func (r *Router) localFanOut(ctx context.Context, channel string, payload []byte, excludeClientID string) {
	delivered, failed := r.registry.FanOut(channel, payload, excludeClientID)
	metrics.LocalDeliveries.Add(float64(delivered))
	for _, clientID := range failed {
		r.logger.Warn().Str("client_id", clientID).Str("channel", channel).
			Msg("Egress write failed, unregistering client")
		r.UnregisterLocalClient(ctx, clientID)
	}
}

// Stats reports router state for the stats endpoint.
func (r *Router) Stats() map[string]any {
	r.mu.Lock()
	routes := len(r.routeRefs)
	r.mu.Unlock()
	return map[string]any{
		"routeSubscriptions": routes,
		"localClients":       r.registry.Count(),
	}
}

func encodePayload(payload any) (json.RawMessage, error) {
	if data, ok := payload.([]byte); ok {
		return data, nil
	}
	if data, ok := payload.(json.RawMessage); ok {
		return data, nil
	}
	return json.Marshal(payload)
}
