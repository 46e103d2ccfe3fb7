package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/connorhoehn/websocket-gateway/internal/logging"
)

// presenceChannel is the per-service sub-namespace; the router treats
// the prefixed name as an opaque channel.
func presenceChannel(channel string) string { return "presence:" + channel }

var presenceStatuses = map[string]bool{
	"online":  true,
	"away":    true,
	"busy":    true,
	"offline": true,
}

type presenceRecord struct {
	Status   string
	LastSeen time.Time
	// Channels the client associated itself with via set; presence
	// changes are published to each.
	Channels map[string]struct{}
}

// Presence tracks per-client status with a lastSeen timestamp. A
// background sweeper marks clients offline after PresenceTimeout of no
// heartbeat, exactly once per online period.
type Presence struct {
	sender  Sender
	logger  zerolog.Logger
	timeout time.Duration
	clock   func() time.Time

	mu      sync.Mutex
	records map[string]*presenceRecord

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewPresence(sender Sender, timeout time.Duration, logger zerolog.Logger) *Presence {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Presence{
		sender:  sender,
		logger:  logger.With().Str("component", "presence").Logger(),
		timeout: timeout,
		clock:   time.Now,
		records: make(map[string]*presenceRecord),
		stop:    make(chan struct{}),
	}
}

func (p *Presence) Name() string { return "presence" }

// Start launches the expiry sweeper.
func (p *Presence) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer logging.RecoverPanic(p.logger, "presenceSweeper", nil)

		ticker := time.NewTicker(p.timeout / 2)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				p.sweep(context.Background())
			}
		}
	}()
}

func (p *Presence) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Presence) HandleAction(ctx context.Context, clientID, action string, data json.RawMessage) error {
	switch action {
	case "set":
		return p.set(ctx, clientID, data)
	case "get":
		return p.get(ctx, clientID, data)
	case "subscribe":
		return p.subscribe(ctx, clientID, data)
	case "unsubscribe":
		return p.unsubscribe(ctx, clientID, data)
	case "heartbeat":
		return p.heartbeat(ctx, clientID)
	default:
		return ErrUnknownAction
	}
}

func (p *Presence) set(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Status   string   `json:"status"`
		Channels []string `json:"channels"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !presenceStatuses[req.Status] {
		p.sender.SendToClient(ctx, clientID, fail("presence", "set", "status must be one of: online, away, busy, offline"))
		return nil
	}
	for _, ch := range req.Channels {
		if !validChannel(ch) {
			p.sender.SendToClient(ctx, clientID, fail("presence", "set", "channel names must be 1-50 characters"))
			return nil
		}
	}

	p.mu.Lock()
	rec, exists := p.records[clientID]
	if !exists {
		rec = &presenceRecord{Channels: make(map[string]struct{})}
		p.records[clientID] = rec
	}
	rec.Status = req.Status
	rec.LastSeen = p.clock()
	// Associating channels does not subscribe the client to
	// presence:<ch>; that takes an explicit subscribe action.
	for _, ch := range req.Channels {
		rec.Channels[ch] = struct{}{}
	}
	channels := make([]string, 0, len(rec.Channels))
	for ch := range rec.Channels {
		channels = append(channels, ch)
	}
	lastSeen := rec.LastSeen
	p.mu.Unlock()

	for _, ch := range channels {
		p.publishUpdate(ctx, ch, clientID, req.Status, lastSeen)
	}

	p.sender.SendToClient(ctx, clientID, ok("presence", "set", map[string]any{
		"status":   req.Status,
		"channels": channels,
	}))
	return nil
}

func (p *Presence) get(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !validChannel(req.Channel) {
		p.sender.SendToClient(ctx, clientID, fail("presence", "get", "channel is required (1-50 characters)"))
		return nil
	}

	p.sender.SendToClient(ctx, clientID, ok("presence", "get", map[string]any{
		"channel":  req.Channel,
		"presence": p.channelTable(req.Channel),
	}))
	return nil
}

func (p *Presence) subscribe(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !validChannel(req.Channel) {
		p.sender.SendToClient(ctx, clientID, fail("presence", "subscribe", "channel is required (1-50 characters)"))
		return nil
	}

	if err := p.sender.SubscribeToChannel(ctx, clientID, presenceChannel(req.Channel)); err != nil {
		p.sender.SendToClient(ctx, clientID, fail("presence", "subscribe", "failed to subscribe"))
		return nil
	}

	p.sender.SendToClient(ctx, clientID, ok("presence", "subscribe", map[string]any{
		"channel":  req.Channel,
		"presence": p.channelTable(req.Channel),
	}))
	return nil
}

func (p *Presence) unsubscribe(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !validChannel(req.Channel) {
		p.sender.SendToClient(ctx, clientID, fail("presence", "unsubscribe", "channel is required (1-50 characters)"))
		return nil
	}

	_ = p.sender.UnsubscribeFromChannel(ctx, clientID, presenceChannel(req.Channel))
	p.sender.SendToClient(ctx, clientID, ok("presence", "unsubscribe", map[string]any{"channel": req.Channel}))
	return nil
}

func (p *Presence) heartbeat(ctx context.Context, clientID string) error {
	p.mu.Lock()
	if rec, exists := p.records[clientID]; exists {
		rec.LastSeen = p.clock()
	}
	p.mu.Unlock()

	p.sender.SendToClient(ctx, clientID, ok("presence", "heartbeat", nil))
	return nil
}

// sweep transitions clients whose lastSeen is older than the timeout to
// offline, exactly once, and announces the change on every channel the
// client is associated with.
func (p *Presence) sweep(ctx context.Context) {
	type expired struct {
		clientID string
		channels []string
		lastSeen time.Time
	}

	cutoff := p.clock().Add(-p.timeout)

	p.mu.Lock()
	var stale []expired
	for clientID, rec := range p.records {
		if rec.Status == "offline" || rec.LastSeen.After(cutoff) {
			continue
		}
		rec.Status = "offline"
		channels := make([]string, 0, len(rec.Channels))
		for ch := range rec.Channels {
			channels = append(channels, ch)
		}
		stale = append(stale, expired{clientID: clientID, channels: channels, lastSeen: rec.LastSeen})
	}
	p.mu.Unlock()

	for _, e := range stale {
		p.logger.Debug().Str("client_id", e.clientID).Msg("Presence expired, marking offline")
		for _, ch := range e.channels {
			p.publishUpdate(ctx, ch, e.clientID, "offline", e.lastSeen)
		}
	}
}

func (p *Presence) publishUpdate(ctx context.Context, channel, clientID, status string, lastSeen time.Time) {
	p.sender.SendToChannel(ctx, presenceChannel(channel), event("presence", "update", map[string]any{
		"channel":  channel,
		"clientId": clientID,
		"status":   status,
		"lastSeen": lastSeen.UTC().Format(time.RFC3339),
	}), "")
}

// channelTable snapshots the presence records associated with a channel.
func (p *Presence) channelTable(channel string) []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	table := []map[string]any{}
	for clientID, rec := range p.records {
		if _, ok := rec.Channels[channel]; !ok {
			continue
		}
		table = append(table, map[string]any{
			"clientId": clientID,
			"status":   rec.Status,
			"lastSeen": rec.LastSeen.UTC().Format(time.RFC3339),
		})
	}
	return table
}

func (p *Presence) OnClientDisconnect(ctx context.Context, clientID string) {
	p.mu.Lock()
	rec, exists := p.records[clientID]
	var channels []string
	var lastSeen time.Time
	if exists {
		for ch := range rec.Channels {
			channels = append(channels, ch)
		}
		lastSeen = rec.LastSeen
		delete(p.records, clientID)
	}
	p.mu.Unlock()

	if !exists {
		return
	}
	for _, ch := range channels {
		p.publishUpdate(ctx, ch, clientID, "offline", lastSeen)
	}
}

func (p *Presence) Stats() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	online := 0
	for _, rec := range p.records {
		if rec.Status != "offline" {
			online++
		}
	}
	return map[string]any{
		"tracked": len(p.records),
		"online":  online,
	}
}
