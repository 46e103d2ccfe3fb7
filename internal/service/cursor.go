package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/connorhoehn/websocket-gateway/internal/logging"
	"github.com/connorhoehn/websocket-gateway/internal/metrics"
)

func cursorChannel(channel string) string { return "cursor:" + channel }

// CursorPosition carries the mode-dependent coordinates.
// freeform: {x,y}; table: {row,col}; text: {position}; canvas: {x,y,tool}.
type CursorPosition struct {
	Mode     string   `json:"mode,omitempty"`
	X        *float64 `json:"x,omitempty"`
	Y        *float64 `json:"y,omitempty"`
	Row      *int     `json:"row,omitempty"`
	Col      *int     `json:"col,omitempty"`
	Position *int     `json:"position,omitempty"`
	Tool     string   `json:"tool,omitempty"`
}

func (p CursorPosition) valid() bool {
	switch p.Mode {
	case "freeform":
		return p.X != nil && p.Y != nil
	case "table":
		return p.Row != nil && p.Col != nil
	case "text":
		return p.Position != nil
	case "canvas":
		return p.X != nil && p.Y != nil && p.Tool != ""
	case "":
		// No explicit mode: accept any complete shape.
		return (p.X != nil && p.Y != nil) || (p.Row != nil && p.Col != nil) || p.Position != nil
	default:
		return false
	}
}

type cursorEntry struct {
	ClientID  string            `json:"clientId"`
	Channel   string            `json:"channel"`
	Position  CursorPosition    `json:"position"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// CursorConfig tunes throttling and expiry.
type CursorConfig struct {
	TTL             time.Duration // entry lifetime without updates
	CleanupInterval time.Duration // sweeper period
	Throttle        time.Duration // minimum gap between updates per client
}

// Cursor tracks live cursor positions per channel. Updates are
// rate-limited per client at the ingress side; entries expire after TTL
// and a sweeper broadcasts exactly one remove event per expiry.
type Cursor struct {
	sender Sender
	logger zerolog.Logger
	cfg    CursorConfig
	clock  func() time.Time

	mu       sync.Mutex
	cursors  map[string]map[string]*cursorEntry // channel → clientID → entry
	limiters map[string]*rate.Limiter

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewCursor(sender Sender, cfg CursorConfig, logger zerolog.Logger) *Cursor {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Second
	}
	if cfg.Throttle <= 0 {
		cfg.Throttle = 250 * time.Millisecond
	}
	return &Cursor{
		sender:   sender,
		logger:   logger.With().Str("component", "cursor").Logger(),
		cfg:      cfg,
		clock:    time.Now,
		cursors:  make(map[string]map[string]*cursorEntry),
		limiters: make(map[string]*rate.Limiter),
		stop:     make(chan struct{}),
	}
}

func (c *Cursor) Name() string { return "cursor" }

// Start launches the expiry sweeper.
func (c *Cursor) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer logging.RecoverPanic(c.logger, "cursorSweeper", nil)

		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.sweep(context.Background())
			}
		}
	}()
}

func (c *Cursor) Stop() {
	close(c.stop)
	c.wg.Wait()
}

func (c *Cursor) HandleAction(ctx context.Context, clientID, action string, data json.RawMessage) error {
	switch action {
	case "update":
		return c.update(ctx, clientID, data)
	case "subscribe":
		return c.subscribe(ctx, clientID, data)
	case "unsubscribe":
		return c.unsubscribe(ctx, clientID, data)
	case "get":
		return c.get(ctx, clientID, data)
	default:
		return ErrUnknownAction
	}
}

func (c *Cursor) update(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Channel  string            `json:"channel"`
		Position CursorPosition    `json:"position"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !validChannel(req.Channel) {
		c.sender.SendToClient(ctx, clientID, fail("cursor", "update", "channel is required (1-50 characters)"))
		return nil
	}
	if !req.Position.valid() {
		c.sender.SendToClient(ctx, clientID, fail("cursor", "update", "position shape does not match any mode"))
		return nil
	}

	// Throttle before any state change; excess updates are silently
	// dropped per the rate-limit policy.
	if !c.limiter(clientID).Allow() {
		metrics.CursorThrottled.Inc()
		return nil
	}

	entry := &cursorEntry{
		ClientID:  clientID,
		Channel:   req.Channel,
		Position:  req.Position,
		Metadata:  req.Metadata,
		UpdatedAt: c.clock(),
	}

	c.mu.Lock()
	if c.cursors[req.Channel] == nil {
		c.cursors[req.Channel] = make(map[string]*cursorEntry)
	}
	c.cursors[req.Channel][clientID] = entry
	c.mu.Unlock()

	// No excludeClientId: the sender hears its own echo, confirming
	// the throttle accepted the update.
	c.sender.SendToChannel(ctx, cursorChannel(req.Channel), event("cursor", "update", entry), "")
	return nil
}

func (c *Cursor) subscribe(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !validChannel(req.Channel) {
		c.sender.SendToClient(ctx, clientID, fail("cursor", "subscribe", "channel is required (1-50 characters)"))
		return nil
	}

	if err := c.sender.SubscribeToChannel(ctx, clientID, cursorChannel(req.Channel)); err != nil {
		c.sender.SendToClient(ctx, clientID, fail("cursor", "subscribe", "failed to subscribe"))
		return nil
	}

	c.sender.SendToClient(ctx, clientID, ok("cursor", "subscribe", map[string]any{
		"channel": req.Channel,
		"cursors": c.channelCursors(req.Channel),
	}))
	return nil
}

func (c *Cursor) unsubscribe(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !validChannel(req.Channel) {
		c.sender.SendToClient(ctx, clientID, fail("cursor", "unsubscribe", "channel is required (1-50 characters)"))
		return nil
	}

	_ = c.sender.UnsubscribeFromChannel(ctx, clientID, cursorChannel(req.Channel))
	c.sender.SendToClient(ctx, clientID, ok("cursor", "unsubscribe", map[string]any{"channel": req.Channel}))
	return nil
}

func (c *Cursor) get(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !validChannel(req.Channel) {
		c.sender.SendToClient(ctx, clientID, fail("cursor", "get", "channel is required (1-50 characters)"))
		return nil
	}

	c.sender.SendToClient(ctx, clientID, ok("cursor", "get", map[string]any{
		"channel": req.Channel,
		"cursors": c.channelCursors(req.Channel),
	}))
	return nil
}

// sweep removes entries older than TTL and broadcasts one remove event
// per expired entry.
func (c *Cursor) sweep(ctx context.Context) {
	cutoff := c.clock().Add(-c.cfg.TTL)

	type removal struct {
		channel  string
		clientID string
	}

	c.mu.Lock()
	var removals []removal
	for channel, entries := range c.cursors {
		for clientID, entry := range entries {
			if entry.UpdatedAt.Before(cutoff) {
				delete(entries, clientID)
				removals = append(removals, removal{channel: channel, clientID: clientID})
			}
		}
		if len(entries) == 0 {
			delete(c.cursors, channel)
		}
	}
	c.mu.Unlock()

	for _, rm := range removals {
		c.sender.SendToChannel(ctx, cursorChannel(rm.channel), event("cursor", "remove", map[string]any{
			"channel":  rm.channel,
			"clientId": rm.clientID,
		}), "")
	}
}

func (c *Cursor) limiter(clientID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[clientID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.cfg.Throttle), 1)
		c.limiters[clientID] = lim
	}
	return lim
}

func (c *Cursor) channelCursors(channel string) []*cursorEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries := make([]*cursorEntry, 0, len(c.cursors[channel]))
	for _, entry := range c.cursors[channel] {
		entries = append(entries, entry)
	}
	return entries
}

// OnClientDisconnect drops the client's limiter and cursor entries,
// broadcasting a remove for each channel that still showed the cursor.
func (c *Cursor) OnClientDisconnect(ctx context.Context, clientID string) {
	c.mu.Lock()
	delete(c.limiters, clientID)
	var channels []string
	for channel, entries := range c.cursors {
		if _, ok := entries[clientID]; ok {
			delete(entries, clientID)
			channels = append(channels, channel)
		}
		if len(entries) == 0 {
			delete(c.cursors, channel)
		}
	}
	c.mu.Unlock()

	for _, channel := range channels {
		c.sender.SendToChannel(ctx, cursorChannel(channel), event("cursor", "remove", map[string]any{
			"channel":  channel,
			"clientId": clientID,
		}), "")
	}
}

func (c *Cursor) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, entries := range c.cursors {
		total += len(entries)
	}
	return map[string]any{
		"channels": len(c.cursors),
		"cursors":  total,
	}
}
