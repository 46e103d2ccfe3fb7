package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	chatHistoryMax    = 100
	chatHistoryReplay = 20
)

// ChatMessage is one stamped chat entry in a channel's history tail.
type ChatMessage struct {
	ID        string            `json:"id"`
	ClientID  string            `json:"clientId"`
	Channel   string            `json:"channel"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Chat implements channel-based messaging with a small in-memory
// history tail per channel. History lives on the node that accepted the
// send; a client reconnecting to a different node sees that node's tail.
type Chat struct {
	sender Sender
	logger zerolog.Logger

	mu sync.Mutex
	// history keeps the most recent messages per channel, oldest first.
	history map[string][]ChatMessage
	// joined tracks which channels each local client joined; send is
	// authorized only for joined channels.
	joined map[string]map[string]struct{}
}

func NewChat(sender Sender, logger zerolog.Logger) *Chat {
	return &Chat{
		sender:  sender,
		logger:  logger.With().Str("component", "chat").Logger(),
		history: make(map[string][]ChatMessage),
		joined:  make(map[string]map[string]struct{}),
	}
}

func (c *Chat) Name() string { return "chat" }

func (c *Chat) HandleAction(ctx context.Context, clientID, action string, data json.RawMessage) error {
	switch action {
	case "join":
		return c.join(ctx, clientID, data)
	case "leave":
		return c.leave(ctx, clientID, data)
	case "send":
		return c.send(ctx, clientID, data)
	case "history":
		return c.getHistory(ctx, clientID, data)
	default:
		return ErrUnknownAction
	}
}

func (c *Chat) join(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !validChannel(req.Channel) {
		c.sender.SendToClient(ctx, clientID, fail("chat", "join", "channel is required (1-50 characters)"))
		return nil
	}

	if err := c.sender.SubscribeToChannel(ctx, clientID, req.Channel); err != nil {
		c.sender.SendToClient(ctx, clientID, fail("chat", "join", "failed to join channel"))
		return nil
	}

	c.mu.Lock()
	if c.joined[clientID] == nil {
		c.joined[clientID] = make(map[string]struct{})
	}
	c.joined[clientID][req.Channel] = struct{}{}
	replay := c.tailLocked(req.Channel, chatHistoryReplay)
	c.mu.Unlock()

	c.sender.SendToClient(ctx, clientID, ok("chat", "join", map[string]any{
		"channel": req.Channel,
		"history": replay,
	}))
	return nil
}

func (c *Chat) leave(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !validChannel(req.Channel) {
		c.sender.SendToClient(ctx, clientID, fail("chat", "leave", "channel is required (1-50 characters)"))
		return nil
	}

	c.mu.Lock()
	delete(c.joined[clientID], req.Channel)
	if len(c.joined[clientID]) == 0 {
		delete(c.joined, clientID)
	}
	c.mu.Unlock()

	_ = c.sender.UnsubscribeFromChannel(ctx, clientID, req.Channel)
	c.sender.SendToClient(ctx, clientID, ok("chat", "leave", map[string]any{"channel": req.Channel}))
	return nil
}

func (c *Chat) send(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Channel  string            `json:"channel"`
		Message  string            `json:"message"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !validChannel(req.Channel) {
		c.sender.SendToClient(ctx, clientID, fail("chat", "send", "channel is required (1-50 characters)"))
		return nil
	}
	if n := utf8.RuneCountInString(req.Message); n < 1 || n > maxMessageLen {
		c.sender.SendToClient(ctx, clientID, fail("chat", "send", "message must be 1-1000 characters"))
		return nil
	}

	c.mu.Lock()
	_, authorized := c.joined[clientID][req.Channel]
	c.mu.Unlock()
	if !authorized {
		c.sender.SendToClient(ctx, clientID, fail("chat", "send", "not joined to channel "+req.Channel))
		return nil
	}

	msg := ChatMessage{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Channel:   req.Channel,
		Message:   req.Message,
		Metadata:  req.Metadata,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.mu.Lock()
	tail := append(c.history[req.Channel], msg)
	if len(tail) > chatHistoryMax {
		tail = tail[len(tail)-chatHistoryMax:]
	}
	c.history[req.Channel] = tail
	c.mu.Unlock()

	c.sender.SendToChannel(ctx, req.Channel, event("chat", "message", map[string]any{
		"channel": req.Channel,
		"message": msg,
	}), "")

	c.sender.SendToClient(ctx, clientID, ok("chat", "sent", map[string]any{
		"channel":   req.Channel,
		"messageId": msg.ID,
	}))
	return nil
}

func (c *Chat) getHistory(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !validChannel(req.Channel) {
		c.sender.SendToClient(ctx, clientID, fail("chat", "history", "channel is required (1-50 characters)"))
		return nil
	}

	c.mu.Lock()
	tail := c.tailLocked(req.Channel, chatHistoryReplay)
	c.mu.Unlock()

	c.sender.SendToClient(ctx, clientID, ok("chat", "history", map[string]any{
		"channel": req.Channel,
		"history": tail,
	}))
	return nil
}

// tailLocked returns a copy of the most recent n messages, oldest first.
func (c *Chat) tailLocked(channel string, n int) []ChatMessage {
	tail := c.history[channel]
	if len(tail) > n {
		tail = tail[len(tail)-n:]
	}
	out := make([]ChatMessage, len(tail))
	copy(out, tail)
	return out
}

func (c *Chat) OnClientDisconnect(ctx context.Context, clientID string) {
	c.mu.Lock()
	delete(c.joined, clientID)
	c.mu.Unlock()
}

func (c *Chat) Stats() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, tail := range c.history {
		total += len(tail)
	}
	return map[string]any{
		"channels":        len(c.history),
		"historyMessages": total,
	}
}
