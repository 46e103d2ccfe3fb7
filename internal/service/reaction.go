package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func reactionChannel(channel string) string { return "reactions:" + channel }

const reactionRingMax = 50

// reactionCatalog maps each allowed emoji to its client-side effect.
// The catalog is fixed; unknown emoji are rejected as input errors.
var reactionCatalog = map[string]string{
	"❤️": "float",
	"👍": "pop",
	"🎉": "confetti",
	"🔥": "flame",
	"👏": "clap",
	"😂": "bounce",
	"😮": "pulse",
	"🚀": "zoom",
}

type reactionEntry struct {
	ID        string            `json:"id"`
	ClientID  string            `json:"clientId"`
	Channel   string            `json:"channel"`
	Emoji     string            `json:"emoji"`
	Effect    string            `json:"effect"`
	Position  map[string]any    `json:"position,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// Reaction fans out ephemeral emoji reactions, keeping a short ring of
// recent reactions per channel.
type Reaction struct {
	sender Sender
	logger zerolog.Logger

	mu    sync.Mutex
	rings map[string][]reactionEntry
}

func NewReaction(sender Sender, logger zerolog.Logger) *Reaction {
	return &Reaction{
		sender: sender,
		logger: logger.With().Str("component", "reaction").Logger(),
		rings:  make(map[string][]reactionEntry),
	}
}

func (r *Reaction) Name() string { return "reaction" }

func (r *Reaction) HandleAction(ctx context.Context, clientID, action string, data json.RawMessage) error {
	switch action {
	case "subscribe":
		return r.subscribe(ctx, clientID, data)
	case "unsubscribe":
		return r.unsubscribe(ctx, clientID, data)
	case "send":
		return r.send(ctx, clientID, data)
	case "getAvailable":
		return r.getAvailable(ctx, clientID)
	default:
		return ErrUnknownAction
	}
}

func (r *Reaction) subscribe(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !validChannel(req.Channel) {
		r.sender.SendToClient(ctx, clientID, fail("reaction", "subscribe", "channel is required (1-50 characters)"))
		return nil
	}

	if err := r.sender.SubscribeToChannel(ctx, clientID, reactionChannel(req.Channel)); err != nil {
		r.sender.SendToClient(ctx, clientID, fail("reaction", "subscribe", "failed to subscribe"))
		return nil
	}

	r.mu.Lock()
	recent := make([]reactionEntry, len(r.rings[req.Channel]))
	copy(recent, r.rings[req.Channel])
	r.mu.Unlock()

	r.sender.SendToClient(ctx, clientID, ok("reaction", "subscribe", map[string]any{
		"channel": req.Channel,
		"recent":  recent,
	}))
	return nil
}

func (r *Reaction) unsubscribe(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !validChannel(req.Channel) {
		r.sender.SendToClient(ctx, clientID, fail("reaction", "unsubscribe", "channel is required (1-50 characters)"))
		return nil
	}

	_ = r.sender.UnsubscribeFromChannel(ctx, clientID, reactionChannel(req.Channel))
	r.sender.SendToClient(ctx, clientID, ok("reaction", "unsubscribe", map[string]any{"channel": req.Channel}))
	return nil
}

func (r *Reaction) send(ctx context.Context, clientID string, data json.RawMessage) error {
	var req struct {
		Channel  string            `json:"channel"`
		Emoji    string            `json:"emoji"`
		Position map[string]any    `json:"position"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(data, &req); err != nil || !validChannel(req.Channel) {
		r.sender.SendToClient(ctx, clientID, fail("reaction", "send", "channel is required (1-50 characters)"))
		return nil
	}

	effect, known := reactionCatalog[req.Emoji]
	if !known {
		r.sender.SendToClient(ctx, clientID, fail("reaction", "send", "unknown emoji"))
		return nil
	}

	entry := reactionEntry{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Channel:   req.Channel,
		Emoji:     req.Emoji,
		Effect:    effect,
		Position:  req.Position,
		Metadata:  req.Metadata,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	r.mu.Lock()
	ring := append(r.rings[req.Channel], entry)
	if len(ring) > reactionRingMax {
		ring = ring[len(ring)-reactionRingMax:]
	}
	r.rings[req.Channel] = ring
	r.mu.Unlock()

	r.sender.SendToChannel(ctx, reactionChannel(req.Channel), event("reaction", "reaction", entry), "")

	r.sender.SendToClient(ctx, clientID, ok("reaction", "reaction_sent", map[string]any{
		"channel":    req.Channel,
		"reactionId": entry.ID,
	}))
	return nil
}

func (r *Reaction) getAvailable(ctx context.Context, clientID string) error {
	catalog := make([]map[string]string, 0, len(reactionCatalog))
	for emoji, effect := range reactionCatalog {
		catalog = append(catalog, map[string]string{"emoji": emoji, "effect": effect})
	}

	r.sender.SendToClient(ctx, clientID, ok("reaction", "getAvailable", map[string]any{
		"reactions": catalog,
	}))
	return nil
}

func (r *Reaction) OnClientDisconnect(ctx context.Context, clientID string) {}

func (r *Reaction) Stats() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, ring := range r.rings {
		total += len(ring)
	}
	return map[string]any{
		"channels":  len(r.rings),
		"reactions": total,
	}
}
