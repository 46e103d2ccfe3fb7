// Package service implements the fan-out services riding on the router:
// chat, presence, cursor and reactions. Each service owns its own
// in-memory per-channel state on the node that handled the event; that
// state is deliberately not replicated across nodes.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"
	"unicode/utf8"
)

// ErrUnknownAction is returned by HandleAction for actions the service
// does not implement; the dispatcher turns it into a uniform error
// frame.
var ErrUnknownAction = errors.New("unknown action")

// Sender is the slice of the router services talk through.
type Sender interface {
	SendToChannel(ctx context.Context, channel string, payload any, excludeClientID string)
	SendToClient(ctx context.Context, clientID string, payload any)
	SubscribeToChannel(ctx context.Context, clientID, channel string) error
	UnsubscribeFromChannel(ctx context.Context, clientID, channel string) error
}

// Handler is the common capability every fan-out service implements.
// The service table is closed at startup.
type Handler interface {
	Name() string

	// HandleAction processes one client request and replies through the
	// Sender. Validation failures are answered by the service itself;
	// only an unknown action is reported back via ErrUnknownAction.
	HandleAction(ctx context.Context, clientID, action string, data json.RawMessage) error

	// OnClientDisconnect drops per-client state when the client enters
	// draining.
	OnClientDisconnect(ctx context.Context, clientID string)

	// Stats reports service-local counters for the stats endpoint.
	Stats() map[string]any
}

// Response is the uniform server→client frame shape shared by all
// services.
type Response struct {
	Type      string `json:"type"`
	Action    string `json:"action,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func ok(service, action string, data any) Response {
	success := true
	return Response{
		Type:      service,
		Action:    action,
		Success:   &success,
		Data:      data,
		Timestamp: now(),
	}
}

func fail(service, action, message string) Response {
	success := false
	return Response{
		Type:      service,
		Action:    action,
		Success:   &success,
		Error:     message,
		Timestamp: now(),
	}
}

// event builds a broadcast frame (no success flag; those are only for
// request/response pairs).
func event(service, action string, data any) Response {
	return Response{
		Type:      service,
		Action:    action,
		Data:      data,
		Timestamp: now(),
	}
}

// Limits are in characters, not bytes: channel names and messages are
// UTF-8 and a multi-byte name must not shrink the allowance.
const (
	maxChannelLen = 50
	maxMessageLen = 1000
)

func validChannel(channel string) bool {
	n := utf8.RuneCountInString(channel)
	return n >= 1 && n <= maxChannelLen
}
