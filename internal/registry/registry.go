// Package registry holds the per-process map from client identifiers to
// their egress. It is the only component with direct access to the wire;
// everything above it addresses clients by id.
package registry

import (
	"encoding/json"
	"sync"
	"time"
)

// Egress is the write side of a client connection. Writes must be
// serialized per client by the implementation (the server's write pump
// does this with a buffered channel). Write returns an error when the
// connection is closed or the client's send queue overflowed.
type Egress interface {
	Write(payload []byte) error
}

// Conn is the registry's view of one local client.
type Conn struct {
	ClientID string
	Metadata map[string]string
	JoinedAt time.Time

	egress   Egress
	channels map[string]struct{}
}

// Registry maps clientId → connection state. Writes happen on the accept
// and cleanup paths only; reads dominate.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

func New() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add registers a local client. Re-adding an existing id replaces the
// previous entry.
func (r *Registry) Add(clientID string, egress Egress, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[clientID] = &Conn{
		ClientID: clientID,
		Metadata: metadata,
		JoinedAt: time.Now(),
		egress:   egress,
		channels: make(map[string]struct{}),
	}
}

// Remove drops a local client. Returns the channels it was subscribed to
// so the caller can release directory state. Idempotent.
func (r *Registry) Remove(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[clientID]
	if !ok {
		return nil
	}
	delete(r.conns, clientID)

	channels := make([]string, 0, len(conn.channels))
	for ch := range conn.channels {
		channels = append(channels, ch)
	}
	return channels
}

// Has reports whether the client is local.
func (r *Registry) Has(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[clientID]
	return ok
}

// Metadata returns the connect metadata for a local client.
func (r *Registry) Metadata(clientID string) (map[string]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[clientID]
	if !ok {
		return nil, false
	}
	return conn.Metadata, true
}

// AddChannel adds the channel to the client's set. Returns false when the
// client is unknown or already subscribed.
func (r *Registry) AddChannel(clientID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[clientID]
	if !ok {
		return false
	}
	if _, exists := conn.channels[channel]; exists {
		return false
	}
	conn.channels[channel] = struct{}{}
	return true
}

// RemoveChannel removes the channel from the client's set. Returns false
// when nothing was removed.
func (r *Registry) RemoveChannel(clientID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[clientID]
	if !ok {
		return false
	}
	if _, exists := conn.channels[channel]; !exists {
		return false
	}
	delete(conn.channels, channel)
	return true
}

// HasChannel reports whether the client subscribes to the channel.
func (r *Registry) HasChannel(clientID, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[clientID]
	if !ok {
		return false
	}
	_, exists := conn.channels[channel]
	return exists
}

// Count returns the number of local clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// SendToLocalClient writes the payload to the client's egress,
// JSON-encoding it unless it is already raw bytes. Returns false when
// the client is unknown or the write failed.
func (r *Registry) SendToLocalClient(clientID string, payload any) bool {
	r.mu.RLock()
	conn, ok := r.conns[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	data, ok := payload.([]byte)
	if !ok {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			return false
		}
	}

	return conn.egress.Write(data) == nil
}

// FanOut writes the payload to every local client subscribed to channel,
// skipping excludeClientID. Returns the ids of clients whose egress
// failed so the caller can unregister them.
func (r *Registry) FanOut(channel string, payload []byte, excludeClientID string) (delivered int, failed []string) {
	r.mu.RLock()
	var targets []*Conn
	for _, conn := range r.conns {
		if conn.ClientID == excludeClientID {
			continue
		}
		if _, ok := conn.channels[channel]; ok {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.egress.Write(payload); err != nil {
			failed = append(failed, conn.ClientID)
			continue
		}
		delivered++
	}
	return delivered, failed
}

// FanOutAll writes the payload to every local client except
// excludeClientID, for global broadcasts.
func (r *Registry) FanOutAll(payload []byte, excludeClientID string) (delivered int, failed []string) {
	r.mu.RLock()
	targets := make([]*Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.ClientID == excludeClientID {
			continue
		}
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.egress.Write(payload); err != nil {
			failed = append(failed, conn.ClientID)
			continue
		}
		delivered++
	}
	return delivered, failed
}
