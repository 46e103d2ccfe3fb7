package router

import (
	"encoding/json"
	"time"
)

// Envelope types carried on KVPS pub/sub between nodes.
const (
	TypeDirectMessage  = "direct_message"
	TypeBroadcast      = "broadcast"
	TypeChannelMessage = "channel_message"
)

// Envelope is the cross-node wire format. The message field carries the
// already-encoded client frame; the router never looks inside it.
//
// targetNodes lets a receiver drop a channel message when its route
// subscription is stale relative to the authoritative node set at
// publish time.
type Envelope struct {
	Type            string          `json:"type"`
	Channel         string          `json:"channel,omitempty"`
	ClientID        string          `json:"clientId,omitempty"`
	Message         json.RawMessage `json:"message"`
	ExcludeClientID string          `json:"excludeClientId,omitempty"`
	FromNode        string          `json:"fromNode"`
	TargetNodes     []string        `json:"targetNodes,omitempty"`
	Timestamp       int64           `json:"timestamp"`
}

func newEnvelope(envType string, message json.RawMessage, fromNode string) Envelope {
	return Envelope{
		Type:      envType,
		Message:   message,
		FromNode:  fromNode,
		Timestamp: time.Now().UnixMilli(),
	}
}

func (e Envelope) targetsNode(nodeID string) bool {
	for _, n := range e.TargetNodes {
		if n == nodeID {
			return true
		}
	}
	return false
}
