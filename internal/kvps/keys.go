package kvps

// Persisted keyspace. Everything the gateway writes lives under the
// "websocket:" prefix so a shared store can host other tenants.
//
//	websocket:nodes                      → set<nodeId>
//	websocket:node:<nodeId>:info         → hash
//	websocket:node:<nodeId>:heartbeat    → hash (TTL 3×heartbeat interval)
//	websocket:node:<nodeId>:clients      → set<clientId>
//	websocket:node:<nodeId>:channels     → set<channel>
//	websocket:client:<clientId>:node     → string(nodeId)
//	websocket:client:<clientId>:channels → set<channel>
//	websocket:client:<clientId>:metadata → hash
//	websocket:channel:<channel>:nodes    → set<nodeId>
//	websocket:route:<channel>            → pub/sub
//	websocket:direct:<nodeId>            → pub/sub
//	websocket:broadcast:all              → pub/sub

const (
	// KeyNodes is the active-nodes set.
	KeyNodes = "websocket:nodes"

	// BroadcastChannel carries global broadcasts; subscribed by all nodes.
	BroadcastChannel = "websocket:broadcast:all"
)

func NodeInfoKey(nodeID string) string      { return "websocket:node:" + nodeID + ":info" }
func NodeHeartbeatKey(nodeID string) string { return "websocket:node:" + nodeID + ":heartbeat" }
func NodeClientsKey(nodeID string) string   { return "websocket:node:" + nodeID + ":clients" }
func NodeChannelsKey(nodeID string) string  { return "websocket:node:" + nodeID + ":channels" }

func ClientNodeKey(clientID string) string     { return "websocket:client:" + clientID + ":node" }
func ClientChannelsKey(clientID string) string { return "websocket:client:" + clientID + ":channels" }
func ClientMetadataKey(clientID string) string { return "websocket:client:" + clientID + ":metadata" }

func ChannelNodesKey(channel string) string { return "websocket:channel:" + channel + ":nodes" }

// RouteChannel is the pub/sub topic carrying one logical channel's
// cross-node traffic; subscribed only by nodes hosting a subscriber.
func RouteChannel(channel string) string { return "websocket:route:" + channel }

// DirectChannel is the pub/sub topic for direct-to-client routing,
// subscribed by exactly one node.
func DirectChannel(nodeID string) string { return "websocket:direct:" + nodeID }
