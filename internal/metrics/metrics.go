package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the gateway. Registered once at startup and
// scraped via /metrics.
var (
	// Connection metrics
	ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_total",
		Help: "Total number of WebSocket connections established",
	})

	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_connections_failed_total",
		Help: "Total number of failed connection attempts",
	})

	DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_disconnects_total",
		Help: "Total disconnections by reason",
	}, []string{"reason"})

	// Message metrics
	MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_sent_total",
		Help: "Total number of messages written to client connections",
	})

	MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_messages_received_total",
		Help: "Total number of messages read from client connections",
	})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_sent_total",
		Help: "Total number of bytes written to client connections",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_bytes_received_total",
		Help: "Total number of bytes read from client connections",
	})

	// Routing metrics
	EnvelopesPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_router_envelopes_published_total",
		Help: "Cross-node envelopes published, by type",
	}, []string{"type"})

	EnvelopesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_router_envelopes_delivered_total",
		Help: "Cross-node envelopes delivered locally, by type",
	}, []string{"type"})

	EnvelopesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_router_envelopes_dropped_total",
		Help: "Cross-node envelopes dropped on arrival, by reason",
	}, []string{"reason"})

	LocalDeliveries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_router_local_deliveries_total",
		Help: "Payloads fanned out to local clients",
	})

	// Directory metrics
	DirectoryErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_directory_errors_total",
		Help: "KVPS directory operation failures, by operation",
	}, []string{"op"})

	HeartbeatsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_heartbeats_written_total",
		Help: "Node heartbeats written to the directory",
	})

	// Service metrics
	ServiceActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_service_actions_total",
		Help: "Service actions handled, by service, action and outcome",
	}, []string{"service", "action", "outcome"})

	CursorThrottled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ws_cursor_updates_throttled_total",
		Help: "Cursor updates dropped by the per-client throttle",
	})
)

// MustRegister registers all gateway collectors with the given registry.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		ConnectionsTotal,
		ConnectionsActive,
		ConnectionsFailed,
		DisconnectsTotal,
		MessagesSent,
		MessagesReceived,
		BytesSent,
		BytesReceived,
		EnvelopesPublished,
		EnvelopesDelivered,
		EnvelopesDropped,
		LocalDeliveries,
		DirectoryErrors,
		HeartbeatsWritten,
		ServiceActions,
		CursorThrottled,
	)
}
