// Package metrics exposes Prometheus collectors for the routing core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OnlineUsers tracks the current size of the Manager's online map.
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatcore",
		Name:      "online_users",
		Help:      "Number of currently authenticated, connected users.",
	})

	// RoomEndpoints counts the fresh room broadcast endpoints the Manager
	// has created. It is never decremented, so it is a lower bound on
	// endpoints ever opened, not a count of live ones.
	RoomEndpoints = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatcore",
		Name:      "room_endpoints",
		Help:      "Room broadcast endpoints created by the Manager (never decremented).",
	})

	// MessagesRouted counts frames routed through send_data, labeled by
	// target kind ("room" or "user").
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatcore",
		Name:      "messages_routed_total",
		Help:      "Frames routed to a room or direct endpoint.",
	}, []string{"target"})

	// BroadcastLag counts messages dropped due to a lagging room
	// subscriber.
	BroadcastLag = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatcore",
		Name:      "broadcast_lag_dropped_total",
		Help:      "Messages dropped because a room subscriber fell behind.",
	})

	// ConnectionsAccepted counts successful logins: the Client task
	// increments it when it answers a Login with an OK AuthResponse. A
	// connection that never authenticates is not counted, and a login
	// after Logout on the same connection is counted again.
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatcore",
		Name:      "connections_accepted_total",
		Help:      "Successful logins on accepted connections.",
	})

	// FileStreamsCompleted counts file streams that reached written==size.
	FileStreamsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatcore",
		Name:      "file_streams_completed_total",
		Help:      "File streams fully reassembled by the file-stream assembler.",
	})
)

// Handler returns the HTTP handler that serves the Prometheus exposition
// format, meant to be mounted at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
