package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedClients tracks websocket clients joined to a room on this instance.
	ConnectedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strudual_relay_connected_clients",
			Help: "Number of websocket clients joined to a room on this instance",
		},
	)

	// ActiveRooms tracks rooms with at least one local client.
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strudual_relay_active_rooms",
			Help: "Number of rooms with at least one client on this instance",
		},
	)

	// MessagesTotal counts relayed messages by type and direction (in/out).
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strudual_relay_messages_total",
			Help: "Relayed messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	// RejectedTotal counts client messages or connections the relay refused.
	RejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strudual_relay_rejected_total",
			Help: "Refused connections and messages by reason",
		},
		[]string{"reason"},
	)

	// BusErrors counts failed bus and store calls.
	BusErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strudual_relay_backend_errors_total",
			Help: "Failed bus and store operations by operation",
		},
		[]string{"operation"},
	)
)
