package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatrelay",
		Name:      "active_connections",
		Help:      "Number of live websocket connections.",
	})

	activeUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatrelay",
		Name:      "active_users",
		Help:      "Number of distinct users with a live connection.",
	})

	messagesRelayed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Name:      "messages_relayed_total",
		Help:      "Messages fanned out to at least one live recipient.",
	})

	statusRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Name:      "status_rejected_total",
		Help:      "Status transitions rejected as out of order.",
	})

	supersededConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatrelay",
		Name:      "superseded_connections_total",
		Help:      "Stale connections kicked off after a user reconnected.",
	})
)

func init() {
	prometheus.MustRegister(
		activeConnections,
		activeUsers,
		messagesRelayed,
		statusRejected,
		supersededConnections,
	)
}
