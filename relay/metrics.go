package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roomsync"
const subsystem = "relay"

// each relay owns its registry, so several relays can run in one process
type relayMetrics struct {
	registry *prometheus.Registry

	rooms        prometheus.Gauge
	peers        prometheus.Gauge
	messages     *prometheus.CounterVec
	authRejected prometheus.Counter
	tokensIssued prometheus.Counter
	droppedPeers prometheus.Counter
}

func newRelayMetrics() *relayMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &relayMetrics{
		registry: registry,
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rooms",
			Help:      "Number of rooms with a replica on this relay",
		}),
		peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peers",
			Help:      "Number of connected peers",
		}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Sync messages by direction and type",
		}, []string{"direction", "type"}),
		authRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_rejected_total",
			Help:      "Room connections rejected for a missing or invalid token",
		}),
		tokensIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tokens_issued_total",
			Help:      "Tokens issued by the auth endpoint",
		}),
		droppedPeers: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_peers_total",
			Help:      "Peers disconnected because their send buffer was full",
		}),
	}
}
