// ABOUTME: Prometheus metrics for the gateway: sessions, traffic, auth, evictions
// ABOUTME: Registered via promauto on the default registry; served over HTTP

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ActiveSessions is the number of currently live sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mesh_gateway_active_sessions",
		Help: "Number of currently connected sessions",
	})

	// TotalConnections counts connections accepted since start.
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_gateway_connections_total",
		Help: "Total number of connections accepted",
	})

	// MessagesReceived counts inbound frames.
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_gateway_messages_received_total",
		Help: "Total number of frames received from clients",
	})

	// MessagesSent counts outbound frames.
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_gateway_messages_sent_total",
		Help: "Total number of frames sent to clients",
	})

	// NotificationsDropped counts notifications dropped due to full queues.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_gateway_notifications_dropped_total",
		Help: "Total number of notifications dropped due to full outbound queues",
	})

	// AuthSuccess counts successful authentications.
	AuthSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_gateway_auth_success_total",
		Help: "Total number of successful authentications",
	})

	// AuthFailures counts failed authentications by reason.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_gateway_auth_failures_total",
		Help: "Total number of failed authentications",
	}, []string{"reason"})

	// HeartbeatEvictions counts sessions evicted for inactivity.
	HeartbeatEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_gateway_heartbeat_evictions_total",
		Help: "Total number of sessions evicted after missing heartbeats",
	})

	// PublishesTotal counts channel publishes by outcome.
	PublishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mesh_gateway_publishes_total",
		Help: "Total number of channel publishes",
	}, []string{"outcome"})
)

// Handler returns the HTTP handler serving the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
