// Package metrics wraps the Prometheus collectors exposed by chatd.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the server's Prometheus collectors.
type Registry struct {
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected prometheus.Counter
	AcceptErrors        prometheus.Counter
	MessagesForwarded   prometheus.Counter
	MessagesDelivered   prometheus.Counter
	RoomSendFailures    prometheus.Counter
}

// NewRegistry creates and registers the collectors on the default
// Prometheus registry.
func NewRegistry() *Registry {
	return &Registry{
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chat_connections_active",
			Help: "Number of active chat connections",
		}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total number of accepted connections",
		}),
		ConnectionsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chat_connections_rejected_total",
			Help: "Total number of connections rejected by admission control",
		}),
		AcceptErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chat_accept_errors_total",
			Help: "Total number of listener accept errors",
		}),
		MessagesForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_forwarded_total",
			Help: "Total number of events forwarded into the room queue",
		}),
		MessagesDelivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_delivered_total",
			Help: "Total number of per-user deliveries completed by the dispatcher",
		}),
		RoomSendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chat_room_send_failures_total",
			Help: "Total number of room sends that failed or timed out",
		}),
	}
}

// Handler returns the HTTP handler exposing the metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}
