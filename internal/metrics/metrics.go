// Package metrics provides Prometheus instrumentation for the chat hub. It
// exposes gauges for connection and presence counts, counters for event
// throughput and fan-out deliveries, and a histogram for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quickchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current size of the online presence set.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quickchat_online_users",
		Help: "Current number of users with at least one live connection",
	})

	// EventsTotal counts inbound client events, labeled by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quickchat_events_total",
		Help: "Total number of inbound client events processed",
	}, []string{"type"})

	// DeliveriesTotal counts outbound fan-out deliveries, labeled by outcome:
	// "sent" or "failed".
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quickchat_deliveries_total",
		Help: "Total number of fan-out deliveries attempted",
	}, []string{"outcome"})

	// FanoutLatency records the time to deliver one event to all recipients.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quickchat_fanout_latency_seconds",
		Help:    "Time to fan one event out to all recipient connections",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		DeliveriesTotal,
		FanoutLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
