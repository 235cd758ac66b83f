// Package metrics provides Prometheus instrumentation for the Mehfil
// realtime service. It exposes gauges for connection and online-user counts,
// counters for thought submission outcomes and classifier paths, and
// histograms for classifier latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active socket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mehfil_connections_total",
		Help: "Current number of active socket connections",
	})

	// OnlineUsers tracks the current number of registered users online.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mehfil_online_users",
		Help: "Current number of registered users online",
	})

	// ThoughtsTotal counts thought submissions by outcome: "accepted",
	// "rejected", "shadow", "banned".
	ThoughtsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mehfil_thoughts_total",
		Help: "Total number of thought submissions processed",
	}, []string{"outcome"})

	// ClassifierCalls counts classification calls by path: "model" or "fallback".
	ClassifierCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mehfil_classifier_calls_total",
		Help: "Total number of classifier invocations",
	}, []string{"path"})

	// ClassifierLatency records end-to-end classification latency in seconds.
	ClassifierLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mehfil_classifier_latency_seconds",
		Help:    "Classification latency in seconds",
		Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2, 4, 8},
	})

	// BroadcastsTotal counts room broadcasts by event type.
	BroadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mehfil_broadcasts_total",
		Help: "Total number of room broadcasts",
	}, []string{"event"})

	// ReactionToggles counts reaction toggles by direction: "on" or "off".
	ReactionToggles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mehfil_reaction_toggles_total",
		Help: "Total number of reaction toggles",
	}, []string{"direction"})

	// BanEscalations counts report-driven ban escalations by resulting level.
	BanEscalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mehfil_ban_escalations_total",
		Help: "Total number of posting ban escalations",
	}, []string{"level"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		ThoughtsTotal,
		ClassifierCalls,
		ClassifierLatency,
		BroadcastsTotal,
		ReactionToggles,
		BanEscalations,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
