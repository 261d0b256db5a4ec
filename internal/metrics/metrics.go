// Package metrics provides Prometheus instrumentation for the direct-messaging
// server: live connection and presence gauges, message and typing counters,
// and send latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Message outcomes.
const (
	OutcomeDelivered   = "delivered"    // persisted and pushed to a live recipient
	OutcomeStored      = "stored"       // persisted, recipient offline
	OutcomeRejected    = "rejected"     // validation, membership or rate limit
	OutcomePersistFail = "persist_fail" // persistence error, nothing pushed
)

var (
	// ConnectionsTotal tracks the current number of live connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_connections_total",
		Help: "Current number of live connections",
	})

	// OnlineUsers tracks the number of users in the presence registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dm_online_users",
		Help: "Current number of users with a registered live connection",
	})

	// MessagesTotal counts send attempts by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_messages_total",
		Help: "Total number of send attempts by outcome",
	}, []string{"outcome"})

	// SendLatency records time from send request to fan-out completion.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dm_send_latency_seconds",
		Help:    "Send latency from request to fan-out completion in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// TypingSignals counts typing notices forwarded, labeled by state.
	TypingSignals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_typing_signals_total",
		Help: "Typing notices forwarded to the other participant",
	}, []string{"state"}) // state = "start", "stop"

	// HTTPRequests counts REST requests by route and status code.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dm_http_requests_total",
		Help: "REST requests by route template and status code",
	}, []string{"route", "code"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		SendLatency,
		TypingSignals,
		HTTPRequests,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
