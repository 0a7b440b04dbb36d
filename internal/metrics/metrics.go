// Package metrics provides Prometheus instrumentation for the slink client.
// It exposes gauges for socket and window counts, counters for push and store
// throughput, and a histogram for gateway request latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SocketsOpen tracks the number of subscriptions currently in the Open state.
	SocketsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "slink_sockets_open",
		Help: "Current number of open push subscriptions",
	})

	// SocketReconnects counts reconnect attempts scheduled after an unexpected
	// close or a failed dial.
	SocketReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slink_socket_reconnects_total",
		Help: "Total number of scheduled subscription reconnects",
	})

	// PushesTotal counts push frames, labeled by result: "delivered" or
	// "dropped".
	PushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slink_pushes_total",
		Help: "Total number of push frames received",
	}, []string{"result"})

	// DecodeFailures counts pushes that were valid JSON but not a decodable
	// entity, labeled by stream kind ("chat" or "chats").
	DecodeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slink_push_decode_failures_total",
		Help: "Total number of pushes dropped because they did not decode",
	}, []string{"stream"})

	// StoreMutations counts entity store transitions by store and operation.
	StoreMutations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slink_store_mutations_total",
		Help: "Total number of entity store mutations",
	}, []string{"store", "op"})

	// RequestDuration records gateway request latency in seconds, labeled by
	// operation and outcome ("ok" or "error").
	RequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slink_request_duration_seconds",
		Help:    "Gateway request latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"op", "outcome"})

	// WindowsOpen tracks the number of open window sessions.
	WindowsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "slink_windows_open",
		Help: "Current number of open window sessions",
	})
)

func init() {
	prometheus.MustRegister(
		SocketsOpen,
		SocketReconnects,
		PushesTotal,
		DecodeFailures,
		StoreMutations,
		RequestDuration,
		WindowsOpen,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
