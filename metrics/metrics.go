// Package metrics holds the prometheus collectors exported by the registry server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "modelpool"

var (
	// ModelAvailable is 1 when the last probe of a model succeeded, 0 otherwise.
	ModelAvailable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "model_available",
			Help:      "Whether the model endpoint passed its last health probe",
		},
		[]string{"name", "base_url", "model"},
	)

	ModelUsageCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "model_usage_count",
			Help:      "Number of distinct clients currently using the model endpoint",
		},
		[]string{"name", "base_url", "model"},
	)

	ActiveClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "active_clients",
			Help:      "Number of clients with a live usage report",
		},
	)

	EvictedClientsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "evicted_clients_total",
			Help:      "Total clients evicted for inactivity",
		},
	)

	ProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Total health probes by outcome",
		},
		[]string{"result"},
	)

	ProbeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one full health check cycle",
			Buckets:   prometheus.DefBuckets,
		},
	)

	RPCRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "requests_total",
			Help:      "Total RPC requests by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "request_duration_seconds",
			Help:      "RPC handler latency",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
		},
		[]string{"method"},
	)
)

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// BoolValue converts a flag to a gauge value.
func BoolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
