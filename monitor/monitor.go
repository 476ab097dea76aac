// Package monitor exposes the orchestrator's metrics.
package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesReceived counts events drained from the bus.
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbs_messaging_received_total",
		Help: "Number of messages received from the bus",
	})
	// MessagesIgnored counts events dropped without a handler.
	MessagesIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbs_messaging_ignored_total",
		Help: "Number of messages dropped without processing",
	})
	// MessagesProcessed counts handler invocations that committed.
	MessagesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbs_messaging_processed_total",
		Help: "Number of messages processed successfully",
	})
	// MessagesFailed counts handler invocations that rolled back.
	MessagesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbs_messaging_failed_total",
		Help: "Number of messages whose processing failed",
	})
	// MessagesPublished counts outbound publishes.
	MessagesPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbs_messaging_published_total",
		Help: "Number of messages published to the bus",
	})
	// BuildsTransitioned counts module state transitions by target
	// state.
	BuildsTransitioned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mbs_builds_transitioned_total",
		Help: "Number of module build state transitions",
	}, []string{"state"})
	// PollerPasses counts reconciliation passes.
	PollerPasses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mbs_poller_passes_total",
		Help: "Number of poller reconciliation passes",
	})
	// ModulesPerState gauges the current module build population.
	ModulesPerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mbs_module_builds",
		Help: "Number of module builds per state",
	}, []string{"state"})
)

// Serve exposes /metrics on addr. Blocks until the server fails.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
