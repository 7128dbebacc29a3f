// Package metrics exposes the Prometheus instrumentation for the manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "olt",
		Name:      "refresh_duration_seconds",
		Help:      "Duration of full inventory refreshes.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	RefreshFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "olt",
		Name:      "refresh_failures_total",
		Help:      "Inventory refreshes that failed and kept the previous snapshot.",
	})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "olt",
		Name:      "cli_commands_total",
		Help:      "CLI commands sent to the OLT by result.",
	}, []string{"result"})

	SessionConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "olt",
		Name:      "session_connected",
		Help:      "Whether the CLI session to the OLT is currently up.",
	})

	BoundOnus = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "olt",
		Name:      "bound_onus",
		Help:      "Bound ONUs in the last successful snapshot.",
	})

	UnboundOnus = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "olt",
		Name:      "unbound_onus",
		Help:      "Autofind ONUs awaiting provisioning in the last successful snapshot.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "olt",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by method, route and status code.",
	}, []string{"method", "route", "code"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
