package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	// Active is 1 while the labeled peer holds the active role.
	Active = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrlead",
			Name:      "active",
			Help:      "Whether this peer currently holds the active role (0 or 1).",
		},
		[]string{"peer"},
	)

	Peers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrlead",
			Name:      "peers",
			Help:      "Number of other live peers this peer is tracking.",
		},
		[]string{"peer"},
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrlead",
			Name:      "messages_total",
			Help:      "Inbound protocol messages handled, by type.",
		},
		[]string{"peer", "type"},
	)

	PromotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrlead",
			Name:      "promotions_total",
			Help:      "Transitions into the active role.",
		},
		[]string{"peer"},
	)

	DemotionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrlead",
			Name:      "demotions_total",
			Help:      "Transitions out of the active role after losing a tie-break.",
		},
		[]string{"peer"},
	)

	EvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrlead",
			Name:      "evictions_total",
			Help:      "Peers evicted for stale heartbeat records.",
		},
		[]string{"peer"},
	)

	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zephyrlead",
			Name:      "store_errors_total",
			Help:      "Failed durable-store operations (degraded, not fatal).",
		},
		[]string{"peer", "op"},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zephyrlead",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "zephyrlead",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		Active, Peers, MessagesTotal,
		PromotionsTotal, DemotionsTotal, EvictionsTotal, StoreErrorsTotal,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}
