package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carmesh",
			Name:      "messages_in_total",
			Help:      "Total inbound topic messages, by classified kind.",
		},
		[]string{"kind"},
	)

	MessagesOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carmesh",
			Name:      "messages_out_total",
			Help:      "Total messages published on the topic, by kind.",
		},
		[]string{"kind"},
	)

	MessagesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "carmesh",
			Name:      "messages_dropped_total",
			Help:      "Inbound payloads dropped as malformed or not addressed to us.",
		},
	)

	RelayDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "carmesh",
			Name:      "relay_depth",
			Help:      "Responses currently queued in the relay.",
		},
	)

	RelayRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "carmesh",
			Name:      "relay_rejected_total",
			Help:      "Responses rejected because the relay was full.",
		},
	)

	PeersInView = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "carmesh",
			Name:      "peers_in_view",
			Help:      "Peers currently held in the discovery view.",
		},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "carmesh",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "carmesh",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		MessagesIn, MessagesOut, MessagesDropped,
		RelayDepth, RelayRejected, PeersInView,
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
