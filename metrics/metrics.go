// Package metrics provides the gateway's Prometheus instrumentation:
// request outcomes by reason, bytes forwarded, and upstream latency.
// It mirrors the shape of fs/fshttp's Metrics type — a struct of
// collectors built once at startup and registered against a Registry,
// queried by label rather than by hand-rolled counters.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the gateway reports.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	ForwardedBytes   *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
}

// New registers and returns the gateway's collectors against reg. Pass
// prometheus.DefaultRegisterer for process-wide metrics, or a fresh
// prometheus.NewRegistry() in tests to avoid collisions between runs.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signway",
			Subsystem: "admission",
			Name:      "requests_total",
			Help:      "Total admitted and rejected requests by outcome reason.",
		}, []string{"reason"}),
		ForwardedBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "signway",
			Subsystem: "forwarder",
			Name:      "forwarded_bytes_total",
			Help:      "Total response bytes streamed back from upstream, by host.",
		}, []string{"host"}),
		UpstreamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "signway",
			Subsystem: "forwarder",
			Name:      "upstream_duration_seconds",
			Help:      "Time from issuing the upstream request to receiving its headers.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"host"}),
	}
}

// ObserveOutcome increments the requests counter for reason, where
// reason is "" for a successfully admitted request.
func (m *Metrics) ObserveOutcome(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "ok"
	}
	m.RequestsTotal.WithLabelValues(reason).Inc()
}

// ObserveForward records bytes streamed back from host and how long the
// upstream took to respond with headers.
func (m *Metrics) ObserveForward(host string, bytesWritten int64, upstreamLatency time.Duration) {
	if m == nil {
		return
	}
	m.ForwardedBytes.WithLabelValues(host).Add(float64(bytesWritten))
	m.UpstreamDuration.WithLabelValues(host).Observe(upstreamLatency.Seconds())
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
