package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the daemon's Prometheus collectors behind a private
// registry so tests can create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	FeedsTotal          *prometheus.CounterVec
	SignalsRejected     *prometheus.CounterVec
	DetonationsTotal    *prometheus.CounterVec
	SourcesRegistered   prometheus.Gauge
	SourceSilence       *prometheus.GaugeVec
	ArmedState          prometheus.Gauge
	PeerBroadcastErrors prometheus.Counter
	RequestDuration     *prometheus.HistogramVec
	BuildInfo           *prometheus.GaugeVec
}

// New creates a metrics set registered on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FeedsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cradle_feeds_total",
			Help: "Accepted liveness signals by source type",
		}, []string{"type"}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cradle_signals_rejected_total",
			Help: "Rejected signals by reason",
		}, []string{"reason"}),
		DetonationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cradle_detonations_total",
			Help: "Detonation events by reason",
		}, []string{"reason"}),
		SourcesRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cradle_sources_registered",
			Help: "Number of registered signal sources",
		}),
		SourceSilence: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cradle_source_silence_seconds",
			Help: "Seconds since each source was last heard from",
		}, []string{"source"}),
		ArmedState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cradle_armed",
			Help: "1 when the cradle is armed, 0 otherwise",
		}),
		PeerBroadcastErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cradle_peer_broadcast_errors_total",
			Help: "Failed signal broadcasts to peers",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cradle_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cradle_build_info",
			Help: "Build metadata",
		}, []string{"version", "go_version"}),
	}

	m.registry.MustRegister(
		m.FeedsTotal,
		m.SignalsRejected,
		m.DetonationsTotal,
		m.SourcesRegistered,
		m.SourceSilence,
		m.ArmedState,
		m.PeerBroadcastErrors,
		m.RequestDuration,
		m.BuildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// SetBuildInfo records version labels once at startup
func (m *Metrics) SetBuildInfo(version, goVersion string) {
	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)
}

// Handler returns the /metrics endpoint handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument wraps a handler, observing latency and status for route
func (m *Metrics) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		m.RequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}
