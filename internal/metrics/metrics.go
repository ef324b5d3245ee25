// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Admission
	EnvelopesRouted   *prometheus.CounterVec
	EnvelopesRejected *prometheus.CounterVec
	AdmissionSeconds  *prometheus.HistogramVec

	// Sessions
	SessionsConnected *prometheus.GaugeVec
	SessionsEvicted   *prometheus.CounterVec

	// History
	HistorySize      *prometheus.GaugeVec
	HistoryEvictions *prometheus.CounterVec

	// Streams
	StreamsOpen      *prometheus.GaugeVec
	StreamBytesTotal *prometheus.CounterVec

	// Capability engine
	GrantsActivated *prometheus.CounterVec
	GrantsExpired   *prometheus.CounterVec
	MatcherCacheHit *prometheus.CounterVec
}

// New creates and registers all gateway metrics on the default registry.
func New() *Metrics {
	return &Metrics{
		EnvelopesRouted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_envelopes_routed_total",
				Help: "Envelopes accepted by the admission pipeline and fanned out",
			},
			[]string{"space", "kind"},
		),
		EnvelopesRejected: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_envelopes_rejected_total",
				Help: "Envelopes rejected at admission, by stable error code",
			},
			[]string{"space", "reason"},
		),
		AdmissionSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mew_admission_seconds",
				Help:    "Time spent inside the admission pipeline under the space lock",
				Buckets: prometheus.ExponentialBuckets(0.00005, 2, 12),
			},
			[]string{"space"},
		),
		SessionsConnected: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mew_sessions_connected",
				Help: "Live WebSocket sessions",
			},
			[]string{"space"},
		),
		SessionsEvicted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_sessions_evicted_total",
				Help: "Sessions force-closed by the gateway, by reason",
			},
			[]string{"space", "reason"},
		),
		HistorySize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mew_history_envelopes",
				Help: "Envelopes retained in the history ring",
			},
			[]string{"space"},
		),
		HistoryEvictions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_history_evictions_total",
				Help: "Envelopes aged out of the history ring",
			},
			[]string{"space"},
		),
		StreamsOpen: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mew_streams_open",
				Help: "Streams currently in the open state",
			},
			[]string{"space"},
		),
		StreamBytesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_stream_bytes_total",
				Help: "Binary stream payload bytes forwarded",
			},
			[]string{"space", "direction"},
		),
		GrantsActivated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_grants_activated_total",
				Help: "Capability grants acknowledged by their recipients",
			},
			[]string{"space"},
		),
		GrantsExpired: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_grants_expired_total",
				Help: "Capability grants that timed out waiting for an ack",
			},
			[]string{"space"},
		),
		MatcherCacheHit: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_capability_cache_total",
				Help: "Capability decision cache lookups",
			},
			[]string{"space", "result"}, // result: hit, miss
		),
	}
}

// NewForTest registers the metric bundle on a private registry so parallel
// tests do not collide on the default one.
func NewForTest() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		EnvelopesRouted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mew_envelopes_routed_total", Help: "test"}, []string{"space", "kind"}),
		EnvelopesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mew_envelopes_rejected_total", Help: "test"}, []string{"space", "reason"}),
		AdmissionSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "mew_admission_seconds", Help: "test"}, []string{"space"}),
		SessionsConnected: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mew_sessions_connected", Help: "test"}, []string{"space"}),
		SessionsEvicted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mew_sessions_evicted_total", Help: "test"}, []string{"space", "reason"}),
		HistorySize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mew_history_envelopes", Help: "test"}, []string{"space"}),
		HistoryEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mew_history_evictions_total", Help: "test"}, []string{"space"}),
		StreamsOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mew_streams_open", Help: "test"}, []string{"space"}),
		StreamBytesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mew_stream_bytes_total", Help: "test"}, []string{"space", "direction"}),
		GrantsActivated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mew_grants_activated_total", Help: "test"}, []string{"space"}),
		GrantsExpired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mew_grants_expired_total", Help: "test"}, []string{"space"}),
		MatcherCacheHit: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mew_capability_cache_total", Help: "test"}, []string{"space", "result"}),
	}
}
