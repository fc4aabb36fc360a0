package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	ActiveSessions         prometheus.Gauge
	SessionEvents          *prometheus.CounterVec
	WSMessages             *prometheus.CounterVec
	OutboundMessages       *prometheus.CounterVec
	UpstreamErrors         *prometheus.CounterVec
	AudioBytesForwarded    prometheus.Counter
	UpstreamConnectLatency prometheus.Histogram
	FirstAudioLatency      prometheus.Histogram

	latency *LatencyWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of connected relay sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		OutboundMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Client-bound messages by type and queue outcome.",
		}, []string{"type", "outcome"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream realtime errors by code.",
		}, []string{"code"}),
		AudioBytesForwarded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_forwarded_total",
			Help:      "PCM16 bytes forwarded from clients to the upstream.",
		}),
		UpstreamConnectLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_connect_latency_ms",
			Help:      "Time to open and configure an upstream session in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 750, 1000, 1500, 3000},
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from final user transcript to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		latency: NewLatencyWindow(DefaultLatencyWindow),
	}
}

func (m *Metrics) ObserveOutboundMessage(messageType, outcome string) {
	m.OutboundMessages.WithLabelValues(messageType, outcome).Inc()
}

func (m *Metrics) ObserveUpstreamConnect(d time.Duration) {
	m.UpstreamConnectLatency.Observe(float64(d.Milliseconds()))
	m.latency.Observe(StageUpstreamConnect, d)
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.latency.Observe(StageFirstAudio, d)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.latency.Observe(stage, d)
}

func (m *Metrics) ObserveIndicator(name string) {
	m.latency.ObserveIndicator(name)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	return m.latency.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
