package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the client core.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	APIRequests      *prometheus.CounterVec
	APILatency       *prometheus.HistogramVec
	PollTicks        *prometheus.CounterVec
	ActivePollers    prometheus.Gauge
	StoreEvents      *prometheus.CounterVec
	PlaybackSessions *prometheus.CounterVec
	MediaErrors      *prometheus.CounterVec
	AudioStartDelay  prometheus.Histogram
	ActiveViewers    prometheus.Gauge
	WSMessages       *prometheus.CounterVec

	window *latencyWindow
}

// NewMetrics registers instruments on the default registry.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer, namespace)
}

// NewMetricsWith registers instruments on reg. Tests pass a fresh registry.
func NewMetricsWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		APIRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Remote task API requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		APILatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_ms",
			Help:      "Remote task API latency in milliseconds.",
			Buckets:   []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"op"}),
		PollTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Task poll ticks by outcome.",
		}, []string{"outcome"}),
		ActivePollers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_pollers",
			Help:      "Number of tasks currently being polled.",
		}),
		StoreEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_events_total",
			Help:      "Task store events applied, by event name.",
		}, []string{"event"}),
		PlaybackSessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_sessions_total",
			Help:      "Audio sessions by exit reason.",
		}, []string{"reason"}),
		MediaErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_errors_total",
			Help:      "Audio failures by reason code.",
		}, []string{"reason"}),
		AudioStartDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "audio_start_latency_ms",
			Help:      "Latency from play request to confirmed playback start in milliseconds.",
			Buckets:   []float64{10, 50, 100, 200, 300, 500, 1000, 2000, 5000},
		}),
		ActiveViewers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_viewers",
			Help:      "Connected websocket viewers.",
		}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		window: newLatencyWindow(256),
	}
}

func (m *Metrics) ObserveAPICall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.APIRequests.WithLabelValues(op, outcome).Inc()
	m.APILatency.WithLabelValues(op).Observe(ms)
	m.window.Observe("api_"+op, ms)
}

func (m *Metrics) ObservePollTick(outcome string) {
	if m == nil {
		return
	}
	m.PollTicks.WithLabelValues(outcome).Inc()
	if outcome == "error" {
		m.window.ObserveIndicator("poll_failure")
	}
}

func (m *Metrics) SetActivePollers(n int) {
	if m == nil {
		return
	}
	m.ActivePollers.Set(float64(n))
}

func (m *Metrics) SetActiveViewers(n int64) {
	if m == nil {
		return
	}
	m.ActiveViewers.Set(float64(n))
}

func (m *Metrics) ObserveStoreEvent(name string) {
	if m == nil {
		return
	}
	m.StoreEvents.WithLabelValues(name).Inc()
}

func (m *Metrics) ObservePlaybackSession(reason string) {
	if m == nil {
		return
	}
	m.PlaybackSessions.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveMediaError(reason string) {
	if m == nil {
		return
	}
	m.MediaErrors.WithLabelValues(reason).Inc()
	m.window.ObserveIndicator("media_error_" + reason)
}

func (m *Metrics) ObserveAudioStart(d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.AudioStartDelay.Observe(ms)
	m.window.Observe("audio_start", ms)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.window.ObserveIndicator(name)
}

func (m *Metrics) ObserveWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []StageStats{}}
	}
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
