package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	TransportErrors  *prometheus.CounterVec
	BargeIns         prometheus.Counter
	DroppedLatencies prometheus.Counter
	DecodeErrors     prometheus.Counter
	UserLatency      prometheus.Histogram
	ConnectLatency   prometheus.Histogram
	CoherenceScore   prometheus.Histogram

	window *perfWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live dialogue sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		TransportErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Dialogue endpoint errors by transport and code.",
		}, []string{"transport", "code"}),
		BargeIns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "User turns that started while assistant audio was playing.",
		}),
		DroppedLatencies: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "latency_samples_dropped_total",
			Help:      "Latency samples rejected as non-positive or implausibly large.",
		}),
		DecodeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_decode_errors_total",
			Help:      "Inbound audio segments skipped because they failed to decode.",
		}),
		UserLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "user_response_latency_ms",
			Help:      "Time from the end of an assistant turn to the commit of the user reply in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 3000, 5000, 8000, 15000, 30000, 60000},
		}),
		ConnectLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_ms",
			Help:      "Time to establish the dialogue stream in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 5000},
		}),
		CoherenceScore: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "argument_coherence_score",
			Help:      "Final argument graph coherence score per session.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		window: newPerfWindow(256),
	}
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("started").Inc()
}

// SessionEnded records a session that was live and has finished.
func (m *Metrics) SessionEnded(s SessionSummary) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvents.WithLabelValues(s.Outcome).Inc()
	m.CoherenceScore.Observe(float64(s.Coherence))
	m.window.observeSession(s)
}

func (m *Metrics) ObserveSessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveWSMessage(direction, typ string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, typ).Inc()
}

func (m *Metrics) ObserveTransportError(transport, code string) {
	if m == nil {
		return
	}
	m.TransportErrors.WithLabelValues(transport, code).Inc()
}

func (m *Metrics) ObserveBargeIn() {
	if m == nil {
		return
	}
	m.BargeIns.Inc()
	m.window.count("barge_in")
}

func (m *Metrics) ObserveDroppedLatency() {
	if m == nil {
		return
	}
	m.DroppedLatencies.Inc()
	m.window.count("latency_dropped")
}

func (m *Metrics) ObserveDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
	m.window.count("decode_error")
}

func (m *Metrics) ObserveUserLatency(d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.UserLatency.Observe(ms)
	m.window.observe(StageUserLatency, ms)
}

func (m *Metrics) ObserveConnectLatency(d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.ConnectLatency.Observe(ms)
	m.window.observe(StageConnect, ms)
}

// ObserveFirstAssistantAudio records the time from going live to the first
// playable assistant audio.
func (m *Metrics) ObserveFirstAssistantAudio(d time.Duration) {
	if m == nil {
		return
	}
	m.window.observe(StageLiveToFirstAudio, float64(d.Milliseconds()))
}

// PerfSnapshot summarises recent stage latencies and finished sessions.
func (m *Metrics) PerfSnapshot() PerfSnapshot {
	if m == nil {
		return newPerfWindow(1).snapshot()
	}
	return m.window.snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
