package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Session tracking
	ActiveSessions atomic.Int64
	TotalSessions  atomic.Uint64

	// Frame pipeline counters
	FramesAcquired atomic.Uint64
	FramesInferred atomic.Uint64
	FramesEmitted  atomic.Uint64
	ReadFailures   atomic.Uint64

	// Detection counters
	Detections      atomic.Uint64
	ConfirmedEvents atomic.Uint64

	// Sink counters
	PersistFailures atomic.Uint64
	PersistDropped  atomic.Uint64
	SnapshotsSaved  atomic.Uint64

	// Emitter counters
	EmitFailures    atomic.Uint64
	MessagesDropped atomic.Uint64

	// Latency tracking
	InferenceLatencyMs atomic.Uint64 // last inference round trip

	inferenceHist *prometheus.HistogramVec
	terminations  *prometheus.CounterVec
	transitions   *prometheus.CounterVec

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

type gaugeDef struct {
	name string
	help string
	load func() float64
}

func (m *Metrics) registerPrometheusMetrics() {
	u := func(v *atomic.Uint64) func() float64 {
		return func() float64 { return float64(v.Load()) }
	}

	gauges := []gaugeDef{
		{"detection_sessions_active", "Number of running stream sessions", func() float64 { return float64(m.ActiveSessions.Load()) }},
		{"detection_sessions_total", "Total stream sessions started", u(&m.TotalSessions)},
		{"detection_frames_acquired_total", "Total frames read from sources", u(&m.FramesAcquired)},
		{"detection_frames_inferred_total", "Total frames sent to the detector", u(&m.FramesInferred)},
		{"detection_frames_emitted_total", "Total frames pushed to clients", u(&m.FramesEmitted)},
		{"detection_read_failures_total", "Total transient frame read failures", u(&m.ReadFailures)},
		{"detection_detections_total", "Total detections above the confidence threshold", u(&m.Detections)},
		{"detection_confirmed_events_total", "Total confirmed events handed to the sink", u(&m.ConfirmedEvents)},
		{"detection_persist_failures_total", "Total failed event batches", u(&m.PersistFailures)},
		{"detection_persist_dropped_total", "Total event batches dropped on a full queue", u(&m.PersistDropped)},
		{"detection_snapshots_saved_total", "Total annotated snapshots written", u(&m.SnapshotsSaved)},
		{"detection_emit_failures_total", "Total failed client writes", u(&m.EmitFailures)},
		{"detection_messages_dropped_total", "Total messages dropped for slow clients", u(&m.MessagesDropped)},
		{"detection_inference_latency_ms", "Last inference latency in milliseconds", u(&m.InferenceLatencyMs)},
	}
	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.load,
		))
	}

	m.inferenceHist = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "detection_inference_seconds",
		Help:    "Detector round-trip time",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"outcome"})
	m.terminations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detection_session_terminations_total",
		Help: "Stream sessions ended, by reason",
	}, []string{"reason"})
	m.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "detection_session_transitions_total",
		Help: "Session state transitions, by target state",
	}, []string{"state"})
	m.registry.MustRegister(m.inferenceHist, m.terminations, m.transitions)
}

// ObserveInference records one detector call.
func (m *Metrics) ObserveInference(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.inferenceHist.WithLabelValues(outcome).Observe(d.Seconds())
	m.InferenceLatencyMs.Store(uint64(d.Milliseconds()))
}

// SessionStarted counts a new session.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Add(1)
	m.TotalSessions.Add(1)
}

// SessionEnded counts a finished session and its reason.
func (m *Metrics) SessionEnded(reason string) {
	m.ActiveSessions.Add(-1)
	m.terminations.WithLabelValues(reason).Inc()
}

// Transition counts a state change.
func (m *Metrics) Transition(state string) {
	m.transitions.WithLabelValues(state).Inc()
}

// Registry exposes the private registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
