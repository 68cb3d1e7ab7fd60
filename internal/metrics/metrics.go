// Package metrics exposes detection counters in the Prometheus format.
package metrics

import (
	"context"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/video"
)

// Metrics holds all application metrics. It is a pipeline sink: every
// recorded result updates the counters.
type Metrics struct {
	// Frame counters
	FramesProcessed atomic.Uint64
	FramesDetected  atomic.Uint64
	FrameFailures   atomic.Uint64

	// Session counters
	SessionsStarted  atomic.Uint64
	SessionsFinished atomic.Uint64
	Running          atomic.Uint64 // 0 = idle, 1 = detecting

	// Last result, stored as float64 bits
	lastConfidence atomic.Uint64
	lastDiameter   atomic.Uint64

	// Frame latency from capture to result in ms
	FrameLatencyMs atomic.Uint64

	confidence prometheus.Histogram
	diameter   prometheus.Histogram

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pupil_confidence",
			Help:    "Distribution of per-frame detection confidence",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		diameter: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pupil_diameter_pixels",
			Help:    "Distribution of detected pupil diameters in pixels",
			Buckets: prometheus.ExponentialBuckets(5, 1.5, 10),
		}),
	}

	m.registerPrometheusMetrics()

	return m
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	m.registry.MustRegister(m.confidence, m.diameter)

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "pupil_frames_processed_total",
			Help: "Total frames passed through the detector",
		},
		func() float64 { return float64(m.FramesProcessed.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "pupil_frames_detected_total",
			Help: "Total frames with a pupil candidate",
		},
		func() float64 { return float64(m.FramesDetected.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "pupil_frame_failures_total",
			Help: "Total frames rejected as invalid input",
		},
		func() float64 { return float64(m.FrameFailures.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "pupil_sessions_started_total",
			Help: "Total detection sessions started",
		},
		func() float64 { return float64(m.SessionsStarted.Load()) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "pupil_sessions_finished_total",
			Help: "Total detection sessions finished",
		},
		func() float64 { return float64(m.SessionsFinished.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pupil_detecting",
			Help: "Detection running (0=idle, 1=detecting)",
		},
		func() float64 { return float64(m.Running.Load()) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pupil_last_confidence",
			Help: "Confidence of the last processed frame",
		},
		m.LastConfidence,
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pupil_last_diameter_pixels",
			Help: "Pupil diameter of the last processed frame",
		},
		m.LastDiameter,
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pupil_frame_latency_ms",
			Help: "Latency from frame capture to result in milliseconds",
		},
		func() float64 { return float64(m.FrameLatencyMs.Load()) },
	))
}

// Observe records one frame result
func (m *Metrics) Observe(res detector.Result) {
	m.FramesProcessed.Add(1)
	if res.Error != "" {
		m.FrameFailures.Add(1)
		return
	}

	m.lastConfidence.Store(math.Float64bits(res.Confidence))
	m.lastDiameter.Store(math.Float64bits(res.Diameter))
	m.confidence.Observe(res.Confidence)
	if res.Found() {
		m.FramesDetected.Add(1)
		m.diameter.Observe(res.Diameter)
	}
}

// LastConfidence returns the confidence of the last valid frame
func (m *Metrics) LastConfidence() float64 {
	return math.Float64frombits(m.lastConfidence.Load())
}

// LastDiameter returns the diameter of the last valid frame
func (m *Metrics) LastDiameter() float64 {
	return math.Float64frombits(m.lastDiameter.Load())
}

// UpdateFrameLatency updates the frame latency
func (m *Metrics) UpdateFrameLatency(captureTime time.Time) {
	if captureTime.IsZero() {
		return
	}
	latency := time.Since(captureTime).Milliseconds()
	if latency < 0 {
		latency = 0
	}
	m.FrameLatencyMs.Store(uint64(latency))
}

// SessionStarted marks the start of a run
func (m *Metrics) SessionStarted() {
	m.SessionsStarted.Add(1)
	m.Running.Store(1)
}

// SessionFinished marks the end of a run
func (m *Metrics) SessionFinished() {
	m.SessionsFinished.Add(1)
	m.Running.Store(0)
}

// Append implements the pipeline sink
func (m *Metrics) Append(ctx context.Context, res detector.Result) error {
	m.Observe(res)
	return nil
}

// AppendFrame implements the pipeline frame sink
func (m *Metrics) AppendFrame(ctx context.Context, frame video.Frame, res detector.Result) error {
	m.UpdateFrameLatency(frame.Captured)
	m.Observe(res)
	return nil
}

// Flush does nothing; metrics are live
func (m *Metrics) Flush(ctx context.Context) error {
	return nil
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
