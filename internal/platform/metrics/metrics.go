package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the DAQ writer.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	framesReceivedTotal prometheus.Counter
	framesWrittenTotal  prometheus.Counter
	framesLostTotal     prometheus.Counter
	bufferFreeSlots     prometheus.Gauge
	running             prometheus.Gauge
	frameWriteSeconds   prometheus.Histogram
}

// New creates and registers Prometheus metrics for the writer.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daq_requests_total",
		Help: "Total number of control HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daq_errors_total",
		Help: "Total number of control HTTP responses with error status (4xx or 5xx)",
	})
	framesReceivedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daq_frames_received_total",
		Help: "Total number of frames committed to the slot buffer",
	})
	framesWrittenTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daq_frames_written_total",
		Help: "Total number of frames persisted to the output file",
	})
	framesLostTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daq_frames_lost_total",
		Help: "Total number of frames announced but not persisted",
	})
	bufferFreeSlots := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "daq_buffer_free_slots",
		Help: "Number of free slots in the slot buffer",
	})
	running := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "daq_running",
		Help: "1 while frames are being received, 0 otherwise",
	})
	frameWriteSeconds := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "daq_frame_write_seconds",
		Help:    "Time to persist one frame including its header fields",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		framesReceivedTotal,
		framesWrittenTotal,
		framesLostTotal,
		bufferFreeSlots,
		running,
		frameWriteSeconds,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		errorsTotal:         errorsTotal,
		framesReceivedTotal: framesReceivedTotal,
		framesWrittenTotal:  framesWrittenTotal,
		framesLostTotal:     framesLostTotal,
		bufferFreeSlots:     bufferFreeSlots,
		running:             running,
		frameWriteSeconds:   frameWriteSeconds,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncFramesReceived increments the received frames counter.
func (m *Metrics) IncFramesReceived() {
	m.framesReceivedTotal.Inc()
}

// IncFramesWritten increments the written frames counter.
func (m *Metrics) IncFramesWritten() {
	m.framesWrittenTotal.Inc()
}

// IncFramesLost increments the lost frames counter.
func (m *Metrics) IncFramesLost() {
	m.framesLostTotal.Inc()
}

// ObserveFrameWrite records how long persisting one frame took.
func (m *Metrics) ObserveFrameWrite(d time.Duration) {
	m.frameWriteSeconds.Observe(d.Seconds())
}

// SetBufferFreeSlots sets the free slots gauge.
func (m *Metrics) SetBufferFreeSlots(n int) {
	m.bufferFreeSlots.Set(float64(n))
}

// SetRunning sets the running gauge.
func (m *Metrics) SetRunning(running bool) {
	if running {
		m.running.Set(1)
		return
	}
	m.running.Set(0)
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. free slots).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
