// Package metrics exposes job and inference metrics to Prometheus.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mobwatch/internal/pipeline"
)

// Metrics holds all application metrics on a private registry
type Metrics struct {
	framesProcessed  prometheus.Counter
	detections       *prometheus.CounterVec
	inferenceLatency *prometheus.HistogramVec
	inferenceErrors  *prometheus.CounterVec
	jobsStarted      prometheus.Counter
	jobsFinished     *prometheus.CounterVec
	activeJobs       prometheus.Gauge

	// jobs seen processing, so a terminal event only decrements what was counted
	running map[string]bool
	mu      sync.Mutex

	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		framesProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mobwatch_frames_processed_total",
			Help: "Total frames processed",
		}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mobwatch_detections_total",
			Help: "Total accepted detections per category",
		}, []string{"category"}),
		inferenceLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mobwatch_inference_duration_seconds",
			Help:    "Inference latency per category",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"category"}),
		inferenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mobwatch_inference_errors_total",
			Help: "Total failed inference calls per category",
		}, []string{"category"}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mobwatch_jobs_started_total",
			Help: "Total jobs that started processing",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mobwatch_jobs_finished_total",
			Help: "Total jobs that reached a terminal state",
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mobwatch_active_jobs",
			Help: "Number of jobs currently processing",
		}),
		running:  make(map[string]bool),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.framesProcessed,
		m.detections,
		m.inferenceLatency,
		m.inferenceErrors,
		m.jobsStarted,
		m.jobsFinished,
		m.activeJobs,
	)

	return m
}

// ObserveInference implements pipeline.InferenceObserver
func (m *Metrics) ObserveInference(category pipeline.Category, elapsed time.Duration, _ int, err error) {
	m.inferenceLatency.WithLabelValues(string(category)).Observe(elapsed.Seconds())
	if err != nil {
		m.inferenceErrors.WithLabelValues(string(category)).Inc()
	}
}

// OnEvent implements pipeline.EventHandler
func (m *Metrics) OnEvent(event *pipeline.Event) {
	if event == nil {
		return
	}

	switch event.Type {
	case pipeline.EventStarted:
		m.mu.Lock()
		if !m.running[event.JobID] {
			m.running[event.JobID] = true
			m.jobsStarted.Inc()
			m.activeJobs.Inc()
		}
		m.mu.Unlock()
	case pipeline.EventFrame:
		m.framesProcessed.Inc()
		if event.Record != nil {
			for _, d := range event.Record.Detections {
				m.detections.WithLabelValues(string(d.Label)).Inc()
			}
		}
	case pipeline.EventCompleted, pipeline.EventFailed:
		m.mu.Lock()
		if m.running[event.JobID] {
			delete(m.running, event.JobID)
			m.activeJobs.Dec()
		}
		m.mu.Unlock()
		m.jobsFinished.WithLabelValues(string(event.Type)).Inc()
	}
}

// Gauge exposes fn as the gauge mobwatch_<name>, read on every scrape
func (m *Metrics) Gauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mobwatch_" + name,
			Help: help,
		},
		fn,
	))
}

var (
	_ pipeline.EventHandler      = (*Metrics)(nil)
	_ pipeline.InferenceObserver = (*Metrics)(nil)
)

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
