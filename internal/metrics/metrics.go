// Package metrics exposes capture job metrics in the Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tapedeck"

// Metrics owns its own registry, so several instances can coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	startedTotal     *prometheus.CounterVec
	finishedTotal    *prometheus.CounterVec
	active           prometheus.Gauge
	durationSeconds  *prometheus.HistogramVec
	storeErrorsTotal *prometheus.CounterVec
	probeTotal       *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.startedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_started_total",
			Help:      "Capture processes spawned, by launcher.",
		},
		[]string{"launcher"},
	)
	m.finishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captures_finished_total",
			Help:      "Capture jobs which reached a terminal status.",
		},
		[]string{"status"},
	)
	m.active = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "captures_active",
			Help:      "Capture processes currently running.",
		},
	)
	// captures take minutes, not milliseconds
	m.durationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "capture_duration_seconds",
			Help:      "Wall time from job start to terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		},
		[]string{"status"},
	)
	m.storeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Failed persistence operations, by operation.",
		},
		[]string{"op"},
	)
	m.probeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_probes_total",
			Help:      "Device probes, by result.",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(
		m.startedTotal,
		m.finishedTotal,
		m.active,
		m.durationSeconds,
		m.storeErrorsTotal,
		m.probeTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) CaptureStarted(launcher string) {
	m.startedTotal.WithLabelValues(launcher).Inc()
	m.active.Inc()
}

// CaptureFinished records a terminal job. running tells whether the job had
// a process, so the active gauge only moves for started captures.
func (m *Metrics) CaptureFinished(status string, d time.Duration, running bool) {
	m.finishedTotal.WithLabelValues(status).Inc()
	m.durationSeconds.WithLabelValues(status).Observe(d.Seconds())
	if running {
		m.active.Dec()
	}
}

func (m *Metrics) StoreError(op string) {
	m.storeErrorsTotal.WithLabelValues(op).Inc()
}

func (m *Metrics) DeviceProbed(present bool) {
	result := "absent"
	if present {
		result = "present"
	}
	m.probeTotal.WithLabelValues(result).Inc()
}
