package response

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors on a private registry,
// so tests and multiple engines never collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	detections    *prometheus.CounterVec
	actions       *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	reversals     *prometheus.CounterVec
	storageErrors prometheus.Counter
	pipeline      prometheus.Histogram
}

// NewMetrics registers the engine collectors plus Go runtime and process
// collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soar_detections_total",
			Help: "Detection events handled, by outcome.",
		}, []string{"outcome"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soar_actions_total",
			Help: "Playbook actions executed, by action type and result.",
		}, []string{"action", "result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soar_action_attempts_total",
			Help: "Collaborator attempts including retries, by action type.",
		}, []string{"action"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soar_incident_transitions_total",
			Help: "Incident status transitions, by new status.",
		}, []string{"status"}),
		reversals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "soar_reversals_total",
			Help: "Reversals settled, by result.",
		}, []string{"result"}),
		storageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "soar_storage_errors_total",
			Help: "Incident store writes that failed during a response.",
		}),
		pipeline: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "soar_pipeline_duration_seconds",
			Help:    "Time from accepting a detection to finishing its response.",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
	m.registry.MustRegister(
		m.detections, m.actions, m.attempts, m.transitions, m.reversals, m.storageErrors, m.pipeline,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// registerQueue exposes live worker-pool gauges.
func (m *Metrics) registerQueue(depth, capacity func() float64) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "soar_queue_depth",
			Help: "Detections waiting for a worker.",
		}, depth),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "soar_queue_capacity",
			Help: "Size of the detection queue.",
		}, capacity),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for callers adding collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
