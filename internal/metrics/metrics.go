package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradewatch"

// Metrics bundles the engine's Prometheus collectors. A nil *Metrics is valid and
// records nothing, so components can be built without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	ticks       *prometheus.CounterVec
	fetchErrors *prometheus.CounterVec
	triggered   *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	suppressed  *prometheus.CounterVec
	jobRuns     *prometheus.CounterVec
	activeRules *prometheus.GaugeVec
	checkpoints *prometheus.CounterVec
}

// New registers all collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "monitor_ticks_total", Help: "Evaluation ticks executed per monitor.",
		}, []string{"monitor"}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "monitor_fetch_errors_total", Help: "Observation fetch failures per monitor.",
		}, []string{"monitor"}),
		triggered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "rules_triggered_total", Help: "Rules that evaluated as triggered.",
		}, []string{"monitor", "kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total", Help: "Channel send attempts by outcome.",
		}, []string{"channel", "outcome"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_suppressed_total", Help: "Notifications suppressed before sending.",
		}, []string{"reason"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "scheduler_job_runs_total", Help: "Scheduled job executions by outcome.",
		}, []string{"job", "outcome"}),
		activeRules: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "monitor_active_rules", Help: "Active rules per monitor.",
		}, []string{"monitor"}),
		checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "monitor_checkpoints_total", Help: "Checkpoint trims per monitor.",
		}, []string{"monitor"}),
	}
	reg.MustRegister(m.ticks, m.fetchErrors, m.triggered, m.deliveries, m.suppressed, m.jobRuns, m.activeRules, m.checkpoints)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Tick(monitor string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(monitor).Inc()
}

func (m *Metrics) FetchError(monitor string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(monitor).Inc()
}

func (m *Metrics) Triggered(monitor, kind string) {
	if m == nil {
		return
	}
	m.triggered.WithLabelValues(monitor, kind).Inc()
}

func (m *Metrics) Delivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, outcome).Inc()
}

func (m *Metrics) Suppressed(reason string) {
	if m == nil {
		return
	}
	m.suppressed.WithLabelValues(reason).Inc()
}

func (m *Metrics) JobRun(job, outcome string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, outcome).Inc()
}

func (m *Metrics) ActiveRules(monitor string, count int) {
	if m == nil {
		return
	}
	m.activeRules.WithLabelValues(monitor).Set(float64(count))
}

func (m *Metrics) Checkpoint(monitor string) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(monitor).Inc()
}
