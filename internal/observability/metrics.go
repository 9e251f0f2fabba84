package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns its registry so tests and multiple servers never collide on
// the global one. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	executionsStarted  prometheus.Counter
	executionsSettled  *prometheus.CounterVec
	taskTransitions    *prometheus.CounterVec
	admissionDecisions *prometheus.CounterVec
	webhookDeliveries  *prometheus.CounterVec
	workInFlight       prometheus.Gauge
	workDuration       *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_executions_started_total",
			Help: "Executions whose first task was dispatched.",
		}),
		executionsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_executions_settled_total",
			Help: "Executions reaching a terminal status.",
		}, []string{"status"}),
		taskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_task_transitions_total",
			Help: "Task status transitions.",
		}, []string{"status"}),
		admissionDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_admission_decisions_total",
			Help: "Admission decisions per provider.",
		}, []string{"provider", "decision"}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_webhook_deliveries_total",
			Help: "Inbound provider callbacks by outcome.",
		}, []string{"source", "outcome"}),
		workInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_work_items_in_flight",
			Help: "Work items currently being processed.",
		}),
		workDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_work_item_duration_seconds",
			Help:    "Work item processing time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.executionsStarted,
		m.executionsSettled,
		m.taskTransitions,
		m.admissionDecisions,
		m.webhookDeliveries,
		m.workInFlight,
		m.workDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.executionsStarted.Inc()
}

func (m *Metrics) ExecutionSettled(status string) {
	if m == nil {
		return
	}
	m.executionsSettled.With(prometheus.Labels{"status": status}).Inc()
}

func (m *Metrics) TaskTransition(status string) {
	if m == nil {
		return
	}
	m.taskTransitions.With(prometheus.Labels{"status": status}).Inc()
}

func (m *Metrics) Admission(provider, decision string) {
	if m == nil {
		return
	}
	m.admissionDecisions.With(prometheus.Labels{"provider": provider, "decision": decision}).Inc()
}

func (m *Metrics) Webhook(source, outcome string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.With(prometheus.Labels{"source": source, "outcome": outcome}).Inc()
}

// WorkStarted marks one work item in flight and returns the func that
// records its completion.
func (m *Metrics) WorkStarted(kind string) func() {
	if m == nil {
		return func() {}
	}
	m.workInFlight.Inc()
	timer := prometheus.NewTimer(m.workDuration.With(prometheus.Labels{"kind": kind}))
	return func() {
		timer.ObserveDuration()
		m.workInFlight.Dec()
	}
}
