package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/xela07ax/governor/internal/domain"
)

type Metrics struct {
	// Decisions: исходы классификации по правилам
	Decisions *prometheus.CounterVec

	// Persistence: решение принято, запись в хранилище не удалась
	PersistenceFailures *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker хранилища (0 - ок, 1 - выбило)
	CircuitBreakerState *prometheus.GaugeVec

	// Admission: отказы гейта по типу нарушения
	Denials *prometheus.CounterVec

	// Health: последний вердикт супервизора
	HealthOverall *prometheus.GaugeVec
	ErrorRatio    prometheus.Gauge
	AvgLatencyMs  prometheus.Gauge

	Directives      *prometheus.CounterVec
	SupervisorTicks *prometheus.CounterVec
	AlertsDropped   prometheus.Counter

	// Audit: заполненность буфера (backpressure) и потери
	AuditBufferFill prometheus.Gauge
	AuditDropped    prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_decisions_total",
			Help: "Classified candidate actions by outcome and rule.",
		}, []string{"outcome", "rule"}),

		PersistenceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_persistence_failures_total",
			Help: "Best-effort store writes that failed after retries.",
		}, []string{"op"}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "governor_circuit_breaker_state",
			Help: "Current state of the store circuit breaker (0=closed, 1=open).",
		}, []string{"breaker"}),

		Denials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_admission_denied_total",
			Help: "Admission gate denials by violation.",
		}, []string{"violation"}),

		HealthOverall: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "governor_health_overall",
			Help: "Latest platform verdict, 1 for the active state.",
		}, []string{"state"}),

		ErrorRatio: f.NewGauge(prometheus.GaugeOpts{
			Name: "governor_error_ratio",
			Help: "Failed/total LLM requests over the metrics window.",
		}),

		AvgLatencyMs: f.NewGauge(prometheus.GaugeOpts{
			Name: "governor_avg_latency_ms",
			Help: "Average LLM latency over the metrics window.",
		}),

		Directives: f.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_directives_total",
			Help: "Throttle directives emitted by the supervisor.",
		}, []string{"type", "severity", "applied"}),

		SupervisorTicks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_supervisor_ticks_total",
			Help: "Supervisor evaluation cycles.",
		}, []string{"status"}),

		AlertsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "governor_alerts_dropped_total",
			Help: "Ops alerts suppressed by the rate limiter.",
		}),

		AuditBufferFill: f.NewGauge(prometheus.GaugeOpts{
			Name: "governor_audit_buffer_utilization",
			Help: "Current number of records in audit buffer.",
		}),

		AuditDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "governor_audit_dropped_total",
			Help: "Audit records dropped on overflow or shutdown.",
		}),
	}
}

// PersistenceFailed реализует sink.FailureObserver.
func (m *Metrics) PersistenceFailed(op string) {
	m.PersistenceFailures.WithLabelValues(op).Inc()
}

func (m *Metrics) BreakerStateChanged(name string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(v)
}

// DecisionRecorded реализует classifier.Observer.
func (m *Metrics) DecisionRecorded(outcome domain.Outcome, rule string) {
	m.Decisions.WithLabelValues(string(outcome), rule).Inc()
}

// AdmissionDenied реализует admission.Observer.
func (m *Metrics) AdmissionDenied(violation string) {
	m.Denials.WithLabelValues(violation).Inc()
}

func (m *Metrics) ObserveVerdict(v domain.HealthVerdict) {
	for _, s := range []domain.OverallHealth{domain.HealthHealthy, domain.HealthDegraded, domain.HealthCritical} {
		val := 0.0
		if s == v.Overall {
			val = 1
		}
		m.HealthOverall.WithLabelValues(string(s)).Set(val)
	}
	m.ErrorRatio.Set(v.ErrorRatio)
	m.AvgLatencyMs.Set(v.AvgLatencyMs)
}
