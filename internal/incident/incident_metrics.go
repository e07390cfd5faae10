package incident

import "github.com/prometheus/client_golang/prometheus"

// Hooks receives lifecycle events from the Service. Nil fields are skipped.
type Hooks struct {
	OnSubmit     func(status ResultStatus)
	OnPostmortem func(status ResultStatus, duration float64)
	OnStep       func(step string, ok bool, duration float64)
	OnDegraded   func(step string)
}

// Metrics holds Prometheus metrics for the incident subsystem.
type Metrics struct {
	SubmitsTotal       *prometheus.CounterVec
	PostmortemsTotal   *prometheus.CounterVec
	PostmortemDuration prometheus.Histogram
	StepDuration       *prometheus.HistogramVec
	DegradedTotal      *prometheus.CounterVec
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftermath_incident_submits_total",
			Help: "Total alert submissions by result status.",
		}, []string{"status"}),
		PostmortemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftermath_postmortems_total",
			Help: "Total postmortem pipeline runs by result status.",
		}, []string{"status"}),
		PostmortemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aftermath_postmortem_duration_seconds",
			Help:    "Duration of postmortem pipeline runs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 0.25s .. ~128s
		}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aftermath_step_duration_seconds",
			Help:    "Duration of individual pipeline steps in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"step", "outcome"}),
		DegradedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftermath_degraded_steps_total",
			Help: "Non-fatal step failures absorbed by the pipeline.",
		}, []string{"step"}),
	}

	reg.MustRegister(
		m.SubmitsTotal,
		m.PostmortemsTotal,
		m.PostmortemDuration,
		m.StepDuration,
		m.DegradedTotal,
	)

	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnSubmit: func(status ResultStatus) {
			m.SubmitsTotal.WithLabelValues(string(status)).Inc()
		},
		OnPostmortem: func(status ResultStatus, duration float64) {
			m.PostmortemsTotal.WithLabelValues(string(status)).Inc()
			m.PostmortemDuration.Observe(duration)
		},
		OnStep: func(step string, ok bool, duration float64) {
			outcome := "ok"
			if !ok {
				outcome = "error"
			}
			m.StepDuration.WithLabelValues(step, outcome).Observe(duration)
		},
		OnDegraded: func(step string) {
			m.DegradedTotal.WithLabelValues(step).Inc()
		},
	}
}
