package actions

import "github.com/prometheus/client_golang/prometheus"

// Hooks receives events from the Tracker and Sweeper. Nil fields are skipped.
type Hooks struct {
	OnTicket    func(ok bool)
	OnCompleted func()
	OnSweep     func(overdue int)
}

// Metrics holds Prometheus metrics for action item tracking.
type Metrics struct {
	TicketsTotal   *prometheus.CounterVec
	CompletedTotal prometheus.Counter
	Overdue        prometheus.Gauge
	SweepsTotal    prometheus.Counter
}

// NewMetrics registers and returns action metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicketsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftermath_action_tickets_total",
			Help: "Ticket creation attempts for action items by outcome.",
		}, []string{"outcome"}),
		CompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aftermath_action_items_completed_total",
			Help: "Action items marked completed.",
		}),
		Overdue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aftermath_action_items_overdue",
			Help: "Open action items past their due date at the last sweep.",
		}),
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aftermath_action_sweeps_total",
			Help: "Completed overdue sweeps.",
		}),
	}

	reg.MustRegister(m.TicketsTotal, m.CompletedTotal, m.Overdue, m.SweepsTotal)
	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnTicket: func(ok bool) {
			outcome := "ok"
			if !ok {
				outcome = "error"
			}
			m.TicketsTotal.WithLabelValues(outcome).Inc()
		},
		OnCompleted: func() {
			m.CompletedTotal.Inc()
		},
		OnSweep: func(overdue int) {
			m.SweepsTotal.Inc()
			m.Overdue.Set(float64(overdue))
		},
	}
}
