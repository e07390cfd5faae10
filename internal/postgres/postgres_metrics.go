package postgres

import "github.com/prometheus/client_golang/prometheus"

// Hooks receives per-query events from the tracer. Nil fields are skipped.
type Hooks struct {
	OnQuery func(operation, route string, ok bool, duration float64)
}

// Metrics holds Prometheus metrics for database access.
type Metrics struct {
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics registers and returns database metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aftermath_db_query_duration_seconds",
			Help:    "Duration of PostgreSQL queries by operation, HTTP route and outcome.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
		}, []string{"operation", "route", "outcome"}),
	}
	reg.MustRegister(m.QueryDuration)
	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnQuery: func(operation, route string, ok bool, duration float64) {
			outcome := "ok"
			if !ok {
				outcome = "error"
			}
			m.QueryDuration.WithLabelValues(operation, route, outcome).Observe(duration)
		},
	}
}
