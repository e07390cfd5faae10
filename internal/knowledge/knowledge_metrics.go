package knowledge

import "github.com/prometheus/client_golang/prometheus"

// Hooks receives events from the Index. Nil fields are skipped.
type Hooks struct {
	OnIndex         func(ok bool)
	OnSearch        func(ok bool, results int)
	OnEmbedFallback func()
}

// Metrics holds Prometheus metrics for the knowledge index.
type Metrics struct {
	IndexTotal         *prometheus.CounterVec
	SearchTotal        *prometheus.CounterVec
	SearchResults      prometheus.Histogram
	EmbedFallbackTotal prometheus.Counter
}

// NewMetrics registers and returns knowledge metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IndexTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftermath_knowledge_index_total",
			Help: "Incident index writes by outcome.",
		}, []string{"outcome"}),
		SearchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aftermath_knowledge_search_total",
			Help: "Similarity searches by outcome.",
		}, []string{"outcome"}),
		SearchResults: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aftermath_knowledge_search_results",
			Help:    "Number of results returned per similarity search.",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 25, 50},
		}),
		EmbedFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aftermath_knowledge_embed_fallback_total",
			Help: "Embedding failures replaced by the zero vector.",
		}),
	}

	reg.MustRegister(m.IndexTotal, m.SearchTotal, m.SearchResults, m.EmbedFallbackTotal)
	return m
}

// Hooks returns Hooks that update the corresponding metrics.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnIndex: func(ok bool) {
			m.IndexTotal.WithLabelValues(outcome(ok)).Inc()
		},
		OnSearch: func(ok bool, results int) {
			m.SearchTotal.WithLabelValues(outcome(ok)).Inc()
			m.SearchResults.Observe(float64(results))
		},
		OnEmbedFallback: func() {
			m.EmbedFallbackTotal.Inc()
		},
	}
}

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
