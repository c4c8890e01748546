package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus instrumentation for store operations.
type Metrics struct {
	Latency *prometheus.HistogramVec
	Errors  *prometheus.CounterVec
}

// NewMetrics registers store metrics against reg. Callers that create
// more than one Store in the same process (tests included) should pass
// a distinct registry per instance to avoid duplicate-registration
// panics; passing nil creates a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "predictlib",
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Interaction store operation duration in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation", "status"},
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "predictlib",
				Subsystem: "store",
				Name:      "errors_total",
				Help:      "Total number of interaction store errors",
			},
			[]string{"operation"},
		),
	}
}
