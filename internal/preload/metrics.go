package preload

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus instrumentation for the preload cache.
type Metrics struct {
	Hits    *prometheus.CounterVec
	Misses  *prometheus.CounterVec
	Errors  *prometheus.CounterVec
	Fetches prometheus.Counter
	Latency prometheus.Histogram
}

// NewMetrics registers preload metrics against reg; nil gets a private
// registry, same convention as the store metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Hits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "predictlib",
				Subsystem: "preload_cache",
				Name:      "hits_total",
				Help:      "Total number of preload cache hits",
			},
			[]string{"cache_layer"},
		),
		Misses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "predictlib",
				Subsystem: "preload_cache",
				Name:      "misses_total",
				Help:      "Total number of preload cache misses",
			},
			[]string{"cache_layer"},
		),
		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "predictlib",
				Subsystem: "preload_cache",
				Name:      "errors_total",
				Help:      "Total number of preload cache errors",
			},
			[]string{"cache_layer", "error_type"},
		),
		Fetches: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "predictlib",
				Subsystem: "preload_cache",
				Name:      "fetches_total",
				Help:      "Total number of component asset fetches dispatched",
			},
		),
		Latency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "predictlib",
				Subsystem: "preload_cache",
				Name:      "fetch_duration_seconds",
				Help:      "Component asset fetch duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
	}
}
