package dispatcher

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type pipelineMetrics struct {
	outcomes *prometheus.CounterVec
	runs     prometheus.Counter
	duration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metrics     *pipelineMetrics
)

// getMetrics lazily registers the pipeline collectors on the default
// registry. Lazy so test binaries with many pipelines register once.
func getMetrics() *pipelineMetrics {
	metricsOnce.Do(func() {
		metrics = &pipelineMetrics{
			outcomes: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "acessobox_dispatch_outcomes_total",
				Help: "Per-message dispatch outcomes",
			}, []string{"outcome"}),
			runs: promauto.NewCounter(prometheus.CounterOpts{
				Name: "acessobox_dispatch_runs_total",
				Help: "Completed pipeline runs",
			}),
			duration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "acessobox_dispatch_run_seconds",
				Help:    "Pipeline run duration",
				Buckets: prometheus.DefBuckets,
			}),
		}
	})
	return metrics
}

func observeRun(summary Summary) {
	m := getMetrics()
	m.runs.Inc()
	m.duration.Observe(summary.Elapsed.Seconds())
	for outcome, n := range summary.Counts {
		m.outcomes.WithLabelValues(string(outcome)).Add(float64(n))
	}
}
