package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors updated by the Orchestrator.
type Metrics struct {
	NodeExecutions     *prometheus.CounterVec
	NodeDuration       *prometheus.HistogramVec
	Runs               *prometheus.CounterVec
	CacheClearFailures prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		NodeExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "node_executions_total",
			Help:      "Node executions by operator type and outcome",
		}, []string{"operator", "outcome"}),
		NodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "node_execution_seconds",
			Help:      "Latency of remote node executions",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"operator"}),
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "runs_total",
			Help:      "Full pipeline runs by result",
		}, []string{"result"}),
		CacheClearFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "cache_clear_failures_total",
			Help:      "Failed best-effort cache invalidations before a run",
		}),
	}
}
