package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hpcflow/cosched/internal/common/coerrors"
	"github.com/hpcflow/cosched/internal/cosched/model"
)

const NAMESPACE = "cosched"
const SUBSYSTEM = "search"

type SearchMetrics struct {
	registry *prometheus.Registry
	// Trials evaluated, by heuristics and outcome.
	trials *prometheus.CounterVec
	// Makespan of every feasible trial.
	makespans *prometheus.HistogramVec
	// Best makespan found so far, per scenario.
	bestMakespan *prometheus.GaugeVec
	// Bisection steps per equilibrium solve.
	solverIterations prometheus.Histogram
	// Nodes given to the pool by successful trials.
	poolNodes prometheus.Histogram
}

// NewSearchMetrics creates the collectors on a registry owned by the returned value, so several instances can
// live in one process.
func NewSearchMetrics() *SearchMetrics {
	trials := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "trials_total",
			Help:      "Number of partitions evaluated.",
		},
		[]string{
			"heuristics",
			"reason",
		},
	)

	makespans := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "makespan_seconds",
			Help:      "Makespan of feasible trials.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 20),
		},
		[]string{
			"heuristics",
		},
	)

	bestMakespan := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "best_makespan_seconds",
			Help:      "Lowest makespan of any feasible trial.",
		},
		[]string{
			"scenario",
		},
	)

	solverIterations := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "equilibrium_iterations",
			Help:      "Bisection steps taken by the equilibrium solver.",
			Buckets:   prometheus.LinearBuckets(0, 20, 11),
		},
	)

	poolNodes := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: NAMESPACE,
			Subsystem: SUBSYSTEM,
			Name:      "pool_nodes",
			Help:      "Nodes assigned to the shared pool.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(trials)
	registry.MustRegister(makespans)
	registry.MustRegister(bestMakespan)
	registry.MustRegister(solverIterations)
	registry.MustRegister(poolNodes)

	return &SearchMetrics{
		registry:         registry,
		trials:           trials,
		makespans:        makespans,
		bestMakespan:     bestMakespan,
		solverIterations: solverIterations,
		poolNodes:        poolNodes,
	}
}

// ReportTrial records one evaluated partition. result may be nil when the allocator failed.
func (metrics *SearchMetrics) ReportTrial(heuristics model.Heuristics, result *model.ScheduleResult, err error) {
	metrics.trials.WithLabelValues(heuristics.String(), coerrors.Reason(err)).Inc()
	if result == nil {
		return
	}
	if result.Solved {
		metrics.solverIterations.Observe(float64(result.SolverIterations))
	}
	if pool := result.Pool(); pool != nil && pool.NodeCount > 0 {
		metrics.poolNodes.Observe(float64(pool.NodeCount))
	}
	if err == nil {
		metrics.makespans.WithLabelValues(heuristics.String()).Observe(result.Makespan)
	}
}

func (metrics *SearchMetrics) ReportBest(scenario string, makespan float64) {
	metrics.bestMakespan.WithLabelValues(scenario).Set(makespan)
}

func (metrics *SearchMetrics) Registry() *prometheus.Registry {
	return metrics.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (metrics *SearchMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{})
}
