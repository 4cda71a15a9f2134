package reputation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// scoreComputations counts score computations by trigger (single, stale, all).
	scoreComputations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentgov",
			Subsystem: "reputation",
			Name:      "computations_total",
			Help:      "Score computations by trigger.",
		},
		[]string{"trigger"},
	)

	scoreComputeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agentgov",
			Subsystem: "reputation",
			Name:      "compute_duration_seconds",
			Help:      "Single-agent score computation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	// trustLevels counts computed scores by resulting trust level.
	trustLevels = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentgov",
			Subsystem: "reputation",
			Name:      "trust_level_total",
			Help:      "Computed scores by trust level.",
		},
		[]string{"level"},
	)

	eventsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentgov",
			Subsystem: "reputation",
			Name:      "events_recorded_total",
			Help:      "Reputation events recorded by type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(scoreComputations, scoreComputeDuration, trustLevels, eventsRecorded)
}

func observeCompute(trigger string) func() {
	scoreComputations.WithLabelValues(trigger).Inc()
	start := time.Now()
	return func() {
		scoreComputeDuration.Observe(time.Since(start).Seconds())
	}
}
