package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ledgerOps counts ledger operations by op.
	ledgerOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentgov",
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Total credit ledger operations by op.",
		},
		[]string{"op"},
	)

	// ledgerOutcomes counts ledger operations by op and outcome (ok, insufficient, error).
	ledgerOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentgov",
			Subsystem: "ledger",
			Name:      "outcomes_total",
			Help:      "Credit ledger operation outcomes.",
		},
		[]string{"op", "outcome"},
	)

	// ledgerOpDuration observes operation latency by op.
	ledgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentgov",
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Credit ledger operation duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	// creditsMoved sums credits moved by transaction type.
	creditsMoved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentgov",
			Subsystem: "ledger",
			Name:      "credits_moved_total",
			Help:      "Credits added or charged, by transaction type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(ledgerOps, ledgerOutcomes, ledgerOpDuration, creditsMoved)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(op string) func() {
	ledgerOps.WithLabelValues(op).Inc()
	start := time.Now()
	return func() {
		ledgerOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
