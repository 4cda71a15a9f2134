package attestation

import "github.com/prometheus/client_golang/prometheus"

var (
	// attestationsCreated counts CreateAttestation calls by outcome (created, existing).
	attestationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentgov",
			Subsystem: "attestation",
			Name:      "created_total",
			Help:      "Attestations created, by whether the row was new.",
		},
		[]string{"outcome"},
	)

	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentgov",
			Subsystem: "attestation",
			Name:      "verifications_total",
			Help:      "Attestation verifications by result.",
		},
		[]string{"result"},
	)

	// publishes counts on-chain publish attempts by outcome (ok, error, unavailable).
	publishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentgov",
			Subsystem: "attestation",
			Name:      "publishes_total",
			Help:      "On-chain attestation publishes by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(attestationsCreated, verifications, publishes)
}
