package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_ledger_operations_total",
			Help: "Ledger operations by kind and outcome (applied, replayed, rejected, error)",
		},
		[]string{"kind", "outcome"},
	)

	PublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_ledger_publish_errors_total",
			Help: "Committed events that could not be handed to the bus",
		},
	)

	ProjectedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_projector_events_total",
			Help: "Events seen by the projector by type and result (applied, duplicate, skipped)",
		},
		[]string{"type", "result"},
	)

	DeadLettered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_projector_dead_lettered_total",
			Help: "Messages routed to the dead-letter topic",
		},
	)

	DeadLetterArrivals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_projector_dead_letter_arrivals_total",
			Help: "Messages read back from the dead-letter topic",
		},
	)

	SuspiciousFlags = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_projector_suspicious_total",
			Help: "Withdrawals that triggered the fraud heuristic",
		},
	)
)
