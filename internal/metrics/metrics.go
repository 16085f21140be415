// Package metrics registers the process's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProviderCalls counts harness provider calls by provider and
	// terminal status (ok, parse_error, timeout, transport_error,
	// cancelled).
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "council",
		Subsystem: "llm",
		Name:      "provider_calls_total",
		Help:      "Provider calls by terminal status.",
	}, []string{"provider", "status"})

	// RepairRounds counts validation-driven repair attempts.
	RepairRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "council",
		Subsystem: "llm",
		Name:      "repair_rounds_total",
		Help:      "Repair prompts issued after failed validation.",
	}, []string{"provider"})

	// OrdersDispatched counts execution-stage broker dispatches by status.
	OrdersDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "council",
		Subsystem: "execution",
		Name:      "orders_total",
		Help:      "Broker dispatches by result status.",
	}, []string{"account", "status"})

	// JobsByState counts job transitions into terminal states.
	JobsByState = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "council",
		Subsystem: "jobs",
		Name:      "terminal_total",
		Help:      "Jobs reaching a terminal state.",
	}, []string{"status"})
)
