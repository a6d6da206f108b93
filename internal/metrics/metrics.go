package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	clockOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitepunch",
			Name:      "clock_operations_total",
			Help:      "Clock-in/out attempts by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	queueDrains = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitepunch",
			Name:      "queue_drain_ops_total",
			Help:      "Queued operations processed during drain, by outcome.",
		},
		[]string{"outcome"},
	)

	reviewDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sitepunch",
			Name:      "review_decisions_total",
			Help:      "Entry review decisions.",
		},
		[]string{"decision"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(clockOps, queueDrains, reviewDecisions)
	})
}

// IncClockOp counts one clock operation attempt.
func IncClockOp(kind, outcome string) {
	clockOps.WithLabelValues(kind, outcome).Inc()
}

// IncQueueDrain counts one drained operation outcome.
func IncQueueDrain(outcome string) {
	queueDrains.WithLabelValues(outcome).Inc()
}

// IncReviewDecision counts one approve/reject decision.
func IncReviewDecision(decision string) {
	reviewDecisions.WithLabelValues(decision).Inc()
}
