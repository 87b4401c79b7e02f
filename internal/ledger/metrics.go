package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ksred/klear-ledger/internal/apperr"
)

var (
	mutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "mutations_total",
		Help:      "Balance mutations by operation and outcome.",
	}, []string{"op", "outcome"})

	mutationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ledger",
		Name:      "mutation_duration_seconds",
		Help:      "Time spent running a balance mutation, including retries.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op"})

	conflictsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "concurrent_modifications_total",
		Help:      "Optimistic lock conflicts that triggered a retry.",
	}, []string{"op"})

	replaysTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "idempotent_replays_total",
		Help:      "Requests answered from an earlier result with the same idempotency key.",
	}, []string{"op"})

	breakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledger",
		Name:      "store_breaker_state",
		Help:      "Wallet store circuit breaker state (0 closed, 1 half-open, 2 open).",
	})
)

func init() {
	prometheus.MustRegister(mutationsTotal, mutationDuration, conflictsTotal, replaysTotal, breakerState)
}

func observeMutation(op string, err error, elapsed time.Duration) {
	mutationsTotal.WithLabelValues(op, outcome(err)).Inc()
	mutationDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "committed"
	case apperr.IsDependency(err):
		return "failed"
	default:
		return "rejected"
	}
}
