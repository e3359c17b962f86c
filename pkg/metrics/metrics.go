// Package metrics provides a Prometheus-based recorder for the outer
// loop's own behavior (iterations, breaker trips, reconciliation
// drift). It is a boundary package: only internal/runner and
// cmd/orchestrator import it, so Store/Validator/Batcher stay free of a
// metrics dependency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records outer-loop metrics as Prometheus counters.
type Recorder struct {
	iterationsTotal     *prometheus.CounterVec
	breakerTripsTotal   prometheus.Counter
	verifiedTotal       prometheus.Counter
	claimedTotal        prometheus.Counter
	reconcileDriftTotal prometheus.Counter
}

// NewRecorder registers and returns a new Recorder. Safe to call once
// per process; a second call against the default registry panics, so
// callers construct exactly one Recorder at startup.
func NewRecorder() *Recorder {
	return &Recorder{
		iterationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "featurectl_iterations_total",
				Help: "Total outer-loop iterations by outcome",
			},
			[]string{"outcome"},
		),
		breakerTripsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "featurectl_breaker_trips_total",
				Help: "Total times the circuit breaker has stopped the loop",
			},
		),
		verifiedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "featurectl_features_verified_total",
				Help: "Total feature completions verified via kanban_stats",
			},
		),
		claimedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "featurectl_features_claimed_total",
				Help: "Total feature completions claimed by the agent via feature_status tool calls",
			},
		),
		reconcileDriftTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "featurectl_reconcile_drift_total",
				Help: "Total sessions where claimed and verified completion counts disagreed",
			},
		),
	}
}

// ObserveIteration records one outer-loop iteration's outcome: one of
// "no_work", "breaker_tripped", "failed", or "completed".
func (r *Recorder) ObserveIteration(outcome string) {
	r.iterationsTotal.WithLabelValues(outcome).Inc()
}

// IncBreakerTrip records the breaker stopping the loop.
func (r *Recorder) IncBreakerTrip() {
	r.breakerTripsTotal.Inc()
}

// ObserveReconciliation records one session's claimed/verified tallies,
// flagging drift between them (spec.md §9: verified is authoritative).
func (r *Recorder) ObserveReconciliation(claimed, verified int) {
	r.claimedTotal.Add(float64(claimed))
	r.verifiedTotal.Add(float64(verified))
	if claimed != verified {
		r.reconcileDriftTotal.Inc()
	}
}
