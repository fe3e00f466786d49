// Package metrics holds the Prometheus instrumentation for the execution core.
//
// Every method is safe on a nil *Metrics so components can run uninstrumented
// in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bot_execution"

type Metrics struct {
	// CycleOutcomes counts finished cycles by outcome (executed, skipped_*, failed, stopped)
	CycleOutcomes *prometheus.CounterVec

	// CycleDuration is the wall time of a cycle from tick to lock release
	CycleDuration prometheus.Histogram

	// LockAcquires counts acquire attempts by scope (user, bot) and result
	LockAcquires *prometheus.CounterVec

	// LockReleaseFailures counts releases that returned false or errored
	LockReleaseFailures *prometheus.CounterVec

	// LockMode is 1 while the lock manager runs distributed, 0 in local fallback
	LockMode prometheus.Gauge

	// BreakerState is 0 closed, 1 half-open, 2 open, per bot
	BreakerState *prometheus.GaugeVec

	// AutoStops counts bots halted by the core, by reason
	AutoStops *prometheus.CounterVec

	// RunningBots is the number of bots with an active cycle timer
	RunningBots prometheus.Gauge
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		CycleOutcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "outcomes_total",
				Help:      "Trading cycles by outcome",
			},
			[]string{"outcome"},
		),
		CycleDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "cycle",
				Name:      "duration_seconds",
				Help:      "Trading cycle duration from tick to lock release",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
		),
		LockAcquires: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "acquires_total",
				Help:      "Lock acquire attempts by scope and result",
			},
			[]string{"scope", "result"},
		),
		LockReleaseFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "release_failures_total",
				Help:      "Lock releases that did not remove the lock",
			},
			[]string{"scope"},
		),
		LockMode: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "lock",
				Name:      "distributed",
				Help:      "1 when locks are held in the shared store, 0 when degraded to in-process locking",
			},
		),
		BreakerState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit",
				Name:      "state",
				Help:      "Circuit breaker state per bot (0 closed, 1 half-open, 2 open)",
			},
			[]string{"user_id", "bot_id"},
		),
		AutoStops: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "risk",
				Name:      "auto_stops_total",
				Help:      "Bots stopped by the execution core, by reason",
			},
			[]string{"reason"},
		),
		RunningBots: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "running_bots",
				Help:      "Bots with an active cycle timer",
			},
		),
	}
}

func (m *Metrics) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CycleOutcomes.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(d.Seconds())
}

func (m *Metrics) LockAcquire(scope string, ok bool) {
	if m == nil {
		return
	}
	result := "acquired"
	if !ok {
		result = "contended"
	}
	m.LockAcquires.WithLabelValues(scope, result).Inc()
}

func (m *Metrics) LockReleaseFailed(scope string) {
	if m == nil {
		return
	}
	m.LockReleaseFailures.WithLabelValues(scope).Inc()
}

func (m *Metrics) SetLockDistributed(distributed bool) {
	if m == nil {
		return
	}
	if distributed {
		m.LockMode.Set(1)
	} else {
		m.LockMode.Set(0)
	}
}

func (m *Metrics) SetBreakerState(userID, botID string, value float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(userID, botID).Set(value)
}

func (m *Metrics) DeleteBreakerState(userID, botID string) {
	if m == nil {
		return
	}
	m.BreakerState.DeleteLabelValues(userID, botID)
}

func (m *Metrics) AutoStop(reason string) {
	if m == nil {
		return
	}
	m.AutoStops.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetRunningBots(n int) {
	if m == nil {
		return
	}
	m.RunningBots.Set(float64(n))
}
