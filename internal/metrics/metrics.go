package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// States the supervisor gauge is labelled with.
var States = []string{"starting", "ready", "degraded", "failed", "stopped"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      "launches_total",
			Help:      "Backend spawn attempts by strategy and outcome.",
		}, []string{"strategy", "result"},
	)
	restarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "backend",
			Name:      "restarts_total",
			Help:      "Automatic restart attempts after a failed health check.",
		},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Health endpoint polls by phase and result.",
		}, []string{"phase", "result"},
	)
	healthLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sidecar",
			Subsystem: "health",
			Name:      "check_duration_seconds",
			Help:      "Latency of health endpoint polls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"phase"},
	)
	statusEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "status",
			Name:      "published_total",
			Help:      "Backend status transitions published to the host UI.",
		}, []string{"ready"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sidecar",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Supervisor state machine transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "sidecar",
			Subsystem: "supervisor",
			Name:      "state",
			Help:      "Current supervisor state (1 = active).",
		}, []string{"state"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{launches, restarts, healthChecks, healthLatency, statusEvents, stateTransitions, currentState}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	if err := registerAll(r, collectors()); err != nil {
		return err
	}
	regOK.Store(true)
	return nil
}

func registerAll(r prometheus.Registerer, cs []prometheus.Collector) error {
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered with the default registry is fine
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has succeeded.

func IncLaunch(strategy string, ok bool) {
	if regOK.Load() {
		launches.WithLabelValues(strategy, result(ok)).Inc()
	}
}

func IncRestart() {
	if regOK.Load() {
		restarts.Inc()
	}
}

func ObserveHealthCheck(phase string, ok bool, seconds float64) {
	if regOK.Load() {
		healthChecks.WithLabelValues(phase, result(ok)).Inc()
		healthLatency.WithLabelValues(phase).Observe(seconds)
	}
}

func IncStatus(ready bool) {
	if regOK.Load() {
		v := "false"
		if ready {
			v = "true"
		}
		statusEvents.WithLabelValues(v).Inc()
	}
}

// RecordStateTransition counts from->to and moves the state gauge.
func RecordStateTransition(from, to string) {
	if !regOK.Load() {
		return
	}
	stateTransitions.WithLabelValues(from, to).Inc()
	for _, s := range States {
		v := 0.0
		if s == to {
			v = 1
		}
		currentState.WithLabelValues(s).Set(v)
	}
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
