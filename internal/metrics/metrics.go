package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	instanceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostr",
			Subsystem: "instance",
			Name:      "starts_total",
			Help:      "Number of successful instance starts.",
		}, []string{"instance"},
	)
	instanceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostr",
			Subsystem: "instance",
			Name:      "stops_total",
			Help:      "Number of instance stops (voluntary or by policy).",
		}, []string{"instance"},
	)
	autoRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostr",
			Subsystem: "instance",
			Name:      "auto_restarts_total",
			Help:      "Number of automatic restarts after unexpected exits.",
		}, []string{"instance"},
	)
	sleepTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostr",
			Subsystem: "instance",
			Name:      "sleep_transitions_total",
			Help:      "Number of transitions into sleep mode by reason.",
		}, []string{"instance", "reason"},
	)
	recoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostr",
			Subsystem: "instance",
			Name:      "recoveries_total",
			Help:      "Number of free budget recoveries by kind (auto or manual).",
		}, []string{"kind"},
	)
	errorEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostr",
			Subsystem: "instance",
			Name:      "error_entries_total",
			Help:      "Number of error log entries captured from instance output.",
		}, []string{"instance"},
	)
	runningInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hostr",
			Subsystem: "instance",
			Name:      "running",
			Help:      "Current number of running instances.",
		},
	)
	remainingSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hostr",
			Subsystem: "budget",
			Name:      "remaining_seconds",
			Help:      "Remaining hosting time budget per instance.",
		}, []string{"instance"},
	)
	powerRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "hostr",
			Subsystem: "budget",
			Name:      "power_remaining",
			Help:      "Remaining power budget (0-100) per instance.",
		}, []string{"instance"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{instanceStarts, instanceStops, autoRestarts,
		sleepTransitions, recoveries, errorEntries, runningInstances,
		remainingSeconds, powerRemaining}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the
// DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(instance string) {
	if regOK.Load() {
		instanceStarts.WithLabelValues(instance).Inc()
	}
}

func IncStop(instance string) {
	if regOK.Load() {
		instanceStops.WithLabelValues(instance).Inc()
	}
}

func IncAutoRestart(instance string) {
	if regOK.Load() {
		autoRestarts.WithLabelValues(instance).Inc()
	}
}

func IncSleep(instance, reason string) {
	if regOK.Load() {
		sleepTransitions.WithLabelValues(instance, reason).Inc()
	}
}

func IncRecovery(kind string) {
	if regOK.Load() {
		recoveries.WithLabelValues(kind).Inc()
	}
}

func IncErrorEntry(instance string) {
	if regOK.Load() {
		errorEntries.WithLabelValues(instance).Inc()
	}
}

func SetRunningInstances(n int) {
	if regOK.Load() {
		runningInstances.Set(float64(n))
	}
}

func SetBudget(instance string, seconds int64, power float64) {
	if regOK.Load() {
		remainingSeconds.WithLabelValues(instance).Set(float64(seconds))
		powerRemaining.WithLabelValues(instance).Set(power)
	}
}
