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

	runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kvdl",
			Subsystem: "run",
			Name:      "total",
			Help:      "Finished runs by outcome (success, partial, fatal).",
		}, []string{"outcome"},
	)
	runInProgress = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kvdl",
			Subsystem: "run",
			Name:      "in_progress",
			Help:      "1 while a run is active.",
		},
	)
	items = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kvdl",
			Subsystem: "item",
			Name:      "total",
			Help:      "Tracks processed by result (completed, skipped, failed).",
		}, []string{"result"},
	)
	attempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kvdl",
			Subsystem: "item",
			Name:      "attempts_total",
			Help:      "Download attempts by outcome (success, failure).",
		}, []string{"outcome"},
	)
	attemptDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kvdl",
			Subsystem: "item",
			Name:      "attempt_duration_seconds",
			Help:      "Wall time of a single download attempt.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
	)
	retryWait = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kvdl",
			Subsystem: "item",
			Name:      "retry_wait_seconds_total",
			Help:      "Total backoff time spent between attempts.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{runs, runInProgress, items, attempts, attemptDuration, retryWait}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func RunStarted() {
	if regOK.Load() {
		runInProgress.Set(1)
	}
}

func RunFinished(outcome string) {
	if regOK.Load() {
		runInProgress.Set(0)
		runs.WithLabelValues(outcome).Inc()
	}
}

func IncItem(result string) {
	if regOK.Load() {
		items.WithLabelValues(result).Inc()
	}
}

func ObserveAttempt(success bool, seconds float64) {
	if !regOK.Load() {
		return
	}
	outcome := "failure"
	if success {
		outcome = "success"
	}
	attempts.WithLabelValues(outcome).Inc()
	attemptDuration.Observe(seconds)
}

func AddRetryWait(seconds float64) {
	if regOK.Load() {
		retryWait.Add(seconds)
	}
}
