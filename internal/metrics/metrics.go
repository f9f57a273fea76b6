package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "proxyprobe"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	probeAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_attempts_total",
			Help:      "Number of completed probe attempts by result status.",
		}, []string{"status"},
	)
	probeDelay = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_delay_seconds",
			Help:      "Round trip of successful probes.",
			Buckets:   []float64{.05, .1, .25, .5, .6, 1, 1.5, 2.5, 5, 10},
		},
	)
	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Failed probe attempts by the stage that failed (port, launch, probe, panic).",
		}, []string{"stage"},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Engine terminations by mode (graceful or forced).",
		}, []string{"mode"},
	)
	persistErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Failed snapshot writes.",
		},
	)
	sweeps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_total",
			Help:      "Sweeps by result (completed, aborted, cancelled).",
		}, []string{"result"},
	)
	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of completed sweeps.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
	configsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "configs_online",
			Help:      "Configs whose latest result is online.",
		},
	)
	configsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "configs_total",
			Help:      "Configs present in the result snapshot.",
		},
	)
	engineMemory = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the engine under probe, sampled after warm-up.",
		},
	)
	engineCPU = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "cpu_percent",
			Help:      "CPU usage of the engine under probe, sampled after warm-up.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		probeAttempts, probeDelay, probeFailures, terminations, persistErrors,
		sweeps, sweepDuration, configsOnline, configsTotal, engineMemory, engineCPU,
	}
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

func ObserveAttempt(status string, delay time.Duration) {
	if !regOK.Load() {
		return
	}
	probeAttempts.WithLabelValues(status).Inc()
	if delay > 0 {
		probeDelay.Observe(delay.Seconds())
	}
}

func IncFailure(stage string) {
	if regOK.Load() {
		probeFailures.WithLabelValues(stage).Inc()
	}
}

func IncTermination(forced bool) {
	if !regOK.Load() {
		return
	}
	mode := "graceful"
	if forced {
		mode = "forced"
	}
	terminations.WithLabelValues(mode).Inc()
}

func IncPersistError() {
	if regOK.Load() {
		persistErrors.Inc()
	}
}

func ObserveSweep(result string, d time.Duration) {
	if !regOK.Load() {
		return
	}
	sweeps.WithLabelValues(result).Inc()
	if result == "completed" {
		sweepDuration.Observe(d.Seconds())
	}
}

func SetConfigs(online, total int) {
	if regOK.Load() {
		configsOnline.Set(float64(online))
		configsTotal.Set(float64(total))
	}
}
