package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chromevisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	installs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "total",
			Help:      "Install runs by result.",
		}, []string{"result"},
	)
	installDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "install",
			Name:      "duration_seconds",
			Help:      "Wall time of successful installs, download and extraction included.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
	)
	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "launches_total",
			Help:      "Launch attempts by result.",
		}, []string{"result"},
	)
	launchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "launch_duration_seconds",
			Help:      "Time from spawn until the control port answered.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	attaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connect",
			Name:      "attaches_total",
			Help:      "Attach outcomes (ok, unreachable, handshake).",
		}, []string{"result"},
	)
	attachAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connect",
			Name:      "attempts_total",
			Help:      "Individual attach attempts including retries.",
		},
	)
	healthChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Control port probes by result.",
		}, []string{"result"},
	)
	crashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "crashes_total",
			Help:      "Crashes observed by the monitor.",
		}, []string{"profile"},
	)
	restarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "restarts_total",
			Help:      "Automatic restarts by result.",
		}, []string{"profile", "result"},
	)
	browserUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "up",
			Help:      "1 when the supervised browser answered its last health probe.",
		}, []string{"profile"},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "terminations_total",
			Help:      "Termination outcomes (graceful, forced, failed).",
		}, []string{"result"},
	)
	ensures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "ensure_total",
			Help:      "Ensure calls by outcome (attached, launched, installed, failed).",
		}, []string{"outcome"},
	)
	browserCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "cpu_percent",
			Help:      "CPU usage of the browser process tree.",
		}, []string{"profile"},
	)
	browserMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "memory_mb",
			Help:      "Resident memory of the browser process tree in MiB.",
		}, []string{"profile"},
	)
	browserPages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "browser",
			Name:      "renderers",
			Help:      "Renderer child processes, an approximation of open pages.",
		}, []string{"profile"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		installs, installDuration, launches, launchDuration, attaches, attachAttempts,
		healthChecks, crashes, restarts, browserUp, terminations, ensures,
		browserCPU, browserMemory, browserPages,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncInstall(result string) {
	if regOK.Load() {
		installs.WithLabelValues(result).Inc()
	}
}

func ObserveInstallDuration(seconds float64) {
	if regOK.Load() {
		installDuration.Observe(seconds)
	}
}

func IncLaunch(result string) {
	if regOK.Load() {
		launches.WithLabelValues(result).Inc()
	}
}

func ObserveLaunchDuration(seconds float64) {
	if regOK.Load() {
		launchDuration.Observe(seconds)
	}
}

func IncAttach(result string) {
	if regOK.Load() {
		attaches.WithLabelValues(result).Inc()
	}
}

func IncAttachAttempt() {
	if regOK.Load() {
		attachAttempts.Inc()
	}
}

func IncHealthCheck(reachable bool) {
	if regOK.Load() {
		r := "unreachable"
		if reachable {
			r = "reachable"
		}
		healthChecks.WithLabelValues(r).Inc()
	}
}

func IncCrash(profile string) {
	if regOK.Load() {
		crashes.WithLabelValues(profile).Inc()
	}
}

func IncRestart(profile, result string) {
	if regOK.Load() {
		restarts.WithLabelValues(profile, result).Inc()
	}
}

func SetBrowserUp(profile string, up bool) {
	if regOK.Load() {
		var v float64
		if up {
			v = 1
		}
		browserUp.WithLabelValues(profile).Set(v)
	}
}

func IncTermination(result string) {
	if regOK.Load() {
		terminations.WithLabelValues(result).Inc()
	}
}

func IncEnsure(outcome string) {
	if regOK.Load() {
		ensures.WithLabelValues(outcome).Inc()
	}
}

// SetBrowserResources publishes one resource sample for profile.
func SetBrowserResources(profile string, cpuPercent, memoryMB float64, renderers int) {
	if regOK.Load() {
		browserCPU.WithLabelValues(profile).Set(cpuPercent)
		browserMemory.WithLabelValues(profile).Set(memoryMB)
		browserPages.WithLabelValues(profile).Set(float64(renderers))
	}
}
