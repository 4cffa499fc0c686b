package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gamekeeper"

// Package-level collectors, registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Number of server spawns.",
		}, []string{"name"},
	)
	serverStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "stops_total",
			Help:      "Number of completed stops by escalation step (graceful, terminate, kill).",
		}, []string{"name", "step"},
	)
	serverCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "crashes_total",
			Help:      "Number of unexpected server exits.",
		}, []string{"name"},
	)
	readyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "ready_duration_seconds",
			Help:      "Time from spawn to the ready marker.",
			Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Number of lifecycle state transitions.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "current_state",
			Help:      "Current lifecycle state (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "cpu_percent",
			Help:      "CPU usage of the server process.",
		}, []string{"name"},
	)
	memoryRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the server process.",
		}, []string{"name"},
	)

	backups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "total",
			Help:      "Number of backups by result.",
		}, []string{"name", "result"},
	)
	backupBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "last_size_bytes",
			Help:      "Size of the most recent successful archive.",
		}, []string{"name"},
	)
	backupDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "duration_seconds",
			Help:      "Time spent writing an archive.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"name"},
	)
)

// Register registers all collectors with r. Calling it again is a no-op.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		serverStarts, serverStops, serverCrashes, readyDuration,
		stateTransitions, currentStates, cpuPercent, memoryRSS,
		backups, backupBytes, backupDuration,
	}
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

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below are no-ops until Register succeeds.

func IncStart(name string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name, step string) {
	if regOK.Load() {
		serverStops.WithLabelValues(name, step).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		serverCrashes.WithLabelValues(name).Inc()
	}
}

func ObserveReady(name string, seconds float64) {
	if regOK.Load() {
		readyDuration.WithLabelValues(name).Observe(seconds)
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if regOK.Load() {
		v := 0.0
		if active {
			v = 1
		}
		currentStates.WithLabelValues(name, state).Set(v)
	}
}

func SetUsage(name string, cpu float64, rss uint64) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(name).Set(cpu)
		memoryRSS.WithLabelValues(name).Set(float64(rss))
	}
}

func ObserveBackup(name string, ok bool, size int64, seconds float64) {
	if !regOK.Load() {
		return
	}
	result := "success"
	if !ok {
		result = "failed"
	}
	backups.WithLabelValues(name, result).Inc()
	if ok {
		backupBytes.WithLabelValues(name).Set(float64(size))
		backupDuration.WithLabelValues(name).Observe(seconds)
	}
}
