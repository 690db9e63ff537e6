// Package monitor holds the Prometheus collectors of the CSC.
package monitor

import (
	"context"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// Transport
	TransportExchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "electrometer_transport_exchanges_total",
			Help: "Completed request/reply exchanges",
		},
		[]string{"kind"},
	)

	TransportFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "electrometer_transport_failures_total",
			Help: "Failed exchanges by reason",
		},
		[]string{"kind", "reason"},
	)

	// Bus commands
	Commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "electrometer_commands_total",
			Help: "Bus commands by name and ack",
		},
		[]string{"command", "ack"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "electrometer_command_duration_seconds",
			Help:    "Time spent executing bus commands",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	// State
	SummaryState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "electrometer_summary_state",
		Help: "Current summary state (OFFLINE=0 .. FAULT=4)",
	})

	DetailedState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "electrometer_detailed_state",
			Help: "1 for the current detailed state, 0 otherwise",
		},
		[]string{"state"},
	)

	// Scans
	Scans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "electrometer_scans_total",
			Help: "Finished scans by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ScanSamples = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "electrometer_scan_samples",
		Help:    "Samples per scan",
		Buckets: prometheus.ExponentialBuckets(1, 4, 9),
	})

	ArtifactBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "electrometer_artifact_bytes_total",
		Help: "Bytes written to scan artifacts",
	})

	// Bus fan-out
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "electrometer_events_published_total",
			Help: "Bus events by name",
		},
		[]string{"event"},
	)

	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "electrometer_event_subscribers",
		Help: "Connected event subscribers",
	})

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "electrometer_goroutines",
		Help: "Current number of goroutines",
	})

	MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "electrometer_memory_usage_bytes",
		Help: "Heap bytes allocated",
	})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TransportExchanges,
			TransportFailures,
			Commands,
			CommandDuration,
			SummaryState,
			DetailedState,
			Scans,
			ScanSamples,
			ArtifactBytes,
			EventsPublished,
			Subscribers,
			GoroutineCount,
			MemoryUsage,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}

// SetDetailedState marks state as the only active detailed state.
func SetDetailedState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		DetailedState.WithLabelValues(s).Set(v)
	}
}

// RunRuntimeMonitor samples goroutine and memory usage until ctx is done.
func RunRuntimeMonitor(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)

			GoroutineCount.Set(float64(runtime.NumGoroutine()))
			MemoryUsage.Set(float64(mem.Alloc))

			logger.Debug("Runtime stats",
				zap.Int("goroutines", runtime.NumGoroutine()),
				zap.Uint64("alloc_bytes", mem.Alloc))
		}
	}
}
