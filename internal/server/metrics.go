package server

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/process"
)

// Metrics exposes server counters to Prometheus. The same numbers back
// the INFO reply, so scraping is optional.
type Metrics struct {
	registry *prometheus.Registry

	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	commandsTotal     *prometheus.CounterVec
	errorsTotal       prometheus.Counter
	snapshotSeconds   prometheus.Histogram
	keysGauge         prometheus.Gauge
	memoryBytes       prometheus.Gauge
}

// NewMetrics builds a Metrics set on its own registry so that multiple
// servers in one process (tests) do not collide.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kv_connections_total",
			Help: "Connections accepted since startup.",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kv_connections_active",
			Help: "Currently open connections.",
		}),
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "kv_commands_total",
			Help: "Commands dispatched, by command name.",
		}, []string{"command"}),
		errorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "kv_errors_total",
			Help: "Commands that produced an error reply.",
		}),
		snapshotSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "kv_snapshot_duration_seconds",
			Help:    "Wall time of SAVE/LOAD/BACKUP while holding the engine lock.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		keysGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kv_keys",
			Help: "Live keys in the engine.",
		}),
		memoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kv_process_resident_bytes",
			Help: "Process resident set size.",
		}),
	}
}

// Handler serves the exposition endpoint for --metrics-addr.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeSnapshot(start time.Time) {
	m.snapshotSeconds.Observe(time.Since(start).Seconds())
}

// sampleSystem refreshes the process-level gauges. Called from the
// maintenance pool, never from the event loop.
func (m *Metrics) sampleSystem() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}

	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		m.memoryBytes.Set(float64(mem.RSS))
	}
}

// residentMemory returns the process RSS in bytes for the INFO reply,
// zero when unavailable.
func residentMemory() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}

	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return 0
	}

	return mem.RSS
}
