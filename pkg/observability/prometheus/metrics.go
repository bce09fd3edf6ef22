// Package prometheus exposes runtime measurements: actor sends and
// lock waits, appended events, archival runs with their size wins,
// restores, retention, and database pool health. The Metrics struct
// implements the actor and archive metrics interfaces, so wiring is
// one option per component; Serve stands up the scrape endpoint.
package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/statorio/stator/pkg/actor"
	"github.com/statorio/stator/pkg/archive"
	"github.com/statorio/stator/pkg/db"
)

var (
	_ actor.Metrics   = (*Metrics)(nil)
	_ archive.Metrics = (*Metrics)(nil)
)

var (
	// DefaultRegistry is the registry Serve scrapes.
	DefaultRegistry = prometheus.NewRegistry()

	// DefaultRegisterer labels every metric with the service name.
	DefaultRegisterer = prometheus.WrapRegistererWith(prometheus.Labels{"service": "stator"}, DefaultRegistry)

	metricsOnce sync.Once
	metrics     *Metrics
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Actor metrics
	SendsTotal       *prometheus.CounterVec
	SendDuration     *prometheus.HistogramVec
	LockWaitDuration *prometheus.HistogramVec
	EventsAppended   *prometheus.CounterVec

	// Archival metrics
	ArchiveRunsTotal       *prometheus.CounterVec
	ArchiveDuration        *prometheus.HistogramVec
	ArchiveOriginalBytes   *prometheus.CounterVec
	ArchiveCompressedBytes *prometheus.CounterVec
	RestoresTotal          *prometheus.CounterVec
	RestoreDuration        *prometheus.HistogramVec
	EligibleRoots          prometheus.Gauge
	ArchivesDeleted        prometheus.Counter

	// Database pool metrics
	DatabaseConnectionsOpen  prometheus.Gauge
	DatabaseConnectionsIdle  prometheus.Gauge
	DatabaseConnectionsInUse prometheus.Gauge
	DatabaseConnectionsWait  prometheus.Counter

	// Custom metrics registry
	CustomCounters   map[string]*prometheus.CounterVec
	CustomGauges     map[string]*prometheus.GaugeVec
	CustomHistograms map[string]*prometheus.HistogramVec
	customMu         sync.RWMutex

	poolWait int64
}

// GetMetrics returns the global metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = NewMetrics(DefaultRegisterer)
	})
	return metrics
}

// NewMetrics creates a metrics collection on the given registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = DefaultRegisterer
	}

	m := &Metrics{
		SendsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stator_sends_total",
				Help: "Total number of events sent to machines",
			},
			[]string{"machine", "result"},
		),
		SendDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stator_send_duration_seconds",
				Help:    "Macro-step duration in seconds, lock wait included",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"machine", "result"},
		),
		LockWaitDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stator_lock_wait_seconds",
				Help:    "Time spent waiting for the per-machine lock",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"machine"},
		),
		EventsAppended: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stator_events_appended_total",
				Help: "Total number of event rows appended to the log",
			},
			[]string{"machine"},
		),

		ArchiveRunsTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stator_archive_runs_total",
				Help: "Total number of timelines archived",
			},
			[]string{"machine"},
		),
		ArchiveDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stator_archive_duration_seconds",
				Help:    "Archival run duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"machine"},
		),
		ArchiveOriginalBytes: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stator_archive_original_bytes_total",
				Help: "Serialized timeline bytes before compression",
			},
			[]string{"machine"},
		),
		ArchiveCompressedBytes: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stator_archive_compressed_bytes_total",
				Help: "Archive blob bytes as stored",
			},
			[]string{"machine"},
		),
		RestoresTotal: promauto.With(registerer).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stator_restores_total",
				Help: "Total number of timelines restored from archives",
			},
			[]string{"machine"},
		),
		RestoreDuration: promauto.With(registerer).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stator_restore_duration_seconds",
				Help:    "Restore duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"machine"},
		),
		EligibleRoots: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "stator_archive_eligible_roots",
				Help: "Roots found eligible on the last sweep",
			},
		),
		ArchivesDeleted: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "stator_archives_deleted_total",
				Help: "Archives removed by retention",
			},
		),

		DatabaseConnectionsOpen: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "stator_database_connections_open",
				Help: "Number of open database connections",
			},
		),
		DatabaseConnectionsIdle: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "stator_database_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DatabaseConnectionsInUse: promauto.With(registerer).NewGauge(
			prometheus.GaugeOpts{
				Name: "stator_database_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DatabaseConnectionsWait: promauto.With(registerer).NewCounter(
			prometheus.CounterOpts{
				Name: "stator_database_connections_wait_total",
				Help: "Total number of database connection wait events",
			},
		),

		CustomCounters:   make(map[string]*prometheus.CounterVec),
		CustomGauges:     make(map[string]*prometheus.GaugeVec),
		CustomHistograms: make(map[string]*prometheus.HistogramVec),
	}

	return m
}

// ObserveSend records one macro-step.
func (m *Metrics) ObserveSend(machineID, result string, seconds float64) {
	m.SendsTotal.WithLabelValues(machineID, result).Inc()
	m.SendDuration.WithLabelValues(machineID, result).Observe(seconds)
}

// ObserveLockWait records one lock acquisition wait.
func (m *Metrics) ObserveLockWait(machineID string, seconds float64) {
	m.LockWaitDuration.WithLabelValues(machineID).Observe(seconds)
}

// AddAppended counts appended event rows.
func (m *Metrics) AddAppended(machineID string, n int) {
	if n > 0 {
		m.EventsAppended.WithLabelValues(machineID).Add(float64(n))
	}
}

// ObserveArchiveRoot records one archival run.
func (m *Metrics) ObserveArchiveRoot(machineID string, seconds float64, originalBytes, compressedBytes int) {
	m.ArchiveRunsTotal.WithLabelValues(machineID).Inc()
	m.ArchiveDuration.WithLabelValues(machineID).Observe(seconds)
	m.ArchiveOriginalBytes.WithLabelValues(machineID).Add(float64(originalBytes))
	m.ArchiveCompressedBytes.WithLabelValues(machineID).Add(float64(compressedBytes))
}

// ObserveRestore records one restore.
func (m *Metrics) ObserveRestore(machineID string, seconds float64) {
	m.RestoresTotal.WithLabelValues(machineID).Inc()
	m.RestoreDuration.WithLabelValues(machineID).Observe(seconds)
}

// SetEligibleRoots sets the sweep eligibility gauge.
func (m *Metrics) SetEligibleRoots(n int) {
	m.EligibleRoots.Set(float64(n))
}

// AddArchivesDeleted counts retention deletions.
func (m *Metrics) AddArchivesDeleted(n int) {
	if n > 0 {
		m.ArchivesDeleted.Add(float64(n))
	}
}

// UpdateDatabasePool updates the pool gauges. The wait count is
// cumulative; only its growth is added to the counter.
func (m *Metrics) UpdateDatabasePool(open, idle, inUse int, waitCount int64) {
	m.DatabaseConnectionsOpen.Set(float64(open))
	m.DatabaseConnectionsIdle.Set(float64(idle))
	m.DatabaseConnectionsInUse.Set(float64(inUse))
	if d := waitCount - m.poolWait; d > 0 {
		m.DatabaseConnectionsWait.Add(float64(d))
		m.poolWait = waitCount
	}
}

// WatchPool feeds pool statistics into the gauges every interval until
// ctx ends.
func (m *Metrics) WatchPool(ctx context.Context, pool *db.Pool, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s := pool.Stats()
				m.UpdateDatabasePool(s.OpenConnections, s.Idle, s.InUse, s.WaitCount)
			}
		}
	}()
}

// Counter creates or returns a custom counter metric.
func (m *Metrics) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	m.customMu.RLock()
	if counter, exists := m.CustomCounters[name]; exists {
		m.customMu.RUnlock()
		return counter
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	// Double-check after acquiring write lock
	if counter, exists := m.CustomCounters[name]; exists {
		return counter
	}

	counter := promauto.With(DefaultRegisterer).NewCounterVec(
		prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.CustomCounters[name] = counter
	return counter
}

// Gauge creates or returns a custom gauge metric.
func (m *Metrics) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	m.customMu.RLock()
	if gauge, exists := m.CustomGauges[name]; exists {
		m.customMu.RUnlock()
		return gauge
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	// Double-check after acquiring write lock
	if gauge, exists := m.CustomGauges[name]; exists {
		return gauge
	}

	gauge := promauto.With(DefaultRegisterer).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		labels,
	)
	m.CustomGauges[name] = gauge
	return gauge
}

// Histogram creates or returns a custom histogram metric.
func (m *Metrics) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	m.customMu.RLock()
	if histogram, exists := m.CustomHistograms[name]; exists {
		m.customMu.RUnlock()
		return histogram
	}
	m.customMu.RUnlock()

	m.customMu.Lock()
	defer m.customMu.Unlock()

	// Double-check after acquiring write lock
	if histogram, exists := m.CustomHistograms[name]; exists {
		return histogram
	}

	opts := prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: buckets,
	}
	if buckets == nil {
		opts.Buckets = prometheus.DefBuckets
	}

	histogram := promauto.With(DefaultRegisterer).NewHistogramVec(opts, labels)
	m.CustomHistograms[name] = histogram
	return histogram
}

// Counter returns a custom counter on the global metrics instance.
func Counter(name, help string, labels ...string) *prometheus.CounterVec {
	return GetMetrics().Counter(name, help, labels...)
}

// Gauge returns a custom gauge on the global metrics instance.
func Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	return GetMetrics().Gauge(name, help, labels...)
}

// Histogram returns a custom histogram on the global metrics instance.
func Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	return GetMetrics().Histogram(name, help, buckets, labels...)
}
