// Package telemetry wires the engine, writeback, and hoard counters into
// a Prometheus registry. It is gated on an explicit InitRegistry call: every
// Metrics method is nil-receiver-safe, so a daemon run with metrics disabled
// pays no registration or collection cost.
package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry
	enabled  bool
)

// InitRegistry creates the process-wide Prometheus registry. Until this is
// called, IsEnabled reports false and NewMetrics returns nil.
func InitRegistry() *prometheus.Registry {
	registry = prometheus.NewRegistry()
	enabled = true
	return registry
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	return enabled
}

// GetRegistry returns the process-wide registry, or nil if metrics are
// disabled.
func GetRegistry() *prometheus.Registry {
	return registry
}

// Handler returns the HTTP handler serving the registry's scrape endpoint.
// Callers should only mount this when IsEnabled.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Metrics holds every gauge/counter parcelkeeper exports. A nil *Metrics is
// valid and every Record* method on it is a no-op, so callers can hold a
// possibly-nil *Metrics without branching on IsEnabled themselves.
type Metrics struct {
	chunksFromModified prometheus.Counter
	chunksFromLocal    prometheus.Counter
	chunksFromHoard    prometheus.Counter
	chunksFromOrigin   prometheus.Counter
	chunksWritten      prometheus.Counter
	tagMismatches      prometheus.Counter
	keyMismatches      prometheus.Counter

	cacheEntries *prometheus.GaugeVec
	hoardBytes   prometheus.Gauge

	// lastMu guards last, the previous engine.Stats snapshot's fields, so
	// repeated RecordEngineStats calls (each passing the engine's
	// cumulative counters) can report only the delta to the underlying
	// prometheus.Counters, which only support Add, not Set.
	lastMu sync.Mutex
	last   engineSnapshot
}

type engineSnapshot struct {
	fromModified, fromLocal, fromHoard, fromOrigin uint64
	written, tagMismatches, keyMismatches           uint64
}

// NewMetrics registers parcelkeeper's metric families against the process
// registry. Returns nil if metrics are not enabled (InitRegistry not
// called), so constructors can unconditionally pass the result along to
// components that already accept a possibly-nil *Metrics.
func NewMetrics() *Metrics {
	if !IsEnabled() {
		return nil
	}
	reg := GetRegistry()

	return &Metrics{
		chunksFromModified: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parcelkeeper_chunks_from_modified_total",
			Help: "Chunks served from the Modified store.",
		}),
		chunksFromLocal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parcelkeeper_chunks_from_local_total",
			Help: "Chunks served from LocalCache.",
		}),
		chunksFromHoard: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parcelkeeper_chunks_from_hoard_total",
			Help: "Chunks served from HoardCache.",
		}),
		chunksFromOrigin: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parcelkeeper_chunks_from_origin_total",
			Help: "Chunks fetched from the origin transport.",
		}),
		chunksWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parcelkeeper_chunks_written_total",
			Help: "Chunks written via PutChunk.",
		}),
		tagMismatches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parcelkeeper_tag_mismatches_total",
			Help: "Content-tag verification failures across all stores.",
		}),
		keyMismatches: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "parcelkeeper_key_mismatches_total",
			Help: "Content-key verification failures across all stores.",
		}),
		cacheEntries: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "parcelkeeper_writeback_entries",
			Help: "WritebackCache entry counts by state.",
		}, []string{"state"}), // clean, dirty
		hoardBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "parcelkeeper_hoard_allocated_bytes",
			Help: "Bytes currently allocated in the hoard pool.",
		}),
	}
}

// RecordEngineStats accepts an engine.Stats snapshot's cumulative counters
// and adds the delta since the last call onto the exported Prometheus
// counters, which only support Add, not Set.
func (m *Metrics) RecordEngineStats(fromModified, fromLocal, fromHoard, fromOrigin, written, tagMismatches, keyMismatches uint64) {
	if m == nil {
		return
	}
	m.lastMu.Lock()
	defer m.lastMu.Unlock()

	m.chunksFromModified.Add(float64(delta(&m.last.fromModified, fromModified)))
	m.chunksFromLocal.Add(float64(delta(&m.last.fromLocal, fromLocal)))
	m.chunksFromHoard.Add(float64(delta(&m.last.fromHoard, fromHoard)))
	m.chunksFromOrigin.Add(float64(delta(&m.last.fromOrigin, fromOrigin)))
	m.chunksWritten.Add(float64(delta(&m.last.written, written)))
	m.tagMismatches.Add(float64(delta(&m.last.tagMismatches, tagMismatches)))
	m.keyMismatches.Add(float64(delta(&m.last.keyMismatches, keyMismatches)))
}

// delta returns total-*prev, then stores total into *prev. It assumes
// total is non-decreasing between calls, true of every engine.Stats field.
func delta(prev *uint64, total uint64) uint64 {
	d := total - *prev
	*prev = total
	return d
}

// RecordWritebackStats records a writeback.Stats snapshot's entry counts.
func (m *Metrics) RecordWritebackStats(dirty, clean int) {
	if m == nil {
		return
	}
	m.cacheEntries.WithLabelValues("dirty").Set(float64(dirty))
	m.cacheEntries.WithLabelValues("clean").Set(float64(clean))
}

// RecordHoardAllocated records the hoard pool's current allocated size.
func (m *Metrics) RecordHoardAllocated(bytes int64) {
	if m == nil {
		return
	}
	m.hoardBytes.Set(float64(bytes))
}

