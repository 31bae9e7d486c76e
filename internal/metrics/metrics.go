// Package metrics provides the Prometheus instrumentation for the memlru server.
//
// A single Metrics value implements cache.Hooks and pool.Observer, and exposes
// connection and request counters used by the protocol engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/cachemir/memlru/pkg/cache"
	"github.com/cachemir/memlru/pkg/pool"
	"github.com/cachemir/memlru/pkg/protocol"
)

const namespace = "memlru"

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1,
}

// Metrics holds every collector the server reports.
type Metrics struct {
	cacheHits      prometheus.Counter
	cacheMisses    prometheus.Counter
	cacheEvictions prometheus.Counter
	cacheItems     prometheus.Gauge
	cacheBytes     prometheus.Gauge

	queueDepth   prometheus.Gauge
	taskDuration prometheus.Histogram

	connections    prometheus.Gauge
	requestsTotal  *prometheus.CounterVec
	protocolErrors *prometheus.CounterVec
}

var (
	_ cache.Hooks   = (*Metrics)(nil)
	_ pool.Observer = (*Metrics)(nil)
)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of GET lookups that found the key",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of GET lookups that missed",
		}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evictions_total",
			Help:      "Total number of entries evicted to stay within capacity",
		}),
		cacheItems: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_items",
			Help:      "Number of entries currently stored",
		}),
		cacheBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_bytes",
			Help:      "Value and flag bytes currently stored",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queue_depth",
			Help:      "Tasks waiting for a worker",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_task_duration_seconds",
			Help:      "Time a worker spent on one request",
			Buckets:   defaultBuckets,
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open client connections",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests answered, by opcode and response status",
		}, []string{"opcode", "status"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Connections closed because of a protocol or transport error",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.cacheHits,
		m.cacheMisses,
		m.cacheEvictions,
		m.cacheItems,
		m.cacheBytes,
		m.queueDepth,
		m.taskDuration,
		m.connections,
		m.requestsTotal,
		m.protocolErrors,
	)
	return m
}

// Hit counts a cache lookup that found its key.
func (m *Metrics) Hit() { m.cacheHits.Inc() }

// Miss counts a cache lookup that did not.
func (m *Metrics) Miss() { m.cacheMisses.Inc() }

// Evicted counts an entry dropped to make room.
func (m *Metrics) Evicted(string, int) { m.cacheEvictions.Inc() }

// Stored updates the item and byte gauges after a successful set.
func (m *Metrics) Stored(items, usage int) {
	m.cacheItems.Set(float64(items))
	m.cacheBytes.Set(float64(usage))
}

// QueueDepth records how many tasks wait for a worker.
func (m *Metrics) QueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// TaskDone observes the time a worker spent on one request.
func (m *Metrics) TaskDone(d time.Duration) { m.taskDuration.Observe(d.Seconds()) }

// ConnOpened and ConnClosed track the open connection count.
func (m *Metrics) ConnOpened() { m.connections.Inc() }
func (m *Metrics) ConnClosed() { m.connections.Dec() }

// Request records one answered request.
func (m *Metrics) Request(op protocol.Opcode, status protocol.Status) {
	m.requestsTotal.WithLabelValues(op.String(), status.String()).Inc()
}

// ProtocolError records a connection dropped for reason.
func (m *Metrics) ProtocolError(reason string) {
	m.protocolErrors.WithLabelValues(reason).Inc()
}
