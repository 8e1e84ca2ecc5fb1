// Package metrics exposes the worker's counters (spec.md §3/§6 stats
// surface) as Prometheus collectors, the way nabbar-golib's
// prometheus/metrics package wraps CounterVec/GaugeVec registration
// against a *prometheus.Registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fastgateway/edgereactor/core/pool"
	"github.com/fastgateway/edgereactor/core/worker"
)

// Metrics owns one Prometheus registry's worth of gauges/counters for a
// single worker process. Counters mirror Context.Stats() monotonic
// fields; gauges mirror point-in-time values like pool occupancy.
type Metrics struct {
	registry *prometheus.Registry

	requestsProcessed  prometheus.Counter
	bytesSent          prometheus.Counter
	bytesReceived      prometheus.Counter
	totalConnections   prometheus.Counter
	connectionsDropped prometheus.Counter
	activeConnections  prometheus.Gauge

	poolActive       prometheus.Gauge
	poolIdle         prometheus.Gauge
	poolCreated      prometheus.Counter
	poolClosed       prometheus.Counter
	poolReused       prometheus.Counter
	poolDeniedByPool prometheus.Counter
	poolTimedOut     prometheus.Counter

	lastCounters counterSnapshot
}

// counterSnapshot tracks the last-observed cumulative values so Observe
// can translate the worker's running totals into Prometheus's own
// strictly-incrementing Counter.Add calls without double-counting.
type counterSnapshot struct {
	requestsProcessed  uint64
	bytesSent          uint64
	bytesReceived      uint64
	totalConnections   uint64
	connectionsDropped uint64
	poolCreated        uint64
	poolClosed         uint64
	poolReused         uint64
	poolDeniedByPool   uint64
	poolTimedOut       uint64
}

const namespace = "edgereactor"

// New builds and registers every collector against registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,

		requestsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_processed_total",
			Help: "Total requests dispatched to the request handler.",
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_sent_total",
			Help: "Total bytes written to client connections.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bytes_received_total",
			Help: "Total bytes read from client connections.",
		}),
		totalConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Total connections accepted since worker start.",
		}),
		connectionsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_dropped_total",
			Help: "Connections dropped by the limiter or pool back-pressure.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_connections",
			Help: "Connections currently open.",
		}),

		poolActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "active",
			Help: "Connections currently checked out of the pool.",
		}),
		poolIdle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "pool", Name: "idle",
			Help: "Connections currently parked on the idle stack.",
		}),
		poolCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "created_total",
			Help: "Connections allocated fresh (not reused).",
		}),
		poolClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "closed_total",
			Help: "Connections permanently retired.",
		}),
		poolReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "reused_total",
			Help: "Connections served from the idle stack.",
		}),
		poolDeniedByPool: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "denied_total",
			Help: "Accepts rejected because the pool was at max_connections.",
		}),
		poolTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pool", Name: "timed_out_total",
			Help: "Idle connections reaped for exceeding the idle timeout (2x keepalive_timeout).",
		}),
	}

	registry.MustRegister(
		m.requestsProcessed, m.bytesSent, m.bytesReceived,
		m.totalConnections, m.connectionsDropped, m.activeConnections,
		m.poolActive, m.poolIdle, m.poolCreated, m.poolClosed,
		m.poolReused, m.poolDeniedByPool, m.poolTimedOut,
	)
	return m
}

// ObserveWorker folds ctx's cumulative counters and gauge-like fields into
// the registered collectors. Safe to call repeatedly from a ticker; it is
// not safe to call concurrently with itself (it owns no lock of its own;
// in cmd/worker the only caller is a single ticker goroutine).
func (m *Metrics) ObserveWorker(ctx *worker.Context) {
	s := ctx.Stats()
	m.requestsProcessed.Add(delta(&m.lastCounters.requestsProcessed, s.RequestsProcessed))
	m.bytesSent.Add(delta(&m.lastCounters.bytesSent, s.BytesSent))
	m.bytesReceived.Add(delta(&m.lastCounters.bytesReceived, s.BytesReceived))
	m.totalConnections.Add(delta(&m.lastCounters.totalConnections, s.TotalConnections))
	m.connectionsDropped.Add(delta(&m.lastCounters.connectionsDropped, s.ConnectionsDropped))
	m.activeConnections.Set(float64(s.ActiveConnections))
}

// ObservePool folds a connection-pool stats snapshot into the registered
// collectors.
func (m *Metrics) ObservePool(s pool.Stats) {
	m.poolActive.Set(float64(s.Active))
	m.poolIdle.Set(float64(s.Idle))
	m.poolCreated.Add(delta(&m.lastCounters.poolCreated, s.Created))
	m.poolClosed.Add(delta(&m.lastCounters.poolClosed, s.Closed))
	m.poolReused.Add(delta(&m.lastCounters.poolReused, s.Reused))
	m.poolDeniedByPool.Add(delta(&m.lastCounters.poolDeniedByPool, s.DeniedByPool))
	m.poolTimedOut.Add(delta(&m.lastCounters.poolTimedOut, s.TimedOut))
}

// Registry returns the underlying registry, for wiring into an
// http.Handler via promhttp.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// delta returns the increase of current over *last and advances *last to
// current, clamping negative deltas (a counter reset, e.g. ResetStats) to
// zero rather than feeding Prometheus's Counter a negative Add.
func delta(last *uint64, current uint64) float64 {
	prev := *last
	*last = current
	if current < prev {
		return 0
	}
	return float64(current - prev)
}
