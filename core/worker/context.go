// Package worker implements the per-process lifecycle of spec.md §4.5: it
// wires the event loop, thread pool, limiter and connection pool together,
// handles supervisor signals, and runs the accept loop.
package worker

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fastgateway/edgereactor/config"
	"github.com/fastgateway/edgereactor/core/limiter"
	"github.com/fastgateway/edgereactor/core/pool"
	"github.com/fastgateway/edgereactor/core/poller"
	"github.com/fastgateway/edgereactor/core/threadpool"
)

// State is one of the five states of spec.md's WorkerContext.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateReloading
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReloading:
		return "reloading"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Context is the per-process singleton spec.md §3 describes (id, state,
// listen fd, start time, active configuration, atomic counters, and
// references to the loop/pool/limiter). It is never a package-level
// global: Run constructs one and threads it through every callback
// closure (spec.md §9 "Global singletons" design note), the way the
// teacher's own Engine is a receiver rather than package state.
type Context struct {
	ID       string
	ListenFD int
	Started  time.Time

	state atomic.Int32
	cfg   atomic.Pointer[config.Config]

	Loop       *poller.Loop
	Pool       *pool.Pool
	Limiter    *limiter.Limiter
	ThreadPool *threadpool.Pool

	requestsProcessed  atomic.Uint64
	bytesSent          atomic.Uint64
	bytesReceived      atomic.Uint64
	activeConnections  atomic.Int64
	totalConnections   atomic.Uint64
	connectionsDropped atomic.Uint64

	Log *logrus.Entry
}

func (c *Context) State() State       { return State(c.state.Load()) }
func (c *Context) setState(s State)   { c.state.Store(int32(s)) }
func (c *Context) Config() *config.Config { return c.cfg.Load() }
func (c *Context) setConfig(cfg *config.Config) { c.cfg.Store(cfg) }

// Stats is the atomic-counter snapshot spec.md §3/§6 expose for
// diagnostics.
type Stats struct {
	RequestsProcessed  uint64
	BytesSent          uint64
	BytesReceived      uint64
	ActiveConnections  int64
	TotalConnections   uint64
	ConnectionsDropped uint64
}

// IncRequestsProcessed, AddBytesSent, AddBytesReceived, IncTotalConnections,
// IncConnectionsDropped, IncActiveConnections and DecActiveConnections are
// the counter mutators available to collaborators outside this package —
// a RequestHandler reporting bytes written, or core/metrics pulling a
// snapshot between ticks.
func (c *Context) IncRequestsProcessed()     { c.requestsProcessed.Add(1) }
func (c *Context) AddBytesSent(n int)        { c.bytesSent.Add(uint64(n)) }
func (c *Context) AddBytesReceived(n int)    { c.bytesReceived.Add(uint64(n)) }
func (c *Context) IncTotalConnections()      { c.totalConnections.Add(1) }
func (c *Context) IncConnectionsDropped()    { c.connectionsDropped.Add(1) }
func (c *Context) IncActiveConnections()     { c.activeConnections.Add(1) }
func (c *Context) DecActiveConnections()     { c.activeConnections.Add(-1) }

func (c *Context) Stats() Stats {
	return Stats{
		RequestsProcessed:  c.requestsProcessed.Load(),
		BytesSent:          c.bytesSent.Load(),
		BytesReceived:      c.bytesReceived.Load(),
		ActiveConnections:  c.activeConnections.Load(),
		TotalConnections:   c.totalConnections.Load(),
		ConnectionsDropped: c.connectionsDropped.Load(),
	}
}
