// Package pool implements the connection pool and connection FSM of
// spec.md §4.4/§4.6: it owns every live Connection in the worker, issues
// and retires them, and reaps idle ones on a background timer.
package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fastgateway/edgereactor/config"
)

// Pool owns every live Connection in the worker. Locking discipline
// (spec.md §4.4): the pool lock guards the active array and its count,
// the idle lock guards the idle stack, and counters are plain atomics —
// no separate stats lock, since atomics need none (spec.md §9 calls the
// source's "stats lock around atomics" pattern redundant). When both
// locks are needed, acquisition order is pool -> idle, never reversed.
type Pool struct {
	cfg atomic.Pointer[config.Config]
	log *logrus.Entry
	buf *BufPool

	poolMu sync.Mutex
	active []*Connection

	idleMu sync.Mutex
	idle   []*Connection // LIFO stack: Get pops the tail (spec.md §9)

	created  atomic.Uint64
	closed   atomic.Uint64
	reused   atomic.Uint64
	timedOut atomic.Uint64
	deniedBy atomic.Uint64 // denied by pool capacity (back-pressure)

	totalRequests    atomic.Uint64
	bytesRead        atomic.Uint64
	bytesWritten     atomic.Uint64
	totalLifetimeNS  atomic.Uint64
	lifetimeSamples  atomic.Uint64

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// Create allocates the active array at cfg.MaxConnections capacity, the
// idle array at cfg.MaxIdleConnections() capacity, and starts the reaper
// goroutine. All allocation here is Go-managed, so there is no partial
// allocation rollback to perform; a failure to start the reaper is the
// only failure mode, and Go goroutine starts do not fail.
func Create(cfg *config.Config, bufPool *BufPool, log *logrus.Entry) *Pool {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &Pool{
		log:        log.WithField("component", "connection_pool"),
		buf:        bufPool,
		active:     make([]*Connection, 0, cfg.MaxConnections),
		idle:       make([]*Connection, 0, cfg.MaxIdleConnections()),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	p.cfg.Store(cfg)

	go p.reaperLoop()
	return p
}

// SetConfig hot-swaps the configuration snapshot consulted by future
// Get/Return/CleanupIdle calls. In-flight operations that already loaded
// the old snapshot continue to completion against it (spec.md §5).
func (p *Pool) SetConfig(cfg *config.Config) { p.cfg.Store(cfg) }

// GetConfig returns the active configuration snapshot.
func (p *Pool) GetConfig() *config.Config { return p.cfg.Load() }

// Get obtains a Connection bound to fd, either by popping the most
// recently idled one (keep-alive reuse, LIFO) or, if reuse is disabled or
// the idle stack is empty, by allocating a new one under the pool lock.
// Returns (nil, false) at capacity — the caller (the accept loop) treats
// that as back-pressure and closes fd.
func (p *Pool) Get(fd int, remoteAddr string) (*Connection, bool) {
	cfg := p.cfg.Load()

	if cfg.EnableConnectionReuse {
		p.idleMu.Lock()
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.idleMu.Unlock()

			conn.reinit(fd, remoteAddr, cfg, p.buf)
			p.reused.Add(1)
			p.addToActive(conn)
			return conn, true
		}
		p.idleMu.Unlock()
	}

	p.poolMu.Lock()
	if len(p.active) >= cfg.MaxConnections {
		p.poolMu.Unlock()
		p.deniedBy.Add(1)
		return nil, false
	}
	conn := &Connection{cfg: cfg, pool: p, fd: -1}
	conn.reinit(fd, remoteAddr, cfg, p.buf)
	conn.activeIndex = len(p.active)
	p.active = append(p.active, conn)
	p.poolMu.Unlock()

	p.created.Add(1)
	return conn, true
}

// addToActive appends an already-initialized (reused) connection back
// into the active array, used by Get's reuse path.
func (p *Pool) addToActive(conn *Connection) {
	p.poolMu.Lock()
	conn.activeIndex = len(p.active)
	p.active = append(p.active, conn)
	p.poolMu.Unlock()
}

// removeFromActiveLocked swap-removes conn from the active array if present.
// Safe to call when conn isn't in the array (activeIndex < 0): a no-op.
// Must be called with p.poolMu held.
func (p *Pool) removeFromActiveLocked(conn *Connection) {
	idx := conn.activeIndex
	if idx < 0 || idx >= len(p.active) || p.active[idx] != conn {
		return
	}
	last := len(p.active) - 1
	p.active[idx] = p.active[last]
	p.active[idx].activeIndex = idx
	p.active[last] = nil
	p.active = p.active[:last]
	conn.activeIndex = -1
}

// Return hands conn back for keep-alive reuse: pushed onto the idle
// stack if reuse is enabled and there's room, otherwise closed.
func (p *Pool) Return(conn *Connection) {
	cfg := p.cfg.Load()

	if cfg.EnableConnectionReuse {
		p.idleMu.Lock()
		if len(p.idle) < cfg.MaxIdleConnections() {
			conn.idleSince = time.Now()
			conn.setState(StateIdle)
			p.idle = append(p.idle, conn)
			p.idleMu.Unlock()

			p.poolMu.Lock()
			p.removeFromActiveLocked(conn)
			p.poolMu.Unlock()
			return
		}
		p.idleMu.Unlock()
	}

	p.Close(conn)
}

// Close retires conn permanently: removes it from both the active and
// idle arrays (a no-op wherever it isn't present), closes its fd, and
// returns its buffers. Idempotent — calling it twice has the same
// end-state and never double-decrements counters, guarded by conn's own
// closed flag (spec.md §8 invariant 3).
func (p *Pool) Close(conn *Connection) {
	if !conn.closed.CompareAndSwap(false, true) {
		return
	}

	conn.setState(StateClosing)

	p.idleMu.Lock()
	for i, c := range p.idle {
		if c == conn {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}
	p.idleMu.Unlock()

	p.poolMu.Lock()
	p.removeFromActiveLocked(conn)
	p.poolMu.Unlock()

	if err := closeFD(int(conn.fd)); err != nil {
		p.log.WithError(err).Warn("error closing connection fd")
	}
	if conn.ReadBuf != nil {
		p.buf.Put(conn.ReadBuf)
		conn.ReadBuf = nil
	}

	lifetime := time.Since(conn.createdAt)
	p.totalLifetimeNS.Add(uint64(lifetime.Nanoseconds()))
	p.lifetimeSamples.Add(1)
	p.totalRequests.Add(conn.requestCount.Load())

	conn.fd = -1
	conn.setState(StateClosed)
	p.closed.Add(1)
}

// AddBytesRead/AddBytesWritten accumulate the worker's byte counters,
// called by the worker lifecycle's read/write callbacks.
func (p *Pool) AddBytesRead(n int)    { p.bytesRead.Add(uint64(n)) }
func (p *Pool) AddBytesWritten(n int) { p.bytesWritten.Add(uint64(n)) }

// Stats is the snapshot returned by GetStats (spec.md §6 "Stats
// surface").
type Stats struct {
	Total               uint64
	Active              int
	Idle                int
	Reused              uint64
	Created             uint64
	Closed              uint64
	TimedOut            uint64
	DeniedByPool        uint64
	TotalRequests       uint64
	BytesRead           uint64
	BytesWritten        uint64
	AvgLifetime         time.Duration
	AvgRequestsPerConn  float64
}

func (p *Pool) GetStats() Stats {
	p.poolMu.Lock()
	active := len(p.active)
	p.poolMu.Unlock()
	p.idleMu.Lock()
	idle := len(p.idle)
	p.idleMu.Unlock()

	closed := p.closed.Load()
	created := p.created.Load()

	var avgLifetime time.Duration
	if n := p.lifetimeSamples.Load(); n > 0 {
		avgLifetime = time.Duration(p.totalLifetimeNS.Load() / n)
	}
	var avgReqs float64
	if closed > 0 {
		avgReqs = float64(p.totalRequests.Load()) / float64(closed)
	}

	return Stats{
		Total:              created,
		Active:             active,
		Idle:               idle,
		Reused:             p.reused.Load(),
		Created:            created,
		Closed:             closed,
		TimedOut:           p.timedOut.Load(),
		DeniedByPool:       p.deniedBy.Load(),
		TotalRequests:      p.totalRequests.Load(),
		BytesRead:          p.bytesRead.Load(),
		BytesWritten:       p.bytesWritten.Load(),
		AvgLifetime:        avgLifetime,
		AvgRequestsPerConn: avgReqs,
	}
}

// ResetStats zeroes the lifetime counters. Active/idle counts are
// derived from the arrays, not reset directly.
func (p *Pool) ResetStats() {
	p.created.Store(0)
	p.closed.Store(0)
	p.reused.Store(0)
	p.timedOut.Store(0)
	p.deniedBy.Store(0)
	p.totalRequests.Store(0)
	p.bytesRead.Store(0)
	p.bytesWritten.Store(0)
	p.totalLifetimeNS.Store(0)
	p.lifetimeSamples.Store(0)
}

// PrintStats logs the current stats snapshot at info level, matching the
// teacher's GetPoolStatsText convenience surface.
func (p *Pool) PrintStats() {
	s := p.GetStats()
	p.log.WithFields(logrus.Fields{
		"active": s.Active, "idle": s.Idle, "created": s.Created,
		"closed": s.Closed, "reused": s.Reused, "denied_by_pool": s.DeniedByPool,
	}).Info("connection pool stats")
}

// CleanupIdle scans the idle stack head-to-tail, closing connections
// whose idle time exceeds cfg.IdleTimeout(). Returns the number reaped.
// Called by the reaper goroutine on cfg.PoolCleanupInterval, and callable
// directly for tests (spec.md scenario S5).
func (p *Pool) CleanupIdle() int {
	cfg := p.cfg.Load()
	now := time.Now()

	p.idleMu.Lock()
	var expired []*Connection
	kept := make([]*Connection, 0, len(p.idle))
	for _, c := range p.idle {
		if now.Sub(c.idleSince) > cfg.IdleTimeout() {
			expired = append(expired, c)
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
	p.idleMu.Unlock()

	for _, c := range expired {
		p.timedOut.Add(1)
		p.Close(c)
	}
	return len(expired)
}

func (p *Pool) reaperLoop() {
	defer close(p.reaperDone)
	for {
		cfg := p.cfg.Load()
		interval := cfg.PoolCleanupInterval
		if interval <= 0 {
			interval = time.Second
		}
		select {
		case <-p.stopReaper:
			return
		case <-time.After(interval):
			p.CleanupIdle()
		}
	}
}

// Stop halts the reaper goroutine. Does not close any connections.
func (p *Pool) Stop() {
	close(p.stopReaper)
	<-p.reaperDone
}

// ActiveCount and IdleCount give cheap, lock-scoped point reads used by
// the worker lifecycle's graceful-shutdown drain wait.
func (p *Pool) ActiveCount() int {
	p.poolMu.Lock()
	defer p.poolMu.Unlock()
	return len(p.active)
}

func (p *Pool) IdleCount() int {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()
	return len(p.idle)
}
