package pool

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fastgateway/edgereactor/config"
)

// State is one of the six states of the connection FSM (spec.md §4.6).
type State int32

const (
	StateIdle State = iota
	StateActive
	StateReading
	StateWriting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is a handle to an accepted TCP socket in non-blocking mode
// (spec.md §3). Exactly one of the owning pool's active or idle array
// holds it at any observable instant, except while it is being
// transitioned under the pool's locks.
type Connection struct {
	fd         int32
	state      atomic.Int32
	closed     atomic.Bool
	remoteAddr string

	createdAt    time.Time
	lastActive   time.Time
	idleSince    time.Time // spec.md §9: fixes the source's unset-timestamp bug
	requestCount atomic.Uint64

	// activeIndex is this connection's position in the pool's active
	// array, maintained by the pool under its pool lock so Close can
	// swap-remove in O(1). -1 when not present in the active array.
	activeIndex int

	ReadBuf    []byte
	ReadOffset int
	WriteBuf   []byte // bytes queued via QueueWrite, trimmed as FlushWrite drains them
	KeepAlive  bool
	CloseAfter bool

	cfg  *config.Config
	pool *Pool
}

// FD returns the connection's file-descriptor identity. Returns -1 for a
// closed connection, which holds no fd (spec.md §3 invariant).
func (c *Connection) FD() int {
	if c.closed.Load() {
		return -1
	}
	return int(c.fd)
}

func (c *Connection) RemoteAddr() string    { return c.remoteAddr }
func (c *Connection) State() State          { return State(c.state.Load()) }
func (c *Connection) CreatedAt() time.Time  { return c.createdAt }
func (c *Connection) LastActive() time.Time { return c.lastActive }
func (c *Connection) IdleSince() time.Time  { return c.idleSince }
func (c *Connection) RequestCount() uint64  { return c.requestCount.Load() }
func (c *Connection) Config() *config.Config {
	return c.cfg
}

func (c *Connection) setState(s State) { c.state.Store(int32(s)) }

// SetState drives the connection's FSM transitions (spec.md §4.6). Callers
// outside the pool package use this to move a connection through
// reading/writing/active as the worker's read/write callbacks fire; the
// pool itself still owns the idle/closing/closed transitions.
func (c *Connection) SetState(s State) { c.setState(s) }

// Touch marks activity on the connection and increments its per-connection
// request counter, called by the worker lifecycle on every dispatched
// request.
func (c *Connection) Touch() {
	c.lastActive = time.Now()
	c.requestCount.Add(1)
}

// QueueWrite appends b to the connection's pending write buffer. A
// RequestHandler calls this instead of writing to the fd directly so a
// write that would block can be resumed from write-readiness instead of
// stalling the reactor (spec.md §4.6 "(inline) writing").
func (c *Connection) QueueWrite(b []byte) {
	c.WriteBuf = append(c.WriteBuf, b...)
}

// FlushWrite drains as much of the pending write buffer as the socket
// accepts without blocking. done reports whether the buffer is now empty;
// when it isn't, the caller must wait for the next write-readiness event
// before calling FlushWrite again.
func (c *Connection) FlushWrite() (done bool, err error) {
	for len(c.WriteBuf) > 0 {
		n, werr := unix.Write(int(c.fd), c.WriteBuf)
		if n > 0 {
			c.WriteBuf = c.WriteBuf[n:]
		}
		if werr != nil {
			if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
				return false, nil
			}
			return false, werr
		}
		if n == 0 {
			return false, nil
		}
	}
	return true, nil
}

// reinit rebinds a reused idle connection to a freshly accepted fd. Per
// spec.md §9 ("the read-callback-reuse path... re-uses the old buffer
// state"), every piece of per-request state is explicitly reset here
// rather than carried over from the previous occupant. The pool only ever
// holds one fd per Connection at a time, so whatever fd this struct held
// before being idled must be closed here, not silently dropped.
func (c *Connection) reinit(fd int, remoteAddr string, cfg *config.Config, bufPool *BufPool) {
	if c.fd >= 0 && !c.closed.Load() {
		closeFD(int(c.fd))
	}
	if c.ReadBuf != nil {
		bufPool.Put(c.ReadBuf)
	}
	c.fd = int32(fd)
	c.remoteAddr = remoteAddr
	c.cfg = cfg
	c.closed.Store(false)
	c.createdAt = time.Now()
	c.lastActive = c.createdAt
	c.idleSince = time.Time{}
	c.requestCount.Store(0)
	c.ReadBuf = bufPool.Get(4096)
	c.ReadOffset = 0
	c.WriteBuf = nil
	c.KeepAlive = true
	c.CloseAfter = false
	c.activeIndex = -1
	c.setState(StateActive)
}
