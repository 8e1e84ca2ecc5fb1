package worker

import (
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/fastgateway/edgereactor/config"
	"github.com/fastgateway/edgereactor/core/limiter"
	"github.com/fastgateway/edgereactor/core/pool"
	"github.com/fastgateway/edgereactor/core/poller"
	"github.com/fastgateway/edgereactor/core/threadpool"
)

// maxAcceptsPerWakeup bounds how many pending connections the accept
// callback drains in one call, per spec.md §4.5 "up to ~100 per wakeup".
const maxAcceptsPerWakeup = 100

// mainLoopTick is the sleep between main-loop iterations (spec.md §4.5
// step 6, "yield CPU... the event loop runs on its own thread").
const mainLoopTick = 10 * time.Millisecond

// compactEveryNTicks is K in spec.md §4.5 step 4's "every K iterations,
// perform memory compaction."
const compactEveryNTicks = 100

// RequestHandler is the out-of-scope HTTP layer's entry point into the
// core (spec.md §1 lists HTTP wire parsing/upstream proxying as external
// collaborators "specified only by the interfaces the core uses"). It
// receives whatever bytes the read callback drained into conn's buffer;
// implementations run on the thread pool, never on the reactor thread. A
// handler queues its response via conn.QueueWrite rather than writing to
// the fd directly, so afterHandler can flush it through the loop's
// write-readiness path if it doesn't fit in one non-blocking write.
type RequestHandler func(conn *pool.Connection, data []byte, ctx *Context)

// Store is the subset of *config.Store the lifecycle depends on, letting
// tests substitute a fake without importing the config package's viper
// wiring.
type Store interface {
	Snapshot() *config.Config
}

// Run is spec.md §4.5's worker_process_run(worker_id, listen_fd, cfg)
// entry point. It blocks until a graceful or immediate stop completes.
// onReady, if non-nil, is invoked once with the fully-constructed
// Context — Pool/Limiter/ThreadPool/Loop all set — just before the
// accept loop is registered. It is the only hook through which a caller
// (e.g. a metrics ticker) may observe the per-process state without
// Context becoming a package-level global (spec.md §9).
func Run(workerID string, listenFD int, store Store, handler RequestHandler, onReady func(*Context), log *logrus.Entry) error {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	cfg := store.Snapshot().Clone()

	ctx := &Context{
		ID:       workerID,
		ListenFD: listenFD,
		Started:  time.Now(),
		Log:      log.WithField("worker_id", workerID),
	}
	ctx.setState(StateStarting)
	ctx.setConfig(cfg)

	ctx.Limiter = limiter.New(cfg, ctx.Log)
	defer ctx.Limiter.Stop()

	ctx.Pool = pool.Create(cfg, pool.NewWarmedBufPool(cfg.MemoryPoolSize), ctx.Log)
	defer ctx.Pool.Stop()

	ctx.ThreadPool = threadpool.Create(cfg.ThreadPoolSize, cfg.ThreadPoolQueueSize, ctx.Log)
	if ctx.ThreadPool == nil {
		return &invalidConfigError{"thread_pool_size/thread_pool_queue_size must be positive"}
	}
	defer ctx.ThreadPool.Destroy()

	loop, err := poller.Create(cfg.EventLoopMaxEvents, ctx.Log)
	if err != nil {
		return err
	}
	ctx.Loop = loop
	loop.SetBatchSize(cfg.EventLoopBatchSize)
	loop.SetTimeout(cfg.EventLoopTimeoutMS)

	if onReady != nil {
		onReady(ctx)
	}

	w := &worker{ctx: ctx, handler: handler, store: store}

	if err := loop.Add(listenFD, poller.Read, w.acceptCallback, nil, nil); err != nil {
		return err
	}

	loopDone := make(chan struct{})
	go func() {
		loop.Start()
		close(loopDone)
	}()

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGPIPE)
	defer signal.Stop(sigCh)

	reload := make(chan struct{}, 1)
	gracefulStop := make(chan struct{}, 1)
	immediateStop := make(chan struct{}, 1)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				select {
				case reload <- struct{}{}:
				default:
				}
			case syscall.SIGTERM:
				select {
				case gracefulStop <- struct{}{}:
				default:
				}
			case syscall.SIGQUIT:
				select {
				case immediateStop <- struct{}{}:
				default:
				}
			case syscall.SIGPIPE:
				// ignored, per spec.md §6
			}
		}
	}()

	ctx.setState(StateRunning)
	ctx.Log.Info("worker running")

	ticks := 0
	for {
		select {
		case <-reload:
			ctx.setState(StateReloading)
			ctx.setConfig(w.store.Snapshot().Clone())
			ctx.Pool.SetConfig(ctx.Config())
			ctx.Limiter.Configure(ctx.Config())
			ctx.setState(StateRunning)
			ctx.Log.Info("worker reloaded configuration")
			continue

		case <-gracefulStop:
			ctx.setState(StateStopping)
			ctx.Log.Info("worker draining for graceful stop")
			loop.Del(listenFD)
			w.drainAndStop(cfg.GracefulShutdownTimeout)
			loop.Stop()
			<-loopDone
			ctx.setState(StateStopped)
			return nil

		case <-immediateStop:
			ctx.setState(StateStopped)
			ctx.Log.Info("worker stopping immediately")
			loop.Stop()
			<-loopDone
			return nil

		case <-time.After(mainLoopTick):
			ticks++
			if ticks%compactEveryNTicks == 0 {
				ctx.Pool.CleanupIdle()
			}
		}
	}
}

type invalidConfigError struct{ msg string }

func (e *invalidConfigError) Error() string { return "worker: " + e.msg }

// worker bundles the callbacks registered with the event loop; it exists
// only so they can close over ctx without Context itself becoming a
// package-level global (spec.md §9).
type worker struct {
	ctx     *Context
	handler RequestHandler
	store   Store
}

// drainAndStop waits up to timeout for active connections to reach zero
// (spec.md §4.5 step 2). It only waits: connections still active at the
// deadline are not closed here or by the pool, and once Run stops the
// loop no further callbacks fire for them.
func (w *worker) drainAndStop(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for w.ctx.activeConnections.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

// acceptCallback is the event loop's read callback for the listen fd
// (spec.md §4.5 "Accept callback").
func (w *worker) acceptCallback(_ interface{}) {
	ctx := w.ctx
	for i := 0; i < maxAcceptsPerWakeup; i++ {
		nfd, sa, err := unix.Accept(ctx.ListenFD)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			ctx.Log.WithError(err).Warn("accept error")
			return
		}

		remoteAddr := sockaddrToString(sa)

		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}
		unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		unix.SetsockoptInt(nfd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)

		if ctx.Limiter.CheckConnectionLimit(remoteAddr) == limiter.Deny {
			unix.Close(nfd)
			ctx.IncConnectionsDropped()
			continue
		}
		if ctx.Limiter.CheckRateLimit(remoteAddr) == limiter.Deny {
			ctx.Limiter.ReleaseConnection(remoteAddr)
			unix.Close(nfd)
			ctx.IncConnectionsDropped()
			continue
		}

		conn, ok := ctx.Pool.Get(nfd, remoteAddr)
		if !ok {
			ctx.Limiter.ReleaseConnection(remoteAddr)
			unix.Close(nfd)
			ctx.Log.Warn("connection pool at capacity, dropping accepted fd")
			ctx.IncConnectionsDropped()
			continue
		}

		if err := ctx.Loop.Add(nfd, poller.Read, w.makeReadCallback(conn, remoteAddr), w.makeWriteCallback(conn, remoteAddr), conn); err != nil {
			ctx.Pool.Close(conn)
			ctx.Limiter.ReleaseConnection(remoteAddr)
			continue
		}

		ctx.IncActiveConnections()
		ctx.IncTotalConnections()
	}
}

// makeReadCallback returns the per-connection read callback (spec.md
// §4.5/§4.6: reading -> handler dispatch -> writing/idle).
func (w *worker) makeReadCallback(conn *pool.Connection, remoteAddr string) poller.Callback {
	return func(arg interface{}) {
		c := arg.(*pool.Connection)
		c.SetState(pool.StateReading)

		n, err := unix.Read(c.FD(), c.ReadBuf[c.ReadOffset:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			w.closeConnection(c, remoteAddr)
			return
		}
		if n == 0 {
			w.closeConnection(c, remoteAddr)
			return
		}

		w.ctx.AddBytesReceived(n)
		w.ctx.Pool.AddBytesRead(n)
		c.ReadOffset += n
		c.Touch()
		c.SetState(pool.StateActive)

		if w.handler == nil {
			return
		}
		data := append([]byte(nil), c.ReadBuf[:c.ReadOffset]...)
		c.ReadOffset = 0
		ctx := w.ctx
		status := w.ctx.ThreadPool.Add(func(arg any) {
			ha := arg.(*handlerArgs)
			ha.ctx.IncRequestsProcessed()
			ha.handler(ha.conn, ha.data, ha.ctx)
			w.afterHandler(ha.conn, ha.remoteAddr)
		}, &handlerArgs{handler: w.handler, conn: c, data: data, ctx: ctx, remoteAddr: remoteAddr})

		if status != threadpool.Ok {
			w.ctx.Log.WithField("status", status.String()).Warn("thread pool rejected request")
		}
	}
}

type handlerArgs struct {
	handler    RequestHandler
	conn       *pool.Connection
	data       []byte
	ctx        *Context
	remoteAddr string
}

// afterHandler runs once the RequestHandler returns (spec.md §4.6 "reading
// -> handler dispatch -> writing"): it flushes whatever the handler queued
// via Connection.QueueWrite. A full inline flush (the common case) settles
// the connection immediately; a partial write registers write-readiness
// interest with the event loop so makeWriteCallback finishes the flush.
func (w *worker) afterHandler(c *pool.Connection, remoteAddr string) {
	c.SetState(pool.StateWriting)
	done, err := c.FlushWrite()
	if err != nil {
		w.closeConnection(c, remoteAddr)
		return
	}
	if done {
		w.finishResponse(c, remoteAddr)
		return
	}
	if err := w.ctx.Loop.Mod(c.FD(), poller.Read|poller.Write, w.makeReadCallback(c, remoteAddr), w.makeWriteCallback(c, remoteAddr), c); err != nil {
		w.closeConnection(c, remoteAddr)
	}
}

// makeWriteCallback returns the per-connection write callback: the
// teacher's engine treats a writable event on a connection mid-response
// as "finish flushing, then go idle" (spec.md §4.6 "writing -> idle"). It
// only has work to do once afterHandler has registered write interest
// because FlushWrite couldn't drain everything inline.
func (w *worker) makeWriteCallback(conn *pool.Connection, remoteAddr string) poller.Callback {
	return func(arg interface{}) {
		c := arg.(*pool.Connection)
		if c.State() != pool.StateWriting {
			return
		}
		done, err := c.FlushWrite()
		if err != nil {
			w.closeConnection(c, remoteAddr)
			return
		}
		if !done {
			return
		}
		w.finishResponse(c, remoteAddr)
	}
}

// finishResponse is the "writing -> idle (returned to pool)" transition
// (spec.md §4.6) once a response has been fully flushed. This connection's
// fd is always deregistered from the event loop here: the pool's idle
// stack holds Connection structs for reuse against a future freshly
// accepted fd (Pool.Get's reinit always rebinds to a new fd), not a
// socket still waiting on the wire for its next request, so nothing may
// keep watching this fd for readiness once it leaves the active set.
func (w *worker) finishResponse(c *pool.Connection, remoteAddr string) {
	w.ctx.Loop.Del(c.FD())
	if c.KeepAlive && !c.CloseAfter {
		c.SetState(pool.StateIdle)
		w.ctx.Pool.Return(c)
	} else {
		w.ctx.Pool.Close(c)
	}
	w.ctx.Limiter.ReleaseConnection(remoteAddr)
	w.ctx.DecActiveConnections()
}

// closeConnection tears down a connection whose fd is already dead: its
// only callers are the read callback's EOF and read-error branches, i.e.
// the peer has hung up or the socket has faulted. That fd can never be
// reused, so this always retires it via Pool.Close — Pool.Return (idle
// stack, future reuse) is for a still-live connection between requests,
// which belongs to the write-completion path, not fd teardown.
func (w *worker) closeConnection(c *pool.Connection, remoteAddr string) {
	w.ctx.Loop.Del(c.FD())
	w.ctx.Pool.Close(c)
	w.ctx.Limiter.ReleaseConnection(remoteAddr)
	w.ctx.DecActiveConnections()
}

func sockaddrToString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(a.Addr[:]).String()
	case *unix.SockaddrInet6:
		return net.IP(a.Addr[:]).String()
	default:
		return "unknown"
	}
}
