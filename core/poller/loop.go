package poller

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Callback is invoked on the loop's single goroutine when fd becomes
// readable or writable. It must not block: there is no suspension point
// here besides the multiplexer wait itself (spec.md §5 "Suspension
// points"). Slow work belongs in the thread pool.
type Callback func(arg interface{})

type handler struct {
	fd       int
	interest Interest
	onRead   Callback
	onWrite  Callback
	arg      interface{}
}

// Stats is a point-in-time snapshot of the loop's counters.
type Stats struct {
	TotalEventsProcessed uint64
	BatchEventsProcessed uint64
	ErrorCount           uint64
	TimeoutCount         uint64
	LockContention       uint64
	MinEventNS           int64
	MaxEventNS           int64
	AvgEventNS           int64
}

// Loop is the single-threaded reactor described in spec.md §4.1: one
// Poller, a handler table keyed by fd, and a dispatch algorithm that
// processes at most BatchSize events per wakeup.
type Loop struct {
	p Poller

	mu       sync.Mutex
	handlers map[int]*handler

	batchSize atomic.Int64
	timeoutMS atomic.Int64

	wakeR, wakeW *os.File
	stopped      atomic.Bool
	done         chan struct{}

	totalEvents    atomic.Uint64
	lastBatchCount atomic.Uint64
	errorCount     atomic.Uint64
	timeoutCount   atomic.Uint64
	lockWaits      atomic.Uint64

	minNS atomic.Int64
	maxNS atomic.Int64
	sumNS atomic.Int64
	nSamp atomic.Uint64

	log *logrus.Entry
}

// Create configures a new Loop with an internal event-batch ceiling of
// maxEvents (mirrors spec.md's create(max_events)).
func Create(maxEvents int, log *logrus.Entry) (*Loop, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p, err := New(maxEvents)
	if err != nil {
		return nil, fmt.Errorf("poller: create multiplexer: %w", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("poller: create wake pipe: %w", err)
	}
	if err := SetNonblock(int(r.Fd())); err != nil {
		p.Close()
		r.Close()
		w.Close()
		return nil, err
	}
	if err := p.Add(int(r.Fd()), Read); err != nil {
		p.Close()
		r.Close()
		w.Close()
		return nil, err
	}

	l := &Loop{
		p:        p,
		handlers: make(map[int]*handler),
		wakeR:    r,
		wakeW:    w,
		done:     make(chan struct{}),
		log:      log.WithField("component", "event_loop"),
	}
	l.batchSize.Store(int64(maxEvents))
	l.timeoutMS.Store(100)
	l.minNS.Store(int64(^uint64(0) >> 1))
	return l, nil
}

// SetBatchSize caps events processed per wakeup.
func (l *Loop) SetBatchSize(n int) {
	if n > 0 {
		l.batchSize.Store(int64(n))
	}
}

// SetTimeout sets the blocking wait budget, in milliseconds.
func (l *Loop) SetTimeout(ms int) {
	if ms >= 0 {
		l.timeoutMS.Store(int64(ms))
	}
}

// Add registers a handler for fd. Fails if fd is already registered.
func (l *Loop) Add(fd int, interest Interest, onRead, onWrite Callback, arg interface{}) error {
	start := time.Now()
	l.mu.Lock()
	if time.Since(start) > time.Microsecond {
		l.lockWaits.Add(1)
	}
	defer l.mu.Unlock()

	if _, exists := l.handlers[fd]; exists {
		return fmt.Errorf("poller: fd %d already registered", fd)
	}
	if err := l.p.Add(fd, interest); err != nil {
		return err
	}
	l.handlers[fd] = &handler{fd: fd, interest: interest, onRead: onRead, onWrite: onWrite, arg: arg}
	return nil
}

// Mod atomically replaces the interest set and callbacks for fd.
func (l *Loop) Mod(fd int, interest Interest, onRead, onWrite Callback, arg interface{}) error {
	start := time.Now()
	l.mu.Lock()
	if time.Since(start) > time.Microsecond {
		l.lockWaits.Add(1)
	}
	defer l.mu.Unlock()

	h, exists := l.handlers[fd]
	if !exists {
		return fmt.Errorf("poller: fd %d not found", fd)
	}
	if err := l.p.Mod(fd, interest); err != nil {
		return err
	}
	h.interest = interest
	h.onRead = onRead
	h.onWrite = onWrite
	h.arg = arg
	return nil
}

// ErrNotFound is returned by Del for an fd with no registered handler.
var ErrNotFound = fmt.Errorf("poller: fd not found")

// Del deregisters fd. After it returns, no further callbacks fire for
// that fd. Idempotent: deleting an unknown fd returns ErrNotFound without
// side effects, distinguished from a real poller failure.
func (l *Loop) Del(fd int) error {
	l.mu.Lock()
	_, exists := l.handlers[fd]
	if !exists {
		l.mu.Unlock()
		return ErrNotFound
	}
	delete(l.handlers, fd)
	l.mu.Unlock()

	return l.p.Remove(fd)
}

// IsStopped reports whether Stop has been observed by Start.
func (l *Loop) IsStopped() bool { return l.stopped.Load() }

// Wait blocks until the loop's Start call has returned.
func (l *Loop) Wait() { <-l.done }

// Stop sets the stop flag and wakes the multiplexer via the self-pipe so
// Start notices it without waiting out the remaining timeout.
func (l *Loop) Stop() {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}
	l.wakeW.Write([]byte{0})
}

// Start runs the reactor loop until Stop is observed. It must be called
// from the goroutine that will own all callback dispatch.
func (l *Loop) Start() {
	defer close(l.done)
	defer l.wakeR.Close()
	defer l.wakeW.Close()
	defer l.p.Close()

	wakeFD := int(l.wakeR.Fd())
	drain := make([]byte, 64)

	for !l.stopped.Load() {
		events, err := l.p.Wait(int(l.timeoutMS.Load()))
		if err != nil {
			l.errorCount.Add(1)
			l.log.WithError(err).Warn("poller wait error")
			continue
		}
		if events == nil {
			l.timeoutCount.Add(1)
			continue
		}

		batch := int(l.batchSize.Load())
		if batch > 0 && len(events) > batch {
			events = events[:batch]
		}
		l.lastBatchCount.Store(uint64(len(events)))

		for _, ev := range events {
			if ev.FD == wakeFD {
				for {
					n, _ := l.wakeR.Read(drain)
					if n < len(drain) {
						break
					}
				}
				continue
			}
			l.dispatch(ev)
		}
	}
}

func (l *Loop) dispatch(ev Event) {
	l.mu.Lock()
	h, exists := l.handlers[ev.FD]
	l.mu.Unlock()
	if !exists {
		return
	}

	start := time.Now()
	if ev.Readable && h.onRead != nil {
		h.onRead(h.arg)
	}
	if ev.Writable && h.onWrite != nil {
		h.onWrite(h.arg)
	}
	elapsed := time.Since(start).Nanoseconds()

	l.totalEvents.Add(1)
	l.recordLatency(elapsed)
}

func (l *Loop) recordLatency(ns int64) {
	for {
		cur := l.minNS.Load()
		if ns >= cur || l.minNS.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := l.maxNS.Load()
		if ns <= cur || l.maxNS.CompareAndSwap(cur, ns) {
			break
		}
	}
	l.sumNS.Add(ns)
	l.nSamp.Add(1)
}

// Stats returns a snapshot of the loop's counters.
func (l *Loop) Stats() Stats {
	n := l.nSamp.Load()
	var avg int64
	if n > 0 {
		avg = l.sumNS.Load() / int64(n)
	}
	minNS := l.minNS.Load()
	if n == 0 {
		minNS = 0
	}
	return Stats{
		TotalEventsProcessed: l.totalEvents.Load(),
		BatchEventsProcessed: l.lastBatchCount.Load(),
		ErrorCount:           l.errorCount.Load(),
		TimeoutCount:         l.timeoutCount.Load(),
		LockContention:       l.lockWaits.Load(),
		MinEventNS:           minNS,
		MaxEventNS:           l.maxNS.Load(),
		AvgEventNS:           avg,
	}
}
