// Package threadpool implements the bounded-FIFO task queue the event loop
// off-loads blocking work to (spec.md §4.2). Unlike a work-stealing pool,
// every task is drawn from one shared queue in strict FIFO start-order;
// there is no per-worker locality to preserve.
package threadpool

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Status is the small integer result of a pool operation (spec.md §7:
// "Public operations return small integer status codes").
type Status int

const (
	Ok Status = iota
	ErrInvalid
	ErrQueueFull
	ErrShutdown
	ErrLockFailure
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case ErrInvalid:
		return "invalid"
	case ErrQueueFull:
		return "queue-full"
	case ErrShutdown:
		return "shutdown"
	case ErrLockFailure:
		return "lock-failure"
	default:
		return "unknown"
	}
}

// Task is a unit of work: an opaque argument plus the function that
// consumes it. The pool copies the pair into its ring buffer; the caller
// retains ownership of whatever arg refers to.
type Task struct {
	Fn  func(arg any)
	Arg any
}

// Pool is a fixed set of N threads (goroutines, here) draining a bounded
// FIFO queue of Tasks.
type Pool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Task
	head     int
	count    int
	capacity int

	shutdown bool
	wg       sync.WaitGroup

	submitted uint64
	completed uint64
	rejected  uint64

	log *logrus.Entry
}

// Create builds a pool of threadCount workers draining a queue bounded at
// queueSize. Returns nil if either argument is non-positive, mirroring
// spec.md's "or null on invalid args".
func Create(threadCount, queueSize int, log *logrus.Entry) *Pool {
	if threadCount <= 0 || queueSize <= 0 {
		return nil
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	p := &Pool{
		queue:    make([]Task, queueSize),
		capacity: queueSize,
		log:      log.WithField("component", "thread_pool"),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(threadCount)
	for i := 0; i < threadCount; i++ {
		go p.worker(i)
	}
	return p
}

// Add enqueues fn(arg) for execution by one of the pool's workers.
func (p *Pool) Add(fn func(arg any), arg any) Status {
	if fn == nil {
		return ErrInvalid
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return ErrShutdown
	}
	if p.count == p.capacity {
		p.rejected++
		return ErrQueueFull
	}

	tail := (p.head + p.count) % p.capacity
	p.queue[tail] = Task{Fn: fn, Arg: arg}
	p.count++
	p.submitted++
	p.cond.Signal()
	return Ok
}

// pop removes and returns the head task under the lock. Caller must hold
// p.mu and have already confirmed p.count > 0.
func (p *Pool) pop() Task {
	t := p.queue[p.head]
	p.queue[p.head] = Task{}
	p.head = (p.head + 1) % p.capacity
	p.count--
	return t
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for p.count == 0 && !p.shutdown {
			p.cond.Wait()
		}
		if p.count == 0 && p.shutdown {
			p.mu.Unlock()
			return
		}
		task := p.pop()
		p.mu.Unlock()

		p.run(task)
	}
}

// run executes a dequeued task to completion; it never lets a panic
// escape to the worker loop (spec.md §7: "errors never cross the
// thread-pool boundary; worker threads catch and log").
func (p *Pool) run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("panic", r).Warn("thread pool task panicked")
		}
		p.mu.Lock()
		p.completed++
		p.mu.Unlock()
	}()
	t.Fn(t.Arg)
}

// Stats is a point-in-time snapshot of pool throughput counters.
type Stats struct {
	Submitted uint64
	Completed uint64
	Rejected  uint64
	Pending   int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Submitted: p.submitted,
		Completed: p.completed,
		Rejected:  p.rejected,
		Pending:   p.count,
	}
}

// Destroy sets the shutdown flag, broadcasts to wake every waiting
// worker, and joins them all. Workers exit only once the queue is empty,
// so tasks still queued at shutdown are run before Destroy returns; Add
// rejects new tasks with ErrShutdown from then on.
func (p *Pool) Destroy() {
	p.mu.Lock()
	p.shutdown = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()
}
