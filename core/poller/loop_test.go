package poller

import (
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	if err := SetNonblock(fds[0]); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	if err := SetNonblock(fds[1]); err != nil {
		t.Fatalf("SetNonblock: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	l, err := Create(64, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	go l.Start()
	t.Cleanup(func() {
		l.Stop()
		l.Wait()
	})
	return l
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestLoop_DispatchesReadCallback(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketpair(t)

	var got atomic.Int64
	buf := make([]byte, 16)
	err := l.Add(a, Read, func(interface{}) {
		n, _ := unix.Read(a, buf)
		got.Store(int64(n))
	}, nil, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := unix.Write(b, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	waitFor(t, func() bool { return got.Load() == 5 })
}

func TestLoop_AddDuplicateFDFails(t *testing.T) {
	l := newTestLoop(t)
	a, _ := socketpair(t)

	if err := l.Add(a, Read, func(interface{}) {}, nil, nil); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	if err := l.Add(a, Read, func(interface{}) {}, nil, nil); err == nil {
		t.Fatal("expected error re-registering an already-registered fd")
	}
}

func TestLoop_DelStopsCallbacksAndIsIdempotent(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketpair(t)

	var fired atomic.Bool
	if err := l.Add(a, Read, func(interface{}) { fired.Store(true) }, nil, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := l.Del(a); err != nil {
		t.Fatalf("Del: %v", err)
	}
	if err := l.Del(a); err != ErrNotFound {
		t.Fatalf("second Del = %v, want ErrNotFound", err)
	}

	unix.Write(b, []byte("x"))
	time.Sleep(50 * time.Millisecond)
	if fired.Load() {
		t.Fatal("callback fired after Del")
	}
}

func TestLoop_ModReplacesCallbacks(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketpair(t)

	var first, second atomic.Bool
	if err := l.Add(a, Read, func(interface{}) { first.Store(true) }, nil, nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := l.Mod(a, Read, func(interface{}) { second.Store(true) }, nil, nil); err != nil {
		t.Fatalf("Mod: %v", err)
	}

	unix.Write(b, []byte("x"))
	waitFor(t, second.Load)
	if first.Load() {
		t.Fatal("old read callback fired after Mod replaced it")
	}
}

func TestLoop_StopIsIdempotentAndWaitReturns(t *testing.T) {
	l, err := Create(16, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	go l.Start()

	l.Stop()
	l.Stop()
	l.Wait()

	if !l.IsStopped() {
		t.Fatal("IsStopped should report true after Stop")
	}
}

func TestLoop_StatsCountEvents(t *testing.T) {
	l := newTestLoop(t)
	a, b := socketpair(t)

	buf := make([]byte, 16)
	done := make(chan struct{})
	l.Add(a, Read, func(interface{}) {
		unix.Read(a, buf)
		close(done)
	}, nil, nil)

	unix.Write(b, []byte("x"))
	<-done

	waitFor(t, func() bool { return l.Stats().TotalEventsProcessed >= 1 })
}

func TestLoop_SetBatchSizeAndTimeoutIgnoreInvalidValues(t *testing.T) {
	l := newTestLoop(t)

	l.SetBatchSize(0)
	l.SetBatchSize(-1)
	l.SetTimeout(-5)
	if got := l.batchSize.Load(); got != 64 {
		t.Fatalf("batchSize after invalid values = %d, want 64", got)
	}
	if got := l.timeoutMS.Load(); got != 100 {
		t.Fatalf("timeoutMS after invalid value = %d, want 100", got)
	}

	l.SetBatchSize(10)
	if got := l.batchSize.Load(); got != 10 {
		t.Fatalf("batchSize = %d, want 10", got)
	}
}
