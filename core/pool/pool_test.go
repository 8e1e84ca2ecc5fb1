package pool

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fastgateway/edgereactor/config"
)

func mustSocketpairFD(t *testing.T) int {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("Socketpair: %v", err)
	}
	t.Cleanup(func() { unix.Close(fds[1]) })
	return fds[0]
}

func fdIsOpen(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MaxConnections = 2
	cfg.WorkerConnections = 40 // -> MaxIdleConnections() == 20
	cfg.EnableConnectionReuse = true
	cfg.PoolCleanupInterval = time.Hour // disable the background reaper racing the test
	cfg.KeepaliveTimeout = 1 * time.Second
	return cfg
}

// TestPool_AcceptCloseCycle is spec.md scenario S1.
func TestPool_AcceptCloseCycle(t *testing.T) {
	cfg := testConfig()
	p := Create(cfg, NewBufPool(), nil)
	defer p.Stop()

	c1, ok := p.Get(10, "1.2.3.4")
	if !ok || c1 == nil {
		t.Fatal("expected fd 10 to be accepted")
	}
	c2, ok := p.Get(11, "1.2.3.4")
	if !ok || c2 == nil {
		t.Fatal("expected fd 11 to be accepted")
	}

	c3, ok := p.Get(12, "1.2.3.4")
	if ok || c3 != nil {
		t.Fatal("expected fd 12 to be denied at capacity")
	}
	if got := p.GetStats().DeniedByPool; got != 1 {
		t.Errorf("denied_by_pool = %d, want 1", got)
	}
}

// TestPool_KeepAliveReuse is spec.md scenario S2.
func TestPool_KeepAliveReuse(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 4
	p := Create(cfg, NewBufPool(), nil)
	defer p.Stop()

	var conns []*Connection
	for i := 0; i < 3; i++ {
		c, ok := p.Get(100+i, "9.9.9.9")
		if !ok {
			t.Fatalf("Get(%d) failed", i)
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Return(c)
	}

	// LIFO: the last one returned should be the first one reused.
	last := conns[len(conns)-1]
	next, ok := p.Get(200, "9.9.9.9")
	if !ok {
		t.Fatal("expected reuse to succeed")
	}
	if next != last {
		t.Error("expected LIFO reuse to hand back the most recently idled connection")
	}
	if next.RemoteAddr() != "9.9.9.9" {
		t.Error("reused connection lost its remote address binding")
	}
	if got := p.GetStats().Reused; got != 1 {
		t.Errorf("reused_connections = %d, want 1", got)
	}
}

// TestPool_Reaper is spec.md scenario S5.
func TestPool_Reaper(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 10
	cfg.KeepaliveTimeout = 500 * time.Millisecond // IdleTimeout() == 1s
	p := Create(cfg, NewBufPool(), nil)
	defer p.Stop()

	var conns []*Connection
	for i := 0; i < 5; i++ {
		c, _ := p.Get(300+i, "5.5.5.5")
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Return(c)
	}

	time.Sleep(1100 * time.Millisecond)

	n := p.CleanupIdle()
	if n != 5 {
		t.Fatalf("CleanupIdle reaped %d, want 5", n)
	}
	if got := p.IdleCount(); got != 0 {
		t.Fatalf("idle count after cleanup = %d, want 0", got)
	}
}

// TestPool_CleanupIdlePreservesAllSurvivorsWhenNoneExpire guards against a
// past aliasing bug: building the kept slice in-place over p.idle while
// scanning tail-to-head clobbered earlier entries before they were read,
// silently dropping connections and duplicating others in the idle stack.
func TestPool_CleanupIdlePreservesAllSurvivorsWhenNoneExpire(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 10
	cfg.KeepaliveTimeout = time.Hour
	p := Create(cfg, NewBufPool(), nil)
	defer p.Stop()

	var conns []*Connection
	for i := 0; i < 3; i++ {
		c, _ := p.Get(400+i, "6.6.6.6")
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Return(c)
	}

	n := p.CleanupIdle()
	if n != 0 {
		t.Fatalf("CleanupIdle reaped %d, want 0 (nothing expired)", n)
	}
	if got := p.IdleCount(); got != 3 {
		t.Fatalf("idle count after no-op cleanup = %d, want 3", got)
	}

	seen := make(map[*Connection]bool)
	for i := 0; i < 3; i++ {
		c, ok := p.Get(500+i, "6.6.6.6")
		if !ok {
			t.Fatalf("Get(%d) failed reusing idle connections", i)
		}
		if seen[c] {
			t.Fatalf("connection %p handed out twice", c)
		}
		seen[c] = true
	}
	for _, c := range conns {
		if !seen[c] {
			t.Fatalf("connection %p was dropped by CleanupIdle instead of kept", c)
		}
	}
}

// TestPool_CleanupIdlePartialExpiryKeepsUnexpiredEntries covers a mix of
// expired and unexpired idle connections, which the all-expire and
// none-expire cases above don't exercise.
func TestPool_CleanupIdlePartialExpiryKeepsUnexpiredEntries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 10
	cfg.KeepaliveTimeout = 100 * time.Millisecond // IdleTimeout() == 200ms
	p := Create(cfg, NewBufPool(), nil)
	defer p.Stop()

	// Check both out before returning either: with reuse enabled, a Get
	// after the first Return would hand back that same idle connection.
	stale, _ := p.Get(600, "7.7.7.7")
	fresh, _ := p.Get(601, "7.7.7.7")
	p.Return(stale)

	time.Sleep(250 * time.Millisecond)

	p.Return(fresh)

	n := p.CleanupIdle()
	if n != 1 {
		t.Fatalf("CleanupIdle reaped %d, want 1 (only the stale connection)", n)
	}
	if got := p.IdleCount(); got != 1 {
		t.Fatalf("idle count after partial cleanup = %d, want 1", got)
	}

	next, ok := p.Get(602, "7.7.7.7")
	if !ok {
		t.Fatal("expected the surviving fresh connection to still be reusable")
	}
	if next != fresh {
		t.Fatalf("expected the surviving idle connection to be the fresh one, got a different connection")
	}
}

// TestPool_ReinitClosesThePreviousFD guards against a past leak: reinit
// used to overwrite a reused Connection's fd field with the new fd
// without ever closing the fd it held while idle.
func TestPool_ReinitClosesThePreviousFD(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 4
	p := Create(cfg, NewBufPool(), nil)
	defer p.Stop()

	staleFD := mustSocketpairFD(t)
	c, ok := p.Get(staleFD, "1.1.1.1")
	if !ok {
		t.Fatal("Get failed")
	}
	p.Return(c)
	if p.IdleCount() != 1 {
		t.Fatalf("idle count = %d, want 1", p.IdleCount())
	}

	newFD := mustSocketpairFD(t)
	reused, ok := p.Get(newFD, "2.2.2.2")
	if !ok {
		t.Fatal("Get (reuse) failed")
	}
	if reused != c {
		t.Fatal("expected the idle connection to be reused")
	}
	if reused.FD() != newFD {
		t.Fatalf("FD() = %d, want %d", reused.FD(), newFD)
	}
	if fdIsOpen(staleFD) {
		t.Fatal("previous fd was never closed on reuse")
	}
}

func TestPool_CloseIsIdempotent(t *testing.T) {
	cfg := testConfig()
	p := Create(cfg, NewBufPool(), nil)
	defer p.Stop()

	c, _ := p.Get(42, "1.1.1.1")
	p.Close(c)
	before := p.GetStats().Closed

	p.Close(c)
	after := p.GetStats().Closed

	if before != after {
		t.Fatalf("Close was not idempotent: closed count went from %d to %d", before, after)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %v, want closed", c.State())
	}
	if c.FD() != -1 {
		t.Fatalf("closed connection should hold no fd, got %d", c.FD())
	}
}

func TestPool_ActiveIdleInvariant(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 5
	p := Create(cfg, NewBufPool(), nil)
	defer p.Stop()

	for i := 0; i < 5; i++ {
		c, ok := p.Get(500+i, "2.2.2.2")
		if !ok {
			continue
		}
		if i%2 == 0 {
			p.Return(c)
		}
	}

	s := p.GetStats()
	if s.Active+s.Idle > cfg.MaxConnections {
		t.Fatalf("active(%d)+idle(%d) exceeds max_connections(%d)", s.Active, s.Idle, cfg.MaxConnections)
	}
}
