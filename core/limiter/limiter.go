// Package limiter implements the per-client-IP connection and rate
// limiting of spec.md §4.3: two closely-related tables keyed by the
// client's textual IP, each a set of fixed-bucket-count shards so
// contention on one busy IP doesn't serialize every other IP.
package limiter

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/juju/ratelimit"
	"github.com/sirupsen/logrus"

	"github.com/fastgateway/edgereactor/config"
)

// Decision is the allow/deny result of a limiter check.
type Decision int

const (
	Allow Decision = iota
	Deny
)

const (
	shardCount        = 32
	perShardCacheSize = 32 // 32 shards * 32 = ~1024 entries, matching spec.md's "≈1024" bucket count
)

type connRecord struct {
	mu         sync.Mutex
	ip         string
	count      int
	lastAccess time.Time
}

type rateRecord struct {
	mu              sync.Mutex
	ip              string
	windowStart     time.Time
	requestCount    int
	burstWindowStart time.Time
	burstCount      int
	bucket          *ratelimit.Bucket
	lastRequest     time.Time
}

// ConnStats is the snapshot returned by GetIPConnectionStats.
type ConnStats struct {
	IP         string
	Count      int
	LastAccess time.Time
}

type shard[V any] struct {
	mu    sync.Mutex
	cache *lru.Cache[string, V]
}

func newShard[V any](size int) *shard[V] {
	c, _ := lru.New[string, V](size) // lru.New only errors on size<=0, which never happens here
	return &shard[V]{cache: c}
}

func shardIndex(ip string) int {
	h := fnv.New32a()
	h.Write([]byte(ip))
	return int(h.Sum32()) % shardCount
}

// Limiter enforces spec.md §4.3's connection-count ceiling and tumbling
// rate window per client IP.
type Limiter struct {
	cfg atomic.Pointer[config.Config]
	log *logrus.Entry

	connShards [shardCount]*shard[*connRecord]
	rateShards [shardCount]*shard[*rateRecord]

	allocFailures atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

// New builds a Limiter configured from cfg and starts its background
// reaper, which sweeps every cfg.LimiterCleanupInterval.
func New(cfg *config.Config, log *logrus.Entry) *Limiter {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &Limiter{
		log:  log.WithField("component", "limiter"),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	l.cfg.Store(cfg)
	for i := range l.connShards {
		l.connShards[i] = newShard[*connRecord](perShardCacheSize)
		l.rateShards[i] = newShard[*rateRecord](perShardCacheSize)
	}

	go l.reaperLoop()
	return l
}

// Configure replaces the limiter's active configuration wholesale; future
// checks consult the new snapshot, in-flight ones keep using whichever
// snapshot they already loaded (spec.md §5).
func (l *Limiter) Configure(cfg *config.Config) { l.cfg.Store(cfg) }

// UpdateFromConfig hot-reconfigures just the two knobs spec.md §4.3 calls
// out by name, cloning the current snapshot so unrelated fields survive.
func (l *Limiter) UpdateFromConfig(maxPerIP int, cleanupInterval time.Duration) {
	cfg := l.cfg.Load().Clone()
	cfg.ConnectionLimitPerIP = maxPerIP
	cfg.LimiterCleanupInterval = cleanupInterval
	l.cfg.Store(cfg)
}

func (l *Limiter) getOrCreateConn(ip string) *connRecord {
	sh := l.connShards[shardIndex(ip)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.cache.Get(ip); ok {
		return rec
	}
	rec := &connRecord{ip: ip}
	sh.cache.Add(ip, rec)
	return rec
}

// CheckConnectionLimit increments ip's active-connection count iff it
// would remain within cfg.ConnectionLimitPerIP, denying otherwise.
// An allocation failure building a new record degrades to Allow and
// bumps the failure counter — availability over strictness, per
// spec.md §4.3 "Failure semantics".
func (l *Limiter) CheckConnectionLimit(ip string) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			l.allocFailures.Add(1)
			l.log.WithField("panic", r).Warn("limiter: connection record allocation failed, defaulting to allow")
			decision = Allow
		}
	}()

	cfg := l.cfg.Load()
	rec := l.getOrCreateConn(ip)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.count+1 > cfg.ConnectionLimitPerIP {
		return Deny
	}
	rec.count++
	rec.lastAccess = time.Now()
	return Allow
}

// ReleaseConnection decrements ip's active count. The record itself is
// only deleted by the reaper, once it observes count==0 and the idle
// time exceeds cfg.LimiterCleanupInterval.
func (l *Limiter) ReleaseConnection(ip string) {
	sh := l.connShards[shardIndex(ip)]
	sh.mu.Lock()
	rec, ok := sh.cache.Peek(ip)
	sh.mu.Unlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	if rec.count > 0 {
		rec.count--
	}
	rec.lastAccess = time.Now()
	rec.mu.Unlock()
}

// GetIPConnectionStats snapshots ip's current connection-limiter record.
func (l *Limiter) GetIPConnectionStats(ip string) (ConnStats, bool) {
	sh := l.connShards[shardIndex(ip)]
	sh.mu.Lock()
	rec, ok := sh.cache.Peek(ip)
	sh.mu.Unlock()
	if !ok {
		return ConnStats{}, false
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return ConnStats{IP: rec.ip, Count: rec.count, LastAccess: rec.lastAccess}, true
}

func (l *Limiter) getOrCreateRate(ip string, cfg *config.Config) *rateRecord {
	sh := l.rateShards[shardIndex(ip)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if rec, ok := sh.cache.Get(ip); ok {
		return rec
	}
	now := time.Now()
	burst := int64(cfg.MaxRequestsBurst)
	if burst <= 0 {
		burst = 1
	}
	rec := &rateRecord{
		ip:               ip,
		windowStart:      now,
		burstWindowStart: now,
		bucket:           ratelimit.NewBucketWithRate(float64(burst), burst),
	}
	sh.cache.Add(ip, rec)
	return rec
}

// CheckRateLimit applies spec.md §4.3's tumbling window: if now is past
// windowStart+window, the window resets; the request is then counted
// against max_requests_per_second*window and, within any one-second
// span, against max_requests_burst. A juju/ratelimit token bucket
// backstops the burst check (it models continuous refill, not a tumbling
// reset, so it only gates "is there burst budget available right now").
func (l *Limiter) CheckRateLimit(ip string) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			l.allocFailures.Add(1)
			l.log.WithField("panic", r).Warn("limiter: rate record allocation failed, defaulting to allow")
			decision = Allow
		}
	}()

	cfg := l.cfg.Load()
	rec := l.getOrCreateRate(ip, cfg)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := time.Now()
	window := cfg.RateLimitWindow
	if window <= 0 {
		window = time.Second
	}
	if now.Sub(rec.windowStart) > window {
		rec.windowStart = now
		rec.requestCount = 0
	}
	rec.requestCount++
	rec.lastRequest = now

	threshold := int(float64(cfg.MaxRequestsPerSecond) * window.Seconds())
	if threshold <= 0 {
		threshold = cfg.MaxRequestsPerSecond
	}
	if rec.requestCount > threshold {
		return Deny
	}

	if now.Sub(rec.burstWindowStart) > time.Second {
		rec.burstWindowStart = now
		rec.burstCount = 0
	}
	rec.burstCount++
	if cfg.MaxRequestsBurst > 0 && rec.burstCount > cfg.MaxRequestsBurst {
		return Deny
	}
	if rec.bucket.TakeAvailable(1) == 0 {
		return Deny
	}
	return Allow
}

// CleanupAllLimits unconditionally purges both tables.
func (l *Limiter) CleanupAllLimits() {
	for i := range l.connShards {
		l.connShards[i].mu.Lock()
		l.connShards[i].cache.Purge()
		l.connShards[i].mu.Unlock()

		l.rateShards[i].mu.Lock()
		l.rateShards[i].cache.Purge()
		l.rateShards[i].mu.Unlock()
	}
}

func (l *Limiter) sweepOnce() {
	cfg := l.cfg.Load()
	cleanup := cfg.LimiterCleanupInterval
	if cleanup <= 0 {
		cleanup = time.Minute
	}
	now := time.Now()

	for _, sh := range l.connShards {
		sh.mu.Lock()
		for _, ip := range sh.cache.Keys() {
			rec, ok := sh.cache.Peek(ip)
			if !ok {
				continue
			}
			rec.mu.Lock()
			expired := rec.count == 0 && now.Sub(rec.lastAccess) > cleanup
			rec.mu.Unlock()
			if expired {
				sh.cache.Remove(ip)
			}
		}
		sh.mu.Unlock()
	}

	for _, sh := range l.rateShards {
		sh.mu.Lock()
		for _, ip := range sh.cache.Keys() {
			rec, ok := sh.cache.Peek(ip)
			if !ok {
				continue
			}
			rec.mu.Lock()
			expired := now.Sub(rec.lastRequest) > cleanup
			rec.mu.Unlock()
			if expired {
				sh.cache.Remove(ip)
			}
		}
		sh.mu.Unlock()
	}
}

func (l *Limiter) reaperLoop() {
	defer close(l.done)
	for {
		cfg := l.cfg.Load()
		interval := cfg.LimiterCleanupInterval
		if interval <= 0 {
			interval = time.Minute
		}
		select {
		case <-l.stop:
			return
		case <-time.After(interval):
			l.sweepOnce()
		}
	}
}

// Stop halts the background reaper.
func (l *Limiter) Stop() {
	close(l.stop)
	<-l.done
}
