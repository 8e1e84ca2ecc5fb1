package pool

import (
	"sync"
	"sync/atomic"
)

// defaultBufferSizes are the size classes used for per-connection read
// buffers (spec.md's memory_pool_size knob governs how many of each tier
// get warmed; the tiers themselves are fixed).
var defaultBufferSizes = []int{
	512,   // small requests
	2048,  // medium (most common)
	8192,  // large
	32768, // extra large
}

// tierWeight biases warmup allocation toward the tiers most connections
// actually use: the 2048-byte tier is commented above as "most common",
// so it gets the largest share of memory_pool_size's budget, tapering off
// toward the rarer large/extra-large tiers.
var tierWeight = []int{3, 4, 2, 1}

// BufPool is a multi-tiered byte-slice pool: Get rounds a requested size
// up to the smallest tier that fits it, Put returns a buffer to the tier
// matching its capacity.
type BufPool struct {
	pools []*sync.Pool
	sizes []int

	gets   atomic.Uint64
	puts   atomic.Uint64
	warmed []int // buffers pre-populated into each tier at construction
}

// NewBufPool creates a buffer pool with the standard size tiers and no
// warmup; equivalent to NewBufPoolWithSizes with memoryPoolSize 0.
func NewBufPool() *BufPool {
	return NewBufPoolWithSizes(defaultBufferSizes, 0)
}

// NewWarmedBufPool creates a buffer pool with the standard size tiers and
// pre-populates them per cfg.MemoryPoolSize (spec.md §6), so the first
// wave of accepted connections after a worker starts draws already-
// allocated buffers from sync.Pool instead of hitting its New path.
func NewWarmedBufPool(memoryPoolSize int) *BufPool {
	return NewBufPoolWithSizes(defaultBufferSizes, memoryPoolSize)
}

// NewBufPoolWithSizes creates a buffer pool with custom size tiers,
// warming memoryPoolSize buffers total across them, weighted by
// tierWeight for the standard tiers or spread evenly for custom ones.
func NewBufPoolWithSizes(sizes []int, memoryPoolSize int) *BufPool {
	bp := &BufPool{
		pools:  make([]*sync.Pool, len(sizes)),
		sizes:  sizes,
		warmed: make([]int, len(sizes)),
	}
	for i, size := range sizes {
		sz := size
		bp.pools[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, sz)
				return &buf
			},
		}
	}
	bp.warm(memoryPoolSize)
	return bp
}

// warm pre-populates each tier's sync.Pool with buffers allocated up
// front, splitting memoryPoolSize across tiers by weight so a cold worker
// doesn't pay allocation cost for its first burst of accepted
// connections. sync.Pool offers no bulk-preload API, so warming means
// Put-ing freshly made buffers before the pool serves its first Get.
func (bp *BufPool) warm(memoryPoolSize int) {
	if memoryPoolSize <= 0 {
		return
	}
	weights := tierWeight
	if len(weights) != len(bp.sizes) {
		weights = make([]int, len(bp.sizes))
		for i := range weights {
			weights[i] = 1
		}
	}
	totalWeight := 0
	for _, w := range weights {
		totalWeight += w
	}
	if totalWeight == 0 {
		return
	}
	for i, size := range bp.sizes {
		count := memoryPoolSize * weights[i] / totalWeight
		for j := 0; j < count; j++ {
			buf := make([]byte, size)
			bp.pools[i].Put(&buf)
		}
		bp.warmed[i] = count
	}
}

// Get returns a byte slice of at least size bytes, drawn from the
// smallest tier that fits, or allocated directly if size exceeds every
// tier.
func (bp *BufPool) Get(size int) []byte {
	bp.gets.Add(1)
	for i, tier := range bp.sizes {
		if size <= tier {
			bufPtr := bp.pools[i].Get().(*[]byte)
			return (*bufPtr)[:size]
		}
	}
	return make([]byte, size)
}

// Put returns buf to the tier matching its capacity. A buffer whose
// capacity doesn't match any tier (including oversized ones Get never
// pooled) is simply dropped for the GC to reclaim.
func (bp *BufPool) Put(buf []byte) {
	if buf == nil {
		return
	}
	bp.puts.Add(1)
	capacity := cap(buf)
	for i, tier := range bp.sizes {
		if capacity == tier {
			buf = buf[:capacity]
			bp.pools[i].Put(&buf)
			return
		}
	}
}

// Stats reports lifetime get/put counts and how many buffers were
// pre-populated into each tier at construction.
type BufPoolStats struct {
	Gets   uint64
	Puts   uint64
	Warmed []int
}

func (bp *BufPool) Stats() BufPoolStats {
	warmed := make([]int, len(bp.warmed))
	copy(warmed, bp.warmed)
	return BufPoolStats{Gets: bp.gets.Load(), Puts: bp.puts.Load(), Warmed: warmed}
}
