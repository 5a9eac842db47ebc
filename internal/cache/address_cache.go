// Package cache implements the address cache: a bounded, concurrent map from
// wallet address to a decaying reference score, used to suppress redundant
// database writes for recently-seen addresses.
package cache

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// unbounded is the internal simplelru capacity. The cache's own logic, not
// simplelru's built-in eviction, enforces MaxSize — simplelru would
// otherwise silently evict the oldest entry on every Add past its cap,
// which conflicts with "existing entries have priority" from spec.md §4.3.
const unbounded = math.MaxInt32

// Config holds the tunables from spec.md §6's cache.* options.
type Config struct {
	Enabled             bool
	MaxSize             int
	DefaultValue        int
	DecayAmount         int
	LRUEvictionEnabled  bool
	BatchEvictionSize   int
	MemoryCheckEnabled  bool
	TargetMemoryPercent float64
	MinCacheSize        int
}

// Stats is the snapshot returned by StatsSnapshot.
type Stats struct {
	Size               int
	MaxSize            int
	Hits               int64
	Misses             int64
	SkippedDBOps       int64
	UtilizationPercent float64
}

// AddressCache is a bounded, concurrent map address -> score with LRU order
// tracked alongside it, per spec.md §4.3.
type AddressCache struct {
	cfg Config

	mu  sync.Mutex
	lru *lru.LRU[string, *atomic.Int64]

	hits, misses, skipped atomic.Int64

	// memoryPercent reports heap-used / heap-limit * 100. Overridable in
	// tests; defaults to reading runtime.MemStats against the process's
	// soft memory limit (GOMEMLIMIT).
	memoryPercent func() float64
}

// New constructs an AddressCache from cfg.
func New(cfg Config) *AddressCache {
	l, _ := lru.NewLRU[string, *atomic.Int64](unbounded, nil)
	return &AddressCache{
		cfg:           cfg,
		lru:           l,
		memoryPercent: defaultMemoryPercent,
	}
}

func defaultMemoryPercent() float64 {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return 0
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / float64(limit) * 100
}

// CheckAndBoost reports whether address is present, boosting its score and
// marking it most-recently-used as a side effect of presence.
func (c *AddressCache) CheckAndBoost(address string) bool {
	if !c.cfg.Enabled {
		c.misses.Add(1)
		return false
	}
	c.mu.Lock()
	score, ok := c.lru.Get(address) // Get also marks MRU.
	c.mu.Unlock()
	if !ok {
		c.misses.Add(1)
		return false
	}
	score.Add(int64(c.cfg.DefaultValue))
	c.hits.Add(1)
	c.skipped.Add(1)
	return true
}

// AddIfAbsent inserts address with the default score iff it is not already
// present and the cache has headroom (after an eviction attempt).
func (c *AddressCache) AddIfAbsent(address string) {
	if !c.cfg.Enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addIfAbsentLocked(address)
}

func (c *AddressCache) addIfAbsentLocked(address string) {
	if _, ok := c.lru.Peek(address); ok {
		return
	}
	if c.lru.Len() >= c.cfg.MaxSize {
		c.decayAndEvictLocked()
		if c.lru.Len() >= c.cfg.MaxSize {
			return // existing entries have priority
		}
	}
	score := &atomic.Int64{}
	score.Store(int64(c.cfg.DefaultValue))
	c.lru.Add(address, score)
}

// AddAll is the bulk form of AddIfAbsent.
func (c *AddressCache) AddAll(addresses map[string]struct{}) {
	if !c.cfg.Enabled || len(addresses) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for addr := range addresses {
		c.addIfAbsentLocked(addr)
	}
}

// DecayAndEvict runs one decay sweep, removing entries whose score reaches
// zero or below, then falls back to LRU eviction and memory-pressure
// shrinkage if the cache is still at or over capacity.
func (c *AddressCache) DecayAndEvict() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decayAndEvictLocked()
}

func (c *AddressCache) decayAndEvictLocked() {
	for _, key := range c.lru.Keys() {
		score, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if score.Add(-int64(c.cfg.DecayAmount)) <= 0 {
			c.lru.Remove(key)
		}
	}

	if c.cfg.LRUEvictionEnabled {
		removed := 0
		for c.lru.Len() >= c.cfg.MaxSize && removed < c.cfg.BatchEvictionSize {
			if _, _, ok := c.lru.RemoveOldest(); !ok {
				break
			}
			removed++
		}
	}

	if c.cfg.MemoryCheckEnabled && c.memoryPercent() > c.cfg.TargetMemoryPercent {
		target := int(float64(c.lru.Len()) * 0.8)
		if target < c.cfg.MinCacheSize {
			target = c.cfg.MinCacheSize
		}
		for c.lru.Len() > target {
			if _, _, ok := c.lru.RemoveOldest(); !ok {
				break
			}
		}
	}
}

// StatsSnapshot returns the current hit/miss/size metrics.
func (c *AddressCache) StatsSnapshot() Stats {
	c.mu.Lock()
	size := c.lru.Len()
	c.mu.Unlock()

	util := 0.0
	if c.cfg.MaxSize > 0 {
		util = float64(size) / float64(c.cfg.MaxSize) * 100
	}
	return Stats{
		Size:               size,
		MaxSize:            c.cfg.MaxSize,
		Hits:               c.hits.Load(),
		Misses:             c.misses.Load(),
		SkippedDBOps:       c.skipped.Load(),
		UtilizationPercent: util,
	}
}

// ResetBatchCounters zeroes the per-batch hit/miss/skip counters. Entries
// are untouched.
func (c *AddressCache) ResetBatchCounters() {
	c.hits.Store(0)
	c.misses.Store(0)
	c.skipped.Store(0)
}

// Len returns the current number of cached entries.
func (c *AddressCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
