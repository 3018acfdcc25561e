// Package slicecache memoizes slice query results keyed by
// (tenant, state id, version, pattern, limit).
//
// Entries are derived from immutable versions, so they never need
// invalidation: they only expire (TTL) or are evicted (LRU, per shard).
// Dropping an entry never loses data; the next query recomputes it.
package slicecache

import (
	"container/list"
	"context"
	"hash/maphash"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/10yihang/fsamem/internal/metrics"
	"github.com/10yihang/fsamem/internal/value"
	"github.com/10yihang/fsamem/pkg/errors"
)

// Clock supplies the current time. Tests inject a manual clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Key identifies one cached slice.
type Key struct {
	Tenant  string
	StateID string
	Version int64
	Pattern string
	Limit   int
}

func (k Key) String() string {
	return k.Tenant + "\x00" + k.StateID + "\x00" + strconv.FormatInt(k.Version, 10) +
		"\x00" + strconv.Itoa(k.Limit) + "\x00" + k.Pattern
}

// Result is a computed slice with its summary and token estimate.
type Result struct {
	Slice      *value.Map
	Summary    string
	TokenCount int
}

// ComputeFunc produces a Result on a miss.
type ComputeFunc func() (Result, error)

// Config configures the cache.
type Config struct {
	TTL           time.Duration
	Capacity      int // soft bound on entries, split across shards
	SweepInterval time.Duration
	Shards        int
	Clock         Clock
	Logger        *zap.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		TTL:           5 * time.Minute,
		Capacity:      1024,
		SweepInterval: time.Minute,
		Shards:        16,
	}
}

// Stats holds cache counters.
type Stats struct {
	Hits        atomic.Int64
	Misses      atomic.Int64
	Evictions   atomic.Int64
	Expirations atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats plus the current size.
type StatsSnapshot struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
	Size        int   `json:"size"`
}

type entry struct {
	key         Key
	result      Result
	expiresAt   time.Time
	accessedAt  time.Time
	accessCount int64
}

// EntryInfo describes a cached entry for observability.
type EntryInfo struct {
	ExpiresAt   time.Time
	AccessedAt  time.Time
	AccessCount int64
}

type shard struct {
	mu       sync.Mutex
	items    map[Key]*list.Element
	lru      *list.List // front is most recently used
	capacity int
}

// Cache is a sharded TTL + LRU cache of slice results.
type Cache struct {
	shards []*shard
	seed   maphash.Seed
	ttl    time.Duration
	sweep  time.Duration
	clock  Clock
	logger *zap.Logger
	group  singleflight.Group
	stats  Stats

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a cache. A nil cfg uses DefaultConfig.
func New(cfg *Config) *Cache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = def.TTL
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = def.Capacity
	}
	n := cfg.Shards
	if n <= 0 {
		n = def.Shards
	}
	if n > capacity {
		n = capacity
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = def.SweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = realClock{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	per := (capacity + n - 1) / n
	c := &Cache{
		shards: make([]*shard, n),
		seed:   maphash.MakeSeed(),
		ttl:    ttl,
		sweep:  sweep,
		clock:  clock,
		logger: logger,
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			items:    make(map[Key]*list.Element),
			lru:      list.New(),
			capacity: per,
		}
	}
	return c
}

func (c *Cache) shardFor(k Key) *shard {
	var h maphash.Hash
	h.SetSeed(c.seed)
	h.WriteString(k.String())
	return c.shards[h.Sum64()%uint64(len(c.shards))]
}

// Get returns a live entry and marks it recently used.
func (c *Cache) Get(k Key) (Result, bool) {
	s := c.shardFor(k)
	now := c.clock.Now()

	s.mu.Lock()
	el, ok := s.items[k]
	if !ok {
		s.mu.Unlock()
		c.miss()
		return Result{}, false
	}
	e := el.Value.(*entry)
	if !now.Before(e.expiresAt) {
		s.lru.Remove(el)
		delete(s.items, k)
		s.mu.Unlock()
		c.stats.Expirations.Add(1)
		metrics.RecordCacheEviction("expired", 1)
		c.miss()
		return Result{}, false
	}
	s.lru.MoveToFront(el)
	e.accessedAt = now
	e.accessCount++
	res := e.result
	s.mu.Unlock()

	c.stats.Hits.Add(1)
	metrics.RecordCacheHit()
	return res, true
}

func (c *Cache) miss() {
	c.stats.Misses.Add(1)
	metrics.RecordCacheMiss()
}

// Put stores a result. When the shard is full, expired entries are purged
// first, then least recently used ones.
func (c *Cache) Put(k Key, res Result) {
	s := c.shardFor(k)
	now := c.clock.Now()
	expiresAt := now.Add(c.ttl)

	s.mu.Lock()
	if el, ok := s.items[k]; ok {
		e := el.Value.(*entry)
		e.result = res
		e.expiresAt = expiresAt
		e.accessedAt = now
		s.lru.MoveToFront(el)
		s.mu.Unlock()
		return
	}
	expired := 0
	if s.lru.Len() >= s.capacity {
		expired = s.purgeExpired(now)
	}
	evicted := 0
	for s.lru.Len() >= s.capacity {
		oldest := s.lru.Back()
		if oldest == nil {
			break
		}
		s.lru.Remove(oldest)
		delete(s.items, oldest.Value.(*entry).key)
		evicted++
	}
	s.items[k] = s.lru.PushFront(&entry{key: k, result: res, expiresAt: expiresAt, accessedAt: now})
	s.mu.Unlock()

	if expired > 0 {
		c.stats.Expirations.Add(int64(expired))
		metrics.RecordCacheEviction("expired", expired)
	}
	if evicted > 0 {
		c.stats.Evictions.Add(int64(evicted))
		metrics.RecordCacheEviction("capacity", evicted)
	}
	metrics.SetCacheEntries(c.Len())
}

// purgeExpired removes expired entries. Caller holds s.mu.
func (s *shard) purgeExpired(now time.Time) int {
	removed := 0
	for k, el := range s.items {
		if !now.Before(el.Value.(*entry).expiresAt) {
			s.lru.Remove(el)
			delete(s.items, k)
			removed++
		}
	}
	return removed
}

// Inspect returns bookkeeping for a stored entry without counting an access.
func (c *Cache) Inspect(k Key) (EntryInfo, bool) {
	s := c.shardFor(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[k]
	if !ok {
		return EntryInfo{}, false
	}
	e := el.Value.(*entry)
	return EntryInfo{ExpiresAt: e.expiresAt, AccessedAt: e.accessedAt, AccessCount: e.accessCount}, true
}

// GetOrCompute returns the cached result for k or runs compute once for all
// concurrent callers of the same key. hit reports whether the result came
// from the cache.
func (c *Cache) GetOrCompute(ctx context.Context, k Key, compute ComputeFunc) (res Result, hit bool, err error) {
	if res, ok := c.Get(k); ok {
		return res, true, nil
	}

	ch := c.group.DoChan(k.String(), func() (any, error) {
		return c.load(k, compute)
	})

	select {
	case <-ctx.Done():
		return Result{}, false, errors.FromContext(ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return Result{}, false, r.Err
		}
		l := r.Val.(loaded)
		return l.res, l.hit, nil
	}
}

type loaded struct {
	res Result
	hit bool
}

// load runs once per key under singleflight. An entry stored by a caller
// that finished between the miss and the flight is served as a hit.
func (c *Cache) load(k Key, compute ComputeFunc) (loaded, error) {
	if res, ok := c.peek(k); ok {
		return loaded{res: res, hit: true}, nil
	}
	res, err := compute()
	if err != nil {
		return loaded{}, err
	}
	c.Put(k, res)
	return loaded{res: res}, nil
}

// peek reads without touching stats or recency.
func (c *Cache) peek(k Key) (Result, bool) {
	s := c.shardFor(k)
	now := c.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.items[k]
	if !ok {
		return Result{}, false
	}
	e := el.Value.(*entry)
	if !now.Before(e.expiresAt) {
		return Result{}, false
	}
	return e.result, true
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		removed += s.purgeExpired(now)
		s.mu.Unlock()
	}
	if removed > 0 {
		c.stats.Expirations.Add(int64(removed))
		metrics.RecordCacheEviction("expired", removed)
		c.logger.Debug("slice cache sweep", zap.Int("removed", removed))
	}
	metrics.SetCacheEntries(c.Len())
	return removed
}

// Start runs Sweep every SweepInterval until Stop or ctx is done.
func (c *Cache) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (c *Cache) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() StatsSnapshot {
	return StatsSnapshot{
		Hits:        c.stats.Hits.Load(),
		Misses:      c.stats.Misses.Load(),
		Evictions:   c.stats.Evictions.Load(),
		Expirations: c.stats.Expirations.Load(),
		Size:        c.Len(),
	}
}
