package orkestra

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rezapriatna/orkestra/internal/singleflight"
)

const defaultCacheShards = 16

type cacheEntry struct {
	key        string
	statusCode int
	header     http.Header
	body       []byte
	createdAt  time.Time
	expiresAt  time.Time
	lastAccess int64 // nanoseconds

	// LRU chain, most recently used at head.
	prev, next *cacheEntry
}

func (e *cacheEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// memoryCache is the fast tier: a sharded TTL store with lazy expiry on read,
// a periodic sweep, and least-recently-accessed eviction under capacity
// pressure.
type memoryCache struct {
	shards    []*cacheShard
	numShards int
	size      int64
	evictions int64

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once

	// onEvict observes capacity evictions. Must be cheap; it runs with the
	// shard lock held.
	onEvict func()
}

type cacheShard struct {
	mu         sync.Mutex
	store      map[string]*cacheEntry
	head, tail *cacheEntry
	maxEntries int
}

func newMemoryCache(maxEntries int, sweepInterval time.Duration) *memoryCache {
	numShards := defaultCacheShards
	if maxEntries > 0 && maxEntries < numShards {
		numShards = 1
	}
	perShard := 0
	if maxEntries > 0 {
		perShard = maxEntries / numShards
		if perShard == 0 {
			perShard = 1
		}
	}

	shards := make([]*cacheShard, numShards)
	for i := range shards {
		shards[i] = &cacheShard{
			store:      make(map[string]*cacheEntry),
			maxEntries: perShard,
		}
	}
	c := &memoryCache{
		shards:        shards,
		numShards:     numShards,
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
	}
	if sweepInterval > 0 {
		go c.sweeper()
	}
	return c
}

func (c *memoryCache) getShard(key string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return c.shards[h.Sum32()%uint32(c.numShards)]
}

// Get returns a fresh entry or reports absence. An expired entry is removed
// on the spot regardless of the sweep schedule.
func (c *memoryCache) Get(key string) (*cacheEntry, bool) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.store[key]
	if !ok {
		return nil, false
	}
	if entry.expired(time.Now()) {
		shard.removeLocked(entry)
		atomic.AddInt64(&c.size, -1)
		return nil, false
	}

	atomic.StoreInt64(&entry.lastAccess, time.Now().UnixNano())
	shard.moveToFrontLocked(entry)
	return entry, true
}

func (c *memoryCache) Set(key string, entry *cacheEntry, ttl time.Duration) {
	now := time.Now()
	entry.key = key
	if entry.createdAt.IsZero() {
		entry.createdAt = now
	}
	entry.expiresAt = now.Add(ttl)
	atomic.StoreInt64(&entry.lastAccess, now.UnixNano())

	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if old, ok := shard.store[key]; ok {
		shard.removeLocked(old)
		atomic.AddInt64(&c.size, -1)
	}
	shard.store[key] = entry
	shard.pushFrontLocked(entry)
	atomic.AddInt64(&c.size, 1)

	// Capacity pressure evicts the least recently accessed entry first,
	// independent of TTL.
	for shard.maxEntries > 0 && len(shard.store) > shard.maxEntries {
		oldest := shard.tail
		if oldest == nil {
			break
		}
		shard.removeLocked(oldest)
		atomic.AddInt64(&c.size, -1)
		atomic.AddInt64(&c.evictions, 1)
		if c.onEvict != nil {
			c.onEvict()
		}
	}
}

func (c *memoryCache) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if entry, ok := shard.store[key]; ok {
		shard.removeLocked(entry)
		atomic.AddInt64(&c.size, -1)
	}
}

func (c *memoryCache) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		n := len(shard.store)
		shard.store = make(map[string]*cacheEntry)
		shard.head, shard.tail = nil, nil
		shard.mu.Unlock()
		atomic.AddInt64(&c.size, -int64(n))
	}
}

func (c *memoryCache) Len() int {
	return int(atomic.LoadInt64(&c.size))
}

func (c *memoryCache) Evictions() int64 {
	return atomic.LoadInt64(&c.evictions)
}

// sweep removes every expired entry to bound memory between reads.
func (c *memoryCache) sweep() {
	now := time.Now()
	for _, shard := range c.shards {
		shard.mu.Lock()
		for _, entry := range shard.store {
			if entry.expired(now) {
				shard.removeLocked(entry)
				atomic.AddInt64(&c.size, -1)
			}
		}
		shard.mu.Unlock()
	}
}

func (c *memoryCache) sweeper() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopSweep:
			return
		}
	}
}

func (c *memoryCache) Close() {
	c.stopOnce.Do(func() { close(c.stopSweep) })
}

func (s *cacheShard) pushFrontLocked(e *cacheEntry) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *cacheShard) moveToFrontLocked(e *cacheEntry) {
	if s.head == e {
		return
	}
	s.unlinkLocked(e)
	s.pushFrontLocked(e)
}

func (s *cacheShard) unlinkLocked(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else if s.head == e {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else if s.tail == e {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (s *cacheShard) removeLocked(e *cacheEntry) {
	s.unlinkLocked(e)
	delete(s.store, e.key)
}

// storedEntry is the serialized form written to the persistent tier.
type storedEntry struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
}

// tieredCache consults the fast tier first and falls through to an optional
// persistent store, back-filling the fast tier on a slow hit. Concurrent
// misses for the same key trigger a single slow-tier read.
type tieredCache struct {
	fast  *memoryCache
	slow  CacheStore
	group *singleflight.Group
}

func newTieredCache(fast *memoryCache, slow CacheStore) *tieredCache {
	return &tieredCache{
		fast:  fast,
		slow:  slow,
		group: singleflight.New(),
	}
}

func (t *tieredCache) Get(ctx context.Context, key string) (*cacheEntry, bool) {
	if entry, ok := t.fast.Get(key); ok {
		return entry, true
	}
	if t.slow == nil {
		return nil, false
	}

	v, err := t.group.Do(ctx, key, func() (interface{}, error) {
		entry, ok := t.readSlow(ctx, key)
		if !ok {
			return nil, nil
		}
		return entry, nil
	})
	if err != nil || v == nil {
		return nil, false
	}
	return v.(*cacheEntry), true
}

// readSlow loads and validates one persistent entry. Store failures and
// malformed payloads are treated as misses; a malformed payload is purged.
func (t *tieredCache) readSlow(ctx context.Context, key string) (*cacheEntry, bool) {
	raw, ok, err := t.slow.Read(ctx, key)
	if err != nil || !ok {
		return nil, false
	}

	var stored storedEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		_ = t.slow.Remove(ctx, key)
		return nil, false
	}
	if stored.ExpiresAt.IsZero() || stored.ExpiresAt.Before(stored.CreatedAt) {
		_ = t.slow.Remove(ctx, key)
		return nil, false
	}

	now := time.Now()
	if now.After(stored.ExpiresAt) {
		_ = t.slow.Remove(ctx, key)
		return nil, false
	}

	entry := &cacheEntry{
		statusCode: stored.StatusCode,
		header:     stored.Header,
		body:       stored.Body,
		createdAt:  stored.CreatedAt,
		expiresAt:  stored.ExpiresAt,
	}
	t.fast.Set(key, entry, time.Until(stored.ExpiresAt))
	return entry, true
}

func (t *tieredCache) Set(ctx context.Context, key string, entry *cacheEntry, ttl time.Duration) {
	t.fast.Set(key, entry, ttl)
	if t.slow == nil {
		return
	}

	stored := storedEntry{
		StatusCode: entry.statusCode,
		Header:     entry.header,
		Body:       entry.body,
		CreatedAt:  entry.createdAt,
		ExpiresAt:  entry.expiresAt,
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return
	}
	_ = t.slow.Write(ctx, key, raw, ttl)
}

func (t *tieredCache) Delete(ctx context.Context, key string) {
	t.fast.Delete(key)
	if t.slow != nil {
		_ = t.slow.Remove(ctx, key)
	}
}

func (t *tieredCache) Close() {
	t.fast.Close()
}
