// Package cache provides the in-memory cache that sits in front of the
// parser, detector and mapping store. Entries are partitioned by kind but
// share one LRU list, one byte ceiling and one entry ceiling.
package cache

import (
	"context"
	"fmt"
	"hash/crc32"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conneroisu/eltag/internal/logging"
)

// Kind partitions cache entries.
type Kind string

const (
	KindTree     Kind = "tree"
	KindElements Kind = "elements"
	KindMappings Kind = "mappings"
)

// Kinds lists every kind.
var Kinds = []Kind{KindTree, KindElements, KindMappings}

// Sizer is implemented by values that can report their approximate
// in-memory size in bytes.
type Sizer interface {
	CacheSize() int64
}

// defaultEntrySize is charged for values that are neither Sizers nor
// byte/string data.
const defaultEntrySize = 512

// evictionTarget is the fraction of a ceiling usage is brought down to once
// the ceiling is exceeded.
const evictionTarget = 0.8

// Config bounds the cache. Zero ceilings disable the corresponding check.
type Config struct {
	MaxBytes   int64
	MaxEntries int
	// DefaultTTL applies when Put is called with a zero ttl. Zero means
	// entries never expire.
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the default cache bounds.
func DefaultConfig() Config {
	return Config{
		MaxBytes:      64 << 20,
		MaxEntries:    2000,
		DefaultTTL:    10 * time.Minute,
		SweepInterval: time.Minute,
	}
}

type entryKey struct {
	kind Kind
	key  string
}

// entry is a node in the LRU list.
type entry struct {
	id          entryKey
	value       any
	size        int64
	createdAt   time.Time
	accessedAt  time.Time
	accessCount int64
	ttl         time.Duration

	prev *entry
	next *entry
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.createdAt) >= e.ttl
}

// Stats is a point in time view of the cache.
type Stats struct {
	Hits        int64        `json:"hits"`
	Misses      int64        `json:"misses"`
	Evictions   int64        `json:"evictions"`
	Expirations int64        `json:"expirations"`
	Size        int64        `json:"size"`
	Count       int          `json:"count"`
	ByKind      map[Kind]int `json:"byKind"`
	HitRate     float64      `json:"hitRate"`
}

// Cache is a TTL and LRU bounded cache. It is safe for concurrent use.
type Cache struct {
	cfg    Config
	logger logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[entryKey]*entry
	size    int64
	// LRU list with sentinels; head.next is the most recently used entry.
	head *entry
	tail *entry

	hits        int64
	misses      int64
	evictions   int64
	expirations int64

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a cache.
func New(cfg Config, logger logging.Logger) *Cache {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Cache{
		cfg:     cfg,
		logger:  logger.WithComponent("cache"),
		now:     time.Now,
		entries: make(map[entryKey]*entry),
		head:    &entry{},
		tail:    &entry{},
		stop:    make(chan struct{}),
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// FileKey builds the key for an artifact derived from a file's content, so
// an edited file misses.
func FileKey(path string, content []byte) string {
	return fmt.Sprintf("%s#%08x", path, crc32.ChecksumIEEE(content))
}

// Put stores value under (kind, key). A zero ttl selects the configured
// default; a negative ttl stores an entry that never expires.
func (c *Cache) Put(kind Kind, key string, value any, ttl time.Duration) {
	switch {
	case ttl == 0:
		ttl = c.cfg.DefaultTTL
	case ttl < 0:
		ttl = 0
	}
	size := sizeOf(value) + int64(len(key))
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	id := entryKey{kind: kind, key: key}
	if e, ok := c.entries[id]; ok {
		c.size += size - e.size
		e.value = value
		e.size = size
		e.ttl = ttl
		e.createdAt = now
		e.accessedAt = now
		c.moveToFront(e)
		c.enforce(e)
		return
	}

	e := &entry{id: id, value: value, size: size, createdAt: now, accessedAt: now, ttl: ttl}
	c.entries[id] = e
	c.size += size
	c.addToFront(e)
	c.enforce(e)
}

// Get returns the value under (kind, key). Expired entries are removed and
// reported as misses.
func (c *Cache) Get(kind Kind, key string) (any, bool) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[entryKey{kind: kind, key: key}]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	if e.expired(now) {
		c.remove(e)
		atomic.AddInt64(&c.expirations, 1)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	c.moveToFront(e)
	e.accessedAt = now
	e.accessCount++
	atomic.AddInt64(&c.hits, 1)
	return e.value, true
}

// Get returns the typed value under (kind, key). A value of another type
// is a miss.
func Get[T any](c *Cache, kind Kind, key string) (T, bool) {
	var zero T
	v, ok := c.Get(kind, key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// Invalidate removes key from every kind and returns the number of entries
// removed.
func (c *Cache) Invalidate(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, k := range Kinds {
		if e, ok := c.entries[entryKey{kind: k, key: key}]; ok {
			c.remove(e)
			n++
		}
	}
	return n
}

// InvalidateFile removes every entry whose key is path or derives from
// path (path#...).
func (c *Cache) InvalidateFile(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefix := path + "#"
	n := 0
	for id, e := range c.entries {
		if id.key == path || strings.HasPrefix(id.key, prefix) {
			c.remove(e)
			n++
		}
	}
	if n > 0 {
		c.logger.Debug(context.Background(), "Invalidated file entries", "path", path, "count", n)
	}
	return n
}

// Clear removes every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[entryKey]*entry)
	c.size = 0
	c.head.next = c.tail
	c.tail.prev = c.head
}

// Stats returns the current counters and usage.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		Size:   c.size,
		Count:  len(c.entries),
		ByKind: make(map[Kind]int, len(Kinds)),
	}
	for id := range c.entries {
		s.ByKind[id.kind]++
	}
	c.mu.Unlock()

	s.Hits = atomic.LoadInt64(&c.hits)
	s.Misses = atomic.LoadInt64(&c.misses)
	s.Evictions = atomic.LoadInt64(&c.evictions)
	s.Expirations = atomic.LoadInt64(&c.expirations)
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// Sweep removes expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for e := c.tail.prev; e != c.head; {
		prev := e.prev
		if e.expired(now) {
			c.remove(e)
			n++
		}
		e = prev
	}
	atomic.AddInt64(&c.expirations, int64(n))
	return n
}

// Start runs the background sweep until ctx is done or Stop is called. It
// is a no-op when SweepInterval is not positive.
func (c *Cache) Start(ctx context.Context) {
	if c.cfg.SweepInterval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug(ctx, "Swept expired entries", "count", n)
				}
			}
		}
	}()
}

// Stop ends the background sweep and waits for it to exit.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// enforce runs the byte and entry ceiling checks. keep is never evicted.
func (c *Cache) enforce(keep *entry) {
	if limit := c.cfg.MaxBytes; limit > 0 && c.size > limit {
		target := int64(float64(limit) * evictionTarget)
		for c.size > target && c.evictOne(keep) {
		}
	}
	if limit := c.cfg.MaxEntries; limit > 0 && len(c.entries) > limit {
		target := int(float64(limit) * evictionTarget)
		for len(c.entries) > target && c.evictOne(keep) {
		}
	}
}

// evictOne removes the least recently used entry other than keep.
func (c *Cache) evictOne(keep *entry) bool {
	lru := c.tail.prev
	if lru == keep {
		lru = lru.prev
	}
	if lru == c.head {
		return false
	}
	c.remove(lru)
	atomic.AddInt64(&c.evictions, 1)
	return true
}

func (c *Cache) remove(e *entry) {
	c.removeFromList(e)
	delete(c.entries, e.id)
	c.size -= e.size
}

func (c *Cache) addToFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *Cache) removeFromList(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (c *Cache) moveToFront(e *entry) {
	c.removeFromList(e)
	c.addToFront(e)
}

func sizeOf(v any) int64 {
	switch t := v.(type) {
	case Sizer:
		return t.CacheSize()
	case []byte:
		return int64(len(t))
	case string:
		return int64(len(t))
	default:
		return defaultEntrySize
	}
}
