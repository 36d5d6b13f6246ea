package cache

import (
	"container/list"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tavstaldev/rebus-core/internal/entity"
)

// Default sizing used when Options leaves fields zero.
const (
	DefaultShards     = 16
	DefaultMaxEntries = 1000
)

// ErrNotCached is returned by Update for keys without an entry.
var ErrNotCached = errors.New("cache: key not cached")

// Entry is a cached snapshot with its residency bookkeeping.
//
// Snapshots are treated as immutable: the cache hands out copies of the
// entry but shares the snapshot's state slices and maps, which callers must
// not modify.
type Entry struct {
	Snapshot   entity.Snapshot
	Epoch      uint64
	LoadedAt   time.Time
	LastAccess time.Time
	Pins       int
}

// Evictable reports whether the entry may be dropped at now.
func (e Entry) Evictable(now time.Time, minResidency time.Duration) bool {
	return e.Pins == 0 &&
		!e.Snapshot.Dirty &&
		!e.Snapshot.Loading &&
		now.Sub(e.LoadedAt) >= minResidency
}

// Options configures a Cache.
type Options struct {
	// MaxEntries bounds the number of entries, split evenly across shards.
	MaxEntries int

	// Shards is rounded up to a power of two.
	Shards int

	// MinResidency protects freshly loaded entries from eviction.
	MinResidency time.Duration

	// IdleTTL reclaims evictable entries not accessed for this long, even
	// below capacity. Zero disables time eviction.
	IdleTTL time.Duration

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Entries     int    `json:"entries"`
	Pinned      int    `json:"pinned"`
	Dirty       int    `json:"dirty"`
	Loading     int    `json:"loading"`
	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	Evictions   uint64 `json:"evictions"`
	Expirations uint64 `json:"expirations"`
}

type node struct {
	key   entity.Key
	entry Entry
}

// shard owns a slice of the key space. The list runs from most to least
// recently used.
type shard struct {
	mu       sync.Mutex
	items    map[entity.Key]*list.Element
	lru      *list.List
	capacity int
}

// Cache is a sharded LRU of entity snapshots.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Each shard has its own mutex; no method holds more than one.
type Cache struct {
	shards []*shard
	mask   uint32
	opts   Options

	epoch       atomic.Uint64
	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
}

// New creates a Cache.
func New(opts Options) *Cache {
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	n := 1
	for n < opts.Shards {
		n <<= 1
	}
	opts.Shards = n

	capacity := (opts.MaxEntries + n - 1) / n
	c := &Cache{
		shards: make([]*shard, n),
		mask:   uint32(n - 1), //nolint:gosec // n is a small power of two
		opts:   opts,
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			items:    make(map[entity.Key]*list.Element),
			lru:      list.New(),
			capacity: capacity,
		}
	}
	return c
}

func (c *Cache) shardFor(key entity.Key) *shard {
	h := fnv.New32a()
	h.Write([]byte(key.Type)) //nolint:errcheck // hash.Hash never errors
	h.Write(key.ID[:])        //nolint:errcheck // hash.Hash never errors
	return c.shards[h.Sum32()&c.mask]
}

func (c *Cache) nextEpoch() uint64 {
	return c.epoch.Add(1)
}

// Get returns the entry for key and marks it recently used.
func (c *Cache) Get(key entity.Key) (Entry, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		c.misses.Add(1)
		return Entry{}, false
	}
	c.hits.Add(1)
	n := el.Value.(*node)
	n.entry.LastAccess = c.opts.Clock()
	s.lru.MoveToFront(el)
	return n.entry, true
}

// Peek returns the entry for key without touching recency or stats.
func (c *Cache) Peek(key entity.Key) (Entry, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return Entry{}, false
	}
	return el.Value.(*node).entry, true
}

// Put installs snap as the current snapshot of key under a new epoch and
// returns that epoch. Pins on an existing entry are kept.
func (c *Cache) Put(key entity.Key, snap entity.Snapshot) uint64 {
	now := c.opts.Clock()
	epoch := c.nextEpoch()
	snap.Key = key

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		n := el.Value.(*node)
		n.entry.Snapshot = snap
		n.entry.Epoch = epoch
		n.entry.LoadedAt = now
		n.entry.LastAccess = now
		s.lru.MoveToFront(el)
		return epoch
	}

	s.items[key] = s.lru.PushFront(&node{key: key, entry: Entry{
		Snapshot:   snap,
		Epoch:      epoch,
		LoadedAt:   now,
		LastAccess: now,
	}})
	c.evictShardLocked(s, now)
	return epoch
}

// PutLoading installs a loading placeholder for key unless an entry exists.
// It returns the entry now cached and whether the placeholder was created.
func (c *Cache) PutLoading(key entity.Key) (Entry, bool) {
	now := c.opts.Clock()

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		return el.Value.(*node).entry, false
	}

	snap := entity.Default(key)
	snap.Loading = true
	entry := Entry{
		Snapshot:   snap,
		Epoch:      c.nextEpoch(),
		LoadedAt:   now,
		LastAccess: now,
	}
	s.items[key] = s.lru.PushFront(&node{key: key, entry: entry})
	c.evictShardLocked(s, now)
	return entry, true
}

// Swap replaces the snapshot of key if the entry still carries epoch.
// A placeholder that stops loading restarts its residency timer.
func (c *Cache) Swap(key entity.Key, epoch uint64, snap entity.Snapshot) bool {
	now := c.opts.Clock()
	snap.Key = key

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return false
	}
	n := el.Value.(*node)
	if n.entry.Epoch != epoch {
		return false
	}
	if n.entry.Snapshot.Loading && !snap.Loading {
		n.entry.LoadedAt = now
	}
	n.entry.Snapshot = snap
	n.entry.LastAccess = now
	s.lru.MoveToFront(el)
	return true
}

// Update replaces the snapshot of key with fn's result. fn runs under the
// shard lock and must not call back into the cache.
func (c *Cache) Update(key entity.Key, fn func(Entry) (entity.Snapshot, error)) (Entry, error) {
	now := c.opts.Clock()

	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return Entry{}, ErrNotCached
	}
	n := el.Value.(*node)
	snap, err := fn(n.entry)
	if err != nil {
		return n.entry, err
	}
	snap.Key = key
	n.entry.Snapshot = snap
	n.entry.LastAccess = now
	s.lru.MoveToFront(el)
	return n.entry, nil
}

// Invalidate drops key if nothing depends on it staying resident. Dirty,
// pinned and loading entries are kept and Invalidate reports false.
func (c *Cache) Invalidate(key entity.Key) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return true
	}
	if !el.Value.(*node).entry.Evictable(c.opts.Clock(), 0) {
		return false
	}
	s.remove(el)
	return true
}

// Pin increments the pin count of key. It reports false when key is not cached.
func (c *Cache) Pin(key entity.Key) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return false
	}
	el.Value.(*node).entry.Pins++
	return true
}

// Unpin decrements the pin count of key.
func (c *Cache) Unpin(key entity.Key) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[key]; ok {
		if n := el.Value.(*node); n.entry.Pins > 0 {
			n.entry.Pins--
		}
	}
}

// MarkClean clears the dirty flag if the cached snapshot is still at revision.
func (c *Cache) MarkClean(key entity.Key, revision uint64) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.items[key]
	if !ok {
		return false
	}
	n := el.Value.(*node)
	if n.entry.Snapshot.Revision != revision {
		return false
	}
	n.entry.Snapshot.Dirty = false
	return true
}

// EvictIfNeeded reclaims idle entries and trims every shard to capacity,
// least recently used first. Only evictable entries are considered, so dirty
// state is never dropped. It returns the number of entries removed.
func (c *Cache) EvictIfNeeded() int {
	now := c.opts.Clock()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		removed += c.expireShardLocked(s, now)
		removed += c.evictShardLocked(s, now)
		s.mu.Unlock()
	}
	return removed
}

func (c *Cache) expireShardLocked(s *shard, now time.Time) int {
	if c.opts.IdleTTL <= 0 {
		return 0
	}
	removed := 0
	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		n := el.Value.(*node)
		if now.Sub(n.entry.LastAccess) < c.opts.IdleTTL {
			// Everything further forward was touched more recently.
			break
		}
		if n.entry.Evictable(now, c.opts.MinResidency) {
			s.remove(el)
			removed++
		}
		el = prev
	}
	c.expirations.Add(uint64(removed)) //nolint:gosec // removed is non-negative
	return removed
}

func (c *Cache) evictShardLocked(s *shard, now time.Time) int {
	removed := 0
	for el := s.lru.Back(); el != nil && s.lru.Len() > s.capacity; {
		prev := el.Prev()
		// The most recent entry is the one just installed or served.
		if prev != nil && el.Value.(*node).entry.Evictable(now, c.opts.MinResidency) {
			s.remove(el)
			removed++
		}
		el = prev
	}
	c.evictions.Add(uint64(removed)) //nolint:gosec // removed is non-negative
	return removed
}

func (s *shard) remove(el *list.Element) {
	delete(s.items, el.Value.(*node).key)
	s.lru.Remove(el)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.lru.Len()
		s.mu.Unlock()
	}
	return total
}

// Keys returns a copy of the cached keys.
func (c *Cache) Keys() []entity.Key {
	var keys []entity.Key
	for _, s := range c.shards {
		s.mu.Lock()
		for k := range s.items {
			keys = append(keys, k)
		}
		s.mu.Unlock()
	}
	return keys
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	st := Stats{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Evictions:   c.evictions.Load(),
		Expirations: c.expirations.Load(),
	}
	for _, s := range c.shards {
		s.mu.Lock()
		for el := s.lru.Front(); el != nil; el = el.Next() {
			e := el.Value.(*node).entry
			st.Entries++
			if e.Pins > 0 {
				st.Pinned++
			}
			if e.Snapshot.Dirty {
				st.Dirty++
			}
			if e.Snapshot.Loading {
				st.Loading++
			}
		}
		s.mu.Unlock()
	}
	return st
}
