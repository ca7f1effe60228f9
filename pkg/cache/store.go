package cache

import (
	"container/list"
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultCapacity bounds the memory store when no capacity is given.
	DefaultCapacity = 1000

	defaultShardCount = 16
)

// StoreConfig holds memory store configuration.
type StoreConfig struct {
	// Capacity is the maximum number of entries held across all shards.
	Capacity int

	// Shards is the number of independent lock domains. More shards means
	// less contention between unrelated keys.
	Shards int

	// SweepInterval enables a periodic sweep of expired entries when > 0.
	SweepInterval time.Duration

	// Clock is used for expiry decisions. Defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultStoreConfig returns a safe default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Capacity: DefaultCapacity,
		Shards:   defaultShardCount,
	}
}

// Store is a bounded in-memory response cache with per-shard LRU eviction
// and lazy TTL expiry. It is safe for concurrent use.
type Store struct {
	shards   []*shard
	clock    clockwork.Clock
	done     chan struct{}
	stopOnce sync.Once
}

type shard struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

type stored struct {
	digest string
	entry  *Entry
}

// NewStore creates a memory store. A zero-valued config gets defaults.
func NewStore(cfg StoreConfig) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultShardCount
	}
	if cfg.Shards > cfg.Capacity {
		cfg.Shards = 1
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	perShard := cfg.Capacity / cfg.Shards
	if perShard < 1 {
		perShard = 1
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{
			capacity: perShard,
			items:    make(map[string]*list.Element),
			order:    list.New(),
		}
	}

	s := &Store{
		shards: shards,
		clock:  cfg.Clock,
		done:   make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go s.sweepLoop(cfg.SweepInterval)
	}

	return s
}

func (s *Store) shardFor(digest string) *shard {
	h := fnv.New32a()
	h.Write([]byte(digest))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Get returns the entry for key if present and not expired. Expired
// entries are removed and reported as misses.
func (s *Store) Get(_ context.Context, key Key) (*Entry, bool) {
	digest := key.Digest()
	sh := s.shardFor(digest)
	now := s.clock.Now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	elem, ok := sh.items[digest]
	if !ok {
		cacheMisses.Inc()
		return nil, false
	}

	entry := elem.Value.(*stored).entry
	if entry.Expired(now) {
		sh.order.Remove(elem)
		delete(sh.items, digest)
		cacheEntries.Dec()
		cacheEvictions.WithLabelValues("expired").Inc()
		cacheMisses.Inc()
		return nil, false
	}

	sh.order.MoveToFront(elem)
	cacheHits.WithLabelValues("memory").Inc()
	return entry, true
}

// Set stores entry under key, replacing any previous mapping. When the
// shard exceeds its capacity the least-recently-used entry is evicted.
func (s *Store) Set(_ context.Context, key Key, entry *Entry) {
	if entry == nil || entry.TTL <= 0 {
		return
	}

	digest := key.Digest()
	sh := s.shardFor(digest)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if elem, ok := sh.items[digest]; ok {
		elem.Value.(*stored).entry = entry
		sh.order.MoveToFront(elem)
		return
	}

	sh.items[digest] = sh.order.PushFront(&stored{digest: digest, entry: entry})
	cacheEntries.Inc()

	if sh.order.Len() > sh.capacity {
		oldest := sh.order.Back()
		if oldest != nil {
			sh.order.Remove(oldest)
			delete(sh.items, oldest.Value.(*stored).digest)
			cacheEntries.Dec()
			cacheEvictions.WithLabelValues("lru").Inc()
		}
	}
}

// Delete removes the entry for key if present.
func (s *Store) Delete(_ context.Context, key Key) {
	digest := key.Digest()
	sh := s.shardFor(digest)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if elem, ok := sh.items[digest]; ok {
		sh.order.Remove(elem)
		delete(sh.items, digest)
		cacheEntries.Dec()
	}
}

// Clear removes all entries. Circuit breaker and rate limiter state are
// unaffected; this resets the cache only.
func (s *Store) Clear(_ context.Context) error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		cacheEntries.Sub(float64(sh.order.Len()))
		sh.items = make(map[string]*list.Element)
		sh.order.Init()
		sh.mu.Unlock()
	}
	return nil
}

// Len returns the current number of entries, including any that have
// expired but not yet been swept.
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += sh.order.Len()
		sh.mu.Unlock()
	}
	return n
}

// Sweep removes all expired entries eagerly.
func (s *Store) Sweep() {
	now := s.clock.Now()
	for _, sh := range s.shards {
		sh.mu.Lock()
		for digest, elem := range sh.items {
			if elem.Value.(*stored).entry.Expired(now) {
				sh.order.Remove(elem)
				delete(sh.items, digest)
				cacheEntries.Dec()
				cacheEvictions.WithLabelValues("expired").Inc()
			}
		}
		sh.mu.Unlock()
	}
}

// Stop terminates the periodic sweep goroutine, if one was started.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *Store) sweepLoop(interval time.Duration) {
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.Sweep()
		case <-s.done:
			return
		}
	}
}
