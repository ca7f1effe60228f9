package cache

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func testKey(domain, q string) Key {
	return Key{
		Domain: domain,
		URL:    "https://example.org/query",
		Params: url.Values{"q": []string{q}},
	}
}

func testEntry(clock clockwork.Clock, ttl time.Duration) *Entry {
	return &Entry{
		Data:       []byte(`{"ok":true}`),
		StatusCode: 200,
		InsertedAt: clock.Now(),
		TTL:        ttl,
	}
}

func TestStore_GetSet(t *testing.T) {
	ctx := context.Background()
	store := NewStore(DefaultStoreConfig())
	key := testKey("pubmed", "braf")

	if _, ok := store.Get(ctx, key); ok {
		t.Fatal("unexpected hit on empty store")
	}

	store.Set(ctx, key, &Entry{Data: []byte("data"), StatusCode: 200, InsertedAt: time.Now(), TTL: time.Minute})

	entry, ok := store.Get(ctx, key)
	if !ok {
		t.Fatal("expected hit after Set")
	}
	if string(entry.Data) != "data" {
		t.Errorf("Data = %q, want %q", entry.Data, "data")
	}
}

func TestStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := NewStore(StoreConfig{Capacity: 10, Shards: 1, Clock: clock})
	key := testKey("pubmed", "tp53")

	store.Set(ctx, key, testEntry(clock, 60*time.Second))

	clock.Advance(59 * time.Second)
	if _, ok := store.Get(ctx, key); !ok {
		t.Fatal("entry should be valid before TTL elapses")
	}

	clock.Advance(1 * time.Second)
	if _, ok := store.Get(ctx, key); ok {
		t.Fatal("entry should be a miss at TTL boundary")
	}

	// Expired entry must have been removed on read.
	if store.Len() != 0 {
		t.Errorf("Len() = %d after lazy expiry, want 0", store.Len())
	}
}

func TestStore_LRUEviction(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := NewStore(StoreConfig{Capacity: 3, Shards: 1, Clock: clock})

	for i := 0; i < 3; i++ {
		store.Set(ctx, testKey("d", fmt.Sprintf("q%d", i)), testEntry(clock, time.Hour))
	}

	// Touch q0 so q1 becomes the least recently used.
	if _, ok := store.Get(ctx, testKey("d", "q0")); !ok {
		t.Fatal("q0 should be present")
	}

	store.Set(ctx, testKey("d", "q3"), testEntry(clock, time.Hour))

	if _, ok := store.Get(ctx, testKey("d", "q1")); ok {
		t.Error("q1 should have been evicted as least recently used")
	}
	for _, q := range []string{"q0", "q2", "q3"} {
		if _, ok := store.Get(ctx, testKey("d", q)); !ok {
			t.Errorf("%s should still be cached", q)
		}
	}
}

func TestStore_ReplaceDoesNotGrow(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := NewStore(StoreConfig{Capacity: 5, Shards: 1, Clock: clock})
	key := testKey("d", "same")

	store.Set(ctx, key, testEntry(clock, time.Hour))
	store.Set(ctx, key, testEntry(clock, time.Hour))

	if store.Len() != 1 {
		t.Errorf("Len() = %d after replacing same key, want 1", store.Len())
	}
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	store := NewStore(DefaultStoreConfig())

	for i := 0; i < 10; i++ {
		store.Set(ctx, testKey("d", fmt.Sprintf("q%d", i)), &Entry{
			Data: []byte("x"), StatusCode: 200, InsertedAt: time.Now(), TTL: time.Hour,
		})
	}
	if store.Len() == 0 {
		t.Fatal("expected populated store")
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", store.Len())
	}
}

func TestStore_Sweep(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := NewStore(StoreConfig{Capacity: 10, Shards: 2, Clock: clock})

	store.Set(ctx, testKey("d", "short"), testEntry(clock, time.Second))
	store.Set(ctx, testKey("d", "long"), testEntry(clock, time.Hour))

	clock.Advance(2 * time.Second)
	store.Sweep()

	if store.Len() != 1 {
		t.Errorf("Len() = %d after sweep, want 1", store.Len())
	}
	if _, ok := store.Get(ctx, testKey("d", "long")); !ok {
		t.Error("unexpired entry removed by sweep")
	}
}

func TestStore_ZeroTTLNotStored(t *testing.T) {
	ctx := context.Background()
	store := NewStore(DefaultStoreConfig())

	store.Set(ctx, testKey("d", "q"), &Entry{Data: []byte("x"), InsertedAt: time.Now(), TTL: 0})

	if store.Len() != 0 {
		t.Error("entries with zero TTL must not be stored")
	}
}

func TestStore_ConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	store := NewStore(StoreConfig{Capacity: 100, Shards: 8})

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := testKey("d", fmt.Sprintf("w%d-q%d", worker, i%20))
				store.Set(ctx, key, &Entry{
					Data: []byte("payload"), StatusCode: 200, InsertedAt: time.Now(), TTL: time.Minute,
				})
				if entry, ok := store.Get(ctx, key); ok && string(entry.Data) != "payload" {
					t.Error("observed partially written entry")
					return
				}
			}
		}(worker)
	}
	wg.Wait()
}
