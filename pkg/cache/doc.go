// Package cache implements the bounded, TTL-aware response cache for the
// biomedical API client core.
//
// The cache maps a deterministic request key (domain + URL + normalized
// query parameters) to an immutable response entry. Two store
// implementations are provided:
//
//   - Store: an in-process sharded map with per-shard LRU eviction and
//     lazy TTL expiry. This is the default and has no external
//     dependencies.
//
//   - TieredStore: Store as a first tier with a Redis second tier, so
//     multiple processes can share warm entries. Redis failures degrade
//     to memory-only operation and are never fatal.
//
// Keys are rendered deterministically (parameters sorted by name, values
// sorted within a name) so that logically identical requests always map
// to the same entry regardless of parameter insertion order. The rendered
// key is digested with xxhash before being used as a storage key.
//
// Entries are never mutated after insertion; refreshing a key is a fresh
// insert that replaces the mapping. Expired entries are treated as misses
// on read and removed either at that point or by a periodic sweep.
package cache
