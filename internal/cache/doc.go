// Package cache holds the in-memory snapshot of every resident entity.
//
// The cache is split into a power-of-two number of shards chosen by an
// FNV-1a hash of the key; each shard keeps its own mutex, map and LRU list
// so unrelated keys never contend.
//
// Residency rules:
//   - an entry that is dirty, pinned or still loading is never evicted
//   - a freshly loaded entry is kept for at least MinResidency
//   - evictable entries idle for IdleTTL are reclaimed even below capacity
//
// Epochs identify each installation of a snapshot. A background load
// installs its result with Swap only if the epoch it started from is still
// current, which discards loads that raced with a delete or replacement.
package cache
