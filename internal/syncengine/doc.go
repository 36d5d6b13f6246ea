// Package syncengine keeps the entity cache and the store in step without
// ever blocking the game thread on I/O.
//
// Reads are served from the cache. A miss installs a loading placeholder
// carrying the default state and schedules a background load; mutations made
// while the load is in flight are applied to the placeholder and replayed on
// the stored state once it arrives.
//
// Mutations update the cache synchronously and append a PendingWrite to the
// key's ordered queue. FlushDue, called from a ticker, hands each ready key
// to a fixed worker pool; a flush coalesces the key's queue into the final
// store operation, and at most one flush per key is ever in flight.
//
// Failures are classified with the entity error taxonomy:
//
//   - Transient: per-key exponential backoff, other keys unaffected
//   - PoolTimeout: the same, with a lower backoff ceiling
//   - Fatal: the key is marked failed, an alert is raised and its writes stay
//     pinned in memory until Retry or a restart. After a fatal load, later
//     mutations are held as updaters until Retry reloads the key.
//
// Shutdown drains the queues under a deadline and spills what is left.
package syncengine
