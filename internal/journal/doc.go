// Package journal keeps writes that missed the shutdown drain.
//
// When the synchronisation engine cannot flush every pending write before
// its hard timeout, or a key is stuck on a fatal error, the remaining writes
// are spilled here as one JSON record per key in a Badger database. The next
// start replays the records into the engine before any new work runs, so a
// slow or unreachable store at shutdown does not lose player state.
package journal
