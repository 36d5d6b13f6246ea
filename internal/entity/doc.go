// Package entity defines the persistent entity data model shared by the
// store, cache and synchronisation layers.
//
// An entity is a player or NPC identified by a Key. Its persisted State is
// held in immutable Snapshot values: every mutation produces a new snapshot
// with a higher Revision, and nothing edits a snapshot in place.
//
// The package also owns the storage error taxonomy. Background components
// classify every store failure as one of:
//
//   - ErrNotFound: the key has no persisted record
//   - ErrTransient: retry with backoff (timeouts, lost connections, locks)
//   - ErrPoolTimeout: no pooled connection became available in time
//   - ErrFatal: retrying cannot help (schema, auth, corruption, conflicts)
//
// Use Classify or errors.Is against the class sentinels:
//
//	if errors.Is(err, entity.ErrTransient) {
//	    // schedule a retry
//	}
package entity
