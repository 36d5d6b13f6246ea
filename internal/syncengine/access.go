package syncengine

import (
	"fmt"
	"time"

	"github.com/tavstaldev/rebus-core/internal/cache"
	"github.com/tavstaldev/rebus-core/internal/entity"
	"github.com/tavstaldev/rebus-core/internal/journal"
)

// Read returns the current snapshot of key without waiting on the store.
// A miss returns a loading placeholder carrying the default state and
// schedules a background load.
func (e *Engine) Read(key entity.Key) entity.Snapshot {
	if entry, ok := e.cache.Get(key); ok {
		return entry.Snapshot.Clone()
	}

	st := e.stripeFor(key)
	st.mu.Lock()
	entry := e.ensureLocked(st, key)
	st.mu.Unlock()
	return entry.Snapshot.Clone()
}

// Mutate applies u to the current state of key and queues the result for
// writing. The new snapshot is visible to the next Read immediately.
//
// A rejected or panicking updater changes nothing and its error is returned.
// On a key still loading, or whose load failed, u is applied to the cached
// state for Read and kept as an updater. It is replayed on the stored state
// once a load lands, so nothing built on a placeholder reaches the store.
func (e *Engine) Mutate(key entity.Key, u entity.Updater) (entity.Snapshot, error) {
	if u == nil {
		return entity.Snapshot{}, ErrNilUpdater
	}
	if err := key.Validate(); err != nil {
		return entity.Snapshot{}, err
	}
	if e.stopped.Load() {
		return entity.Snapshot{}, ErrStopped
	}

	st := e.stripeFor(key)
	st.mu.Lock()

	var (
		entry cache.Entry
		next  entity.Snapshot
	)
	for {
		entry = e.ensureLocked(st, key)
		state, err := apply(u, entry.Snapshot.State)
		if err != nil {
			st.mu.Unlock()
			return entry.Snapshot.Clone(), err
		}
		next = entry.Snapshot.Next(state, e.now())
		if e.cache.Swap(key, entry.Epoch, next) {
			break
		}
		// Evicted between ensure and swap; the next ensure installs a
		// placeholder that cannot be evicted.
	}

	ks := st.state(key)
	if entry.Snapshot.Loading || ks.loadFailed() {
		ks.deferred = append(ks.deferred, u)
		e.updatePinLocked(key, ks)
	} else {
		e.enqueueLocked(key, ks, entity.PendingWrite{Snapshot: next})
	}
	st.mu.Unlock()

	e.notify(next)
	return next.Clone(), nil
}

// Delete ends the lifetime of key. The cache keeps a default snapshot until
// the delete is flushed. A load in flight is discarded on arrival, but its
// revision is carried onto the tomb and the writes queued after it.
func (e *Engine) Delete(key entity.Key) (entity.Snapshot, error) {
	if err := key.Validate(); err != nil {
		return entity.Snapshot{}, err
	}
	if e.stopped.Load() {
		return entity.Snapshot{}, ErrStopped
	}

	st := e.stripeFor(key)
	st.mu.Lock()

	ks := st.state(key)
	revision := entity.AnyRevision
	if entry, ok := e.cache.Peek(key); ok && !entry.Snapshot.Loading && !ks.loadFailed() {
		revision = entry.Snapshot.Revision + 1
	}

	tomb := entity.Default(key)
	tomb.Revision = revision
	tomb.Dirty = true
	tomb.UpdatedAt = e.now()
	e.cache.Put(key, tomb)

	if ks.loading {
		ks.supersededLoad = ks.loadEpoch
	}
	if ks.loadFailed() {
		ks.clearFailure()
	}
	ks.loading = false
	ks.loadEpoch = 0
	ks.deferred = nil
	e.enqueueLocked(key, ks, entity.PendingWrite{Snapshot: tomb, Delete: true})
	st.mu.Unlock()

	e.notify(tomb)
	return tomb.Clone(), nil
}

// Retain keeps key resident until Release, loading it if needed. Retaining
// a retained key changes nothing.
func (e *Engine) Retain(key entity.Key) entity.Snapshot {
	st := e.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	entry := e.ensureLocked(st, key)
	ks := st.state(key)
	ks.retained = true
	e.updatePinLocked(key, ks)
	return entry.Snapshot.Clone()
}

// Release ends a Retain. It is a no-op for a key that is not retained, and
// never drops the residency the engine needs for queued writes.
func (e *Engine) Release(key entity.Key) {
	st := e.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	ks, ok := st.keys[key]
	if !ok || !ks.retained {
		return
	}
	ks.retained = false
	e.updatePinLocked(key, ks)
	e.releaseIfIdleLocked(st, key, ks)
}

// Warm schedules loads for keys that are not cached and returns how many
// loads were started.
func (e *Engine) Warm(keys ...entity.Key) int {
	started := 0
	for _, key := range keys {
		if key.Validate() != nil {
			continue
		}
		st := e.stripeFor(key)
		st.mu.Lock()
		if _, ok := e.cache.Peek(key); !ok {
			e.ensureLocked(st, key)
			started++
		}
		st.mu.Unlock()
	}
	return started
}

// Restore re-queues writes recovered from the spill journal. The last write
// becomes the cached snapshot under a new epoch.
func (e *Engine) Restore(rec journal.Record) error {
	if len(rec.Writes) == 0 {
		return nil
	}
	if e.stopped.Load() {
		return ErrStopped
	}

	key := rec.Key
	st := e.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	ks := st.state(key)
	if len(ks.writes) > 0 || ks.inFlight {
		return fmt.Errorf("restoring %s: key already has queued writes", key)
	}

	last := rec.Writes[len(rec.Writes)-1].Snapshot
	last.Dirty = true
	last.Loading = false
	e.cache.Put(key, last)

	if ks.loadFailed() {
		ks.clearFailure()
	}
	ks.loading = false
	ks.loadEpoch = 0
	ks.deferred = nil
	for _, pw := range rec.Writes {
		pw.Snapshot.Dirty = true
		pw.Snapshot.Loading = false
		e.enqueueLocked(key, ks, entity.PendingWrite{
			Snapshot:   pw.Snapshot,
			Delete:     pw.Delete,
			EnqueuedAt: pw.EnqueuedAt,
		})
	}
	return nil
}

// ensureLocked returns the cached entry for key, installing a loading
// placeholder and scheduling its load on a miss. st must be locked.
func (e *Engine) ensureLocked(st *stripe, key entity.Key) cache.Entry {
	entry, created := e.cache.PutLoading(key)
	if !created {
		return entry
	}

	ks := st.state(key)
	ks.loading = true
	ks.loadEpoch = entry.Epoch
	ks.deferred = nil
	if !e.submit(job{kind: jobLoad, key: key, epoch: entry.Epoch}) {
		e.logger.Warn("load not scheduled; engine stopped", "key", key.String())
	}
	return entry
}

// enqueueLocked appends pw to the key's queue, stamping its sequence number,
// and pins the cache entry while writes are outstanding.
func (e *Engine) enqueueLocked(key entity.Key, ks *keyState, pw entity.PendingWrite) {
	pw.Key = key
	pw.Seq = e.seq.Add(1)
	if pw.EnqueuedAt.IsZero() {
		pw.EnqueuedAt = e.now()
	}
	ks.writes = append(ks.writes, pw)
	e.updatePinLocked(key, ks)
}

// updatePinLocked makes the engine hold exactly one cache pin on key while
// it is retained or has writes or deferred mutations, and none otherwise.
func (e *Engine) updatePinLocked(key entity.Key, ks *keyState) {
	want := ks.retained || len(ks.writes) > 0 || len(ks.deferred) > 0
	switch {
	case want && !ks.pinned:
		ks.pinned = e.cache.Pin(key)
	case !want && ks.pinned:
		e.cache.Unpin(key)
		ks.pinned = false
	}
}

// releaseIfIdleLocked forgets ks once nothing is outstanding for key.
func (e *Engine) releaseIfIdleLocked(st *stripe, key entity.Key, ks *keyState) {
	if !ks.idle() {
		return
	}
	e.updatePinLocked(key, ks)
	delete(st.keys, key)
}

// rebaseTombLocked moves a tomb written at AnyRevision, and the writes queued
// after it, above stored, the revision the overtaken load found.
func (e *Engine) rebaseTombLocked(key entity.Key, ks *keyState, stored uint64) {
	if ks.inFlight || len(ks.writes) == 0 {
		return
	}
	if first := ks.writes[0]; !first.Delete || first.Snapshot.Revision != entity.AnyRevision {
		return
	}
	shift := stored + 1
	for i := range ks.writes {
		ks.writes[i].Snapshot.Revision += shift
	}
	if _, err := e.cache.Update(key, func(en cache.Entry) (entity.Snapshot, error) {
		snap := en.Snapshot
		snap.Revision += shift
		return snap, nil
	}); err != nil {
		e.logger.Error("rebasing deleted entity lost its cache entry", "key", key.String(), "error", err)
	}
}

// runLoad performs a background load and installs its result if the
// placeholder it was scheduled for is still current.
func (e *Engine) runLoad(key entity.Key, epoch uint64) {
	start := e.now()
	loaded, err := e.store.Load(e.ctx, key)
	e.metrics.ObserveLoad(key, e.now().Sub(start), err)
	class := entity.ClassOf(err)

	st := e.stripeFor(key)
	st.mu.Lock()

	ks, ok := st.keys[key]
	if !ok || !ks.loading || ks.loadEpoch != epoch {
		if ok && epoch != 0 && ks.supersededLoad == epoch && !class.Retryable() {
			ks.supersededLoad = 0
			if class == entity.ClassNone {
				e.rebaseTombLocked(key, ks, loaded.Revision)
			}
		}
		st.mu.Unlock()
		e.logger.Debug("discarding stale load", "key", key.String(), "epoch", epoch)
		return
	}

	if class.Retryable() {
		ks.attempts++
		ks.class = class
		ks.lastErr = err
		delay := e.nextBackoff(ks, class)
		ks.nextAttempt = e.now().Add(delay)
		attempts := ks.attempts
		st.mu.Unlock()

		e.logger.Warn("entity load failed; retrying",
			"key", key.String(), "class", class.String(), "attempt", attempts, "retry_in", delay, "error", err)
		e.scheduleLoadRetry(key, epoch, delay)
		return
	}

	var (
		base  entity.Snapshot
		alert *Alert
	)
	switch class {
	case entity.ClassNone:
		base = loaded
		base.Key = key
		base.Dirty = false
		base.Loading = false
		ks.clearFailure()
	case entity.ClassNotFound:
		base = entity.Default(key)
		ks.clearFailure()
	default:
		// Mutations stay deferred until an operator retry loads the key.
		base = entity.Default(key)
		ks.attempts++
		ks.failed = true
		ks.failedOp = opLoad
		ks.class = class
		ks.lastErr = err
		alert = &Alert{Key: key, Op: opLoad, Class: class, Err: err, Attempts: ks.attempts, At: e.now()}
	}

	current := base
	for _, u := range ks.deferred {
		state, uerr := apply(u, current.State)
		if uerr != nil {
			e.logger.Warn("deferred mutation rejected after load", "key", key.String(), "error", uerr)
			continue
		}
		current = current.Next(state, e.now())
		if alert == nil {
			e.enqueueLocked(key, ks, entity.PendingWrite{Snapshot: current})
		}
	}
	if alert == nil {
		ks.deferred = nil
	}
	ks.loading = false
	ks.loadEpoch = 0

	if !e.cache.Swap(key, epoch, current) {
		e.logger.Error("loaded snapshot lost its cache entry", "key", key.String())
	}
	e.updatePinLocked(key, ks)
	e.releaseIfIdleLocked(st, key, ks)
	st.mu.Unlock()

	if alert != nil {
		e.logger.Error("entity load failed; key is in-memory only",
			"key", key.String(), "class", class.String(), "error", err)
		e.alerts.Alert(*alert)
	}
	e.notify(current)
}

func (e *Engine) scheduleLoadRetry(key entity.Key, epoch uint64, delay time.Duration) {
	time.AfterFunc(delay, func() {
		e.submit(job{kind: jobLoad, key: key, epoch: epoch})
	})
}
