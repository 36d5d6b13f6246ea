package syncengine

import (
	"context"
	"time"

	"github.com/tavstaldev/rebus-core/internal/entity"
)

// FlushDue dispatches one flush for every key whose queue is ready and whose
// backoff has elapsed. It never waits on the store and returns the number of
// flushes started. It does nothing once Shutdown has begun.
func (e *Engine) FlushDue() int {
	if e.draining.Load() || e.stopped.Load() {
		return 0
	}
	done := e.dispatch(e.now(), false)
	e.observeQueue()
	return len(done)
}

// FlushNow dispatches every queued key regardless of backoff and waits until
// those flushes finish or ctx ends. Failed keys are left alone.
func (e *Engine) FlushNow(ctx context.Context) (int, error) {
	if e.stopped.Load() {
		return 0, ErrStopped
	}
	done := e.dispatch(e.now(), true)
	for _, ch := range done {
		select {
		case <-ch:
		case <-ctx.Done():
			return len(done), ctx.Err()
		}
	}
	e.observeQueue()
	return len(done), nil
}

// dispatch snapshots the queue of each ready key and submits its flush. The
// returned channels close when the corresponding flush has finished.
func (e *Engine) dispatch(now time.Time, force bool) []chan struct{} {
	var done []chan struct{}
	for i := range e.stripes {
		st := &e.stripes[i]
		st.mu.Lock()
		for key, ks := range st.keys {
			if !ks.ready(now, force) {
				continue
			}
			j := job{
				kind:  jobFlush,
				key:   key,
				batch: append([]entity.PendingWrite(nil), ks.writes...),
				done:  make(chan struct{}),
			}
			ks.inFlight = true
			if !e.submit(j) {
				ks.inFlight = false
				continue
			}
			done = append(done, j.done)
		}
		st.mu.Unlock()
	}
	return done
}

// runFlush writes one coalesced batch and settles the key's queue.
func (e *Engine) runFlush(j job) {
	defer close(j.done)

	start := e.now()
	err := e.persist(j.key, j.batch)
	e.metrics.ObserveFlush(j.key, len(j.batch), e.now().Sub(start), err)

	last := j.batch[len(j.batch)-1]
	st := e.stripeFor(j.key)
	st.mu.Lock()

	ks, ok := st.keys[j.key]
	if !ok {
		st.mu.Unlock()
		return
	}
	ks.inFlight = false

	if err == nil {
		n := 0
		for n < len(ks.writes) && ks.writes[n].Seq <= last.Seq {
			n++
		}
		ks.writes = ks.writes[n:]
		ks.clearFailure()
		if len(ks.writes) == 0 {
			e.cache.MarkClean(j.key, last.Snapshot.Revision)
		}
		e.updatePinLocked(j.key, ks)
		e.releaseIfIdleLocked(st, j.key, ks)
		st.mu.Unlock()
		e.logger.Debug("entity flushed", "key", j.key.String(), "writes", len(j.batch), "revision", last.Snapshot.Revision)
		return
	}

	op := opFlush
	if last.Delete {
		op = opDelete
	}
	alert := e.recordFailureLocked(j.key, ks, op, err)
	attempts, next := ks.attempts, ks.nextAttempt
	st.mu.Unlock()

	class := entity.ClassOf(err)
	if alert != nil {
		e.logger.Error("entity flush failed; key needs an operator",
			"key", j.key.String(), "op", op, "class", class.String(), "attempts", attempts, "error", err)
		e.alerts.Alert(*alert)
		return
	}
	e.logger.Warn("entity flush failed; retrying",
		"key", j.key.String(), "op", op, "class", class.String(), "attempt", attempts,
		"retry_at", next, "error", err)
}

// persist performs the store calls for a batch. Only the final state reaches
// the store: a trailing delete is a single Delete, and a delete followed by
// saves removes the old lifetime before saving the last snapshot.
func (e *Engine) persist(key entity.Key, batch []entity.PendingWrite) error {
	last := batch[len(batch)-1]

	deleteAt, deleted := uint64(0), false
	for _, pw := range batch {
		if !pw.Delete {
			continue
		}
		rev := pw.Snapshot.Revision
		if deleted && deleteAt == entity.AnyRevision {
			rev = entity.AnyRevision
		}
		deleteAt, deleted = rev, true
	}

	if deleted {
		if err := e.store.Delete(e.ctx, key, deleteAt); err != nil {
			return err
		}
	}
	if last.Delete {
		return nil
	}
	return e.store.Save(e.ctx, key, last.Snapshot)
}

// recordFailureLocked classifies err for ks. Retryable failures schedule the
// next attempt; anything else marks the key failed and returns its alert.
func (e *Engine) recordFailureLocked(key entity.Key, ks *keyState, op string, err error) *Alert {
	class := entity.ClassOf(err)
	ks.attempts++
	ks.class = class
	ks.lastErr = err

	if class.Retryable() {
		ks.nextAttempt = e.now().Add(e.nextBackoff(ks, class))
		return nil
	}
	ks.failed = true
	ks.failedOp = op
	ks.nextAttempt = time.Time{}
	return &Alert{Key: key, Op: op, Class: class, Err: err, Attempts: ks.attempts, At: e.now()}
}

func (e *Engine) observeQueue() {
	var pending, failed int
	for i := range e.stripes {
		st := &e.stripes[i]
		st.mu.Lock()
		for _, ks := range st.keys {
			pending += len(ks.writes)
			if ks.failed {
				failed++
			}
		}
		st.mu.Unlock()
	}
	e.metrics.ObserveQueue(pending, int(e.inFlight.Load()), failed)
}
