package syncengine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tavstaldev/rebus-core/internal/entity"
	"github.com/tavstaldev/rebus-core/internal/journal"
)

// ErrUndrained is returned by Shutdown when writes were left in memory and
// no spiller took them.
var ErrUndrained = errors.New("syncengine: writes left undrained")

// Report summarises a shutdown.
type Report struct {
	// Flushes is the number of flushes completed during the drain.
	Flushes int

	// TimedOut is set when ctx ended before every queue drained.
	TimedOut bool

	// Leftover lists the keys whose writes never reached the store.
	Leftover []KeyStatus

	// Spilled is set when the leftovers were written to the spiller.
	Spilled bool

	// LostDeferred counts mutations still waiting on a load. They exist only
	// as updaters and cannot be spilled.
	LostDeferred int

	Took time.Duration
}

// LeftoverWrites counts the writes behind Leftover.
func (r Report) LeftoverWrites() int {
	n := 0
	for _, k := range r.Leftover {
		n += k.Pending
	}
	return n
}

// Shutdown stops scheduled flushing, drains every queue that is not failed
// until it is empty or ctx ends, then stops the workers. Writes still queued
// afterwards, including those of failed keys, are logged and handed to the
// spiller. The engine cannot be restarted.
func (e *Engine) Shutdown(ctx context.Context) (Report, error) {
	if !e.draining.CompareAndSwap(false, true) {
		return Report{}, ErrStopped
	}
	if !e.started.Load() {
		if err := e.Start(); err != nil {
			return Report{}, err
		}
	}

	start := e.now()
	var rep Report
	rep.Flushes, rep.TimedOut = e.drain(ctx)

	e.stopMu.Lock()
	e.stopped.Store(true)
	e.stopMu.Unlock()
	e.cancel()
	close(e.quit)
	e.workers.Wait()
	e.handoff.Wait()
	e.abandonQueued()

	records, lost := e.collectLeftovers(start)
	rep.LostDeferred = lost
	for _, rec := range records {
		st, _ := e.KeyStatus(rec.Key)
		st.Pending = len(rec.Writes)
		rep.Leftover = append(rep.Leftover, st)
		e.logger.Error("pending writes not persisted; data at risk",
			"key", rec.Key.String(), "writes", len(rec.Writes), "class", rec.Class.String(), "reason", rec.Reason)
	}
	rep.Took = e.now().Sub(start)

	if len(records) == 0 && lost == 0 {
		e.logger.Info("sync engine stopped", "flushes", rep.Flushes, "took", rep.Took)
		return rep, nil
	}
	if len(records) == 0 {
		return rep, fmt.Errorf("%w: %d deferred mutations", ErrUndrained, lost)
	}
	if e.spiller == nil {
		return rep, fmt.Errorf("%w: %d keys, %d writes", ErrUndrained, len(records), rep.LeftoverWrites())
	}
	if err := e.spiller.Spill(records); err != nil {
		return rep, fmt.Errorf("spilling %d keys: %w", len(records), err)
	}
	rep.Spilled = true
	e.logger.Warn("sync engine stopped with spilled writes",
		"keys", len(records), "writes", rep.LeftoverWrites(), "took", rep.Took)
	return rep, nil
}

// drain flushes until no key that is not failed has queued writes. Backoff
// is ignored but a short pause separates rounds.
func (e *Engine) drain(ctx context.Context) (flushes int, timedOut bool) {
	for {
		done := e.dispatch(e.now(), true)
		for _, ch := range done {
			select {
			case <-ch:
				flushes++
			case <-ctx.Done():
				return flushes, true
			}
		}
		if !e.drainable() {
			return flushes, false
		}
		select {
		case <-time.After(drainPoll):
		case <-ctx.Done():
			return flushes, true
		}
	}
}

// drainable reports whether any key that is not failed still has writes, a
// flush in flight, or mutations waiting on its load.
func (e *Engine) drainable() bool {
	for i := range e.stripes {
		st := &e.stripes[i]
		st.mu.Lock()
		for _, ks := range st.keys {
			if !ks.failed && (len(ks.writes) > 0 || ks.inFlight || len(ks.deferred) > 0) {
				st.mu.Unlock()
				return true
			}
		}
		st.mu.Unlock()
	}
	return false
}

// abandonQueued releases jobs no worker picked up before the pool stopped.
func (e *Engine) abandonQueued() {
	for {
		select {
		case j := <-e.jobs:
			if j.done != nil {
				close(j.done)
			}
		default:
			return
		}
	}
}

func (e *Engine) collectLeftovers(now time.Time) (records []journal.Record, lostDeferred int) {
	for i := range e.stripes {
		st := &e.stripes[i]
		st.mu.Lock()
		for key, ks := range st.keys {
			ks.inFlight = false
			if len(ks.deferred) > 0 {
				lostDeferred += len(ks.deferred)
				e.logger.Error("mutations lost waiting on load",
					"key", key.String(), "mutations", len(ks.deferred), "class", ks.class.String())
			}
			if len(ks.writes) == 0 {
				continue
			}
			class := ks.class
			reason := "shutdown timeout"
			if ks.failed {
				reason = "failed " + ks.failedOp
			}
			if ks.lastErr != nil {
				reason += ": " + ks.lastErr.Error()
			}
			if class == entity.ClassNone {
				class = entity.ClassTransient
			}
			records = append(records, journal.Record{
				Key:       key,
				Writes:    append([]entity.PendingWrite(nil), ks.writes...),
				Class:     class,
				Reason:    reason,
				SpilledAt: now,
			})
		}
		st.mu.Unlock()
	}
	return records, lostDeferred
}
