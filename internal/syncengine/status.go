package syncengine

import (
	"time"

	"github.com/tavstaldev/rebus-core/internal/cache"
	"github.com/tavstaldev/rebus-core/internal/entity"
)

// KeyStatus describes a key the engine is retrying or has given up on.
type KeyStatus struct {
	Key         entity.Key   `json:"key"`
	Op          string       `json:"op"`
	Class       entity.Class `json:"-"`
	ClassName   string       `json:"class"`
	Attempts    int          `json:"attempts"`
	Pending     int          `json:"pending_writes"`
	Deferred    int          `json:"deferred_mutations"`
	Failed      bool         `json:"failed"`
	Error       string       `json:"error,omitempty"`
	NextAttempt time.Time    `json:"next_attempt,omitzero"`
}

// Status is a point-in-time view of the engine for health queries.
type Status struct {
	QueuedKeys    int         `json:"queued_keys"`
	PendingWrites int         `json:"pending_writes"`
	InFlight      int         `json:"in_flight"`
	Loading       int         `json:"loading"`
	Retrying      []KeyStatus `json:"retrying"`
	Failed        []KeyStatus `json:"failed"`
	Draining      bool        `json:"draining"`
	Stopped       bool        `json:"stopped"`
	Cache         cache.Stats `json:"cache"`
}

// Healthy reports whether no key is failed.
func (s Status) Healthy() bool {
	return len(s.Failed) == 0
}

// Status collects the current queue and failure state.
func (e *Engine) Status() Status {
	s := Status{
		InFlight: int(e.inFlight.Load()),
		Draining: e.draining.Load(),
		Stopped:  e.stopped.Load(),
		Cache:    e.cache.Stats(),
	}
	for i := range e.stripes {
		st := &e.stripes[i]
		st.mu.Lock()
		for key, ks := range st.keys {
			if len(ks.writes) > 0 {
				s.QueuedKeys++
				s.PendingWrites += len(ks.writes)
			}
			if ks.loading {
				s.Loading++
			}
			switch {
			case ks.failed:
				s.Failed = append(s.Failed, statusOf(key, ks))
			case ks.attempts > 0:
				s.Retrying = append(s.Retrying, statusOf(key, ks))
			}
		}
		st.mu.Unlock()
	}
	return s
}

// KeyStatus returns the failure state of key. ok is false when the engine
// holds nothing outstanding for it.
func (e *Engine) KeyStatus(key entity.Key) (KeyStatus, bool) {
	st := e.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	ks, ok := st.keys[key]
	if !ok || ks.quiet() {
		return KeyStatus{}, false
	}
	return statusOf(key, ks), true
}

// Retry clears the failure of key so that its writes are flushed on the next
// FlushDue. A key whose load failed is reloaded instead; mutations made since
// then are replayed on the stored state once it arrives. Backoff waits are
// cut short too. It reports whether anything changed.
func (e *Engine) Retry(key entity.Key) bool {
	if e.stopped.Load() {
		return false
	}
	st := e.stripeFor(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	ks, ok := st.keys[key]
	if !ok || ks.loading || (!ks.failed && ks.attempts == 0) {
		return false
	}

	reload := ks.loadFailed()
	ks.clearFailure()
	if !reload {
		e.logger.Info("retrying entity", "key", key.String(), "pending_writes", len(ks.writes))
		return true
	}

	placeholder := entity.Default(key)
	if entry, ok := e.cache.Peek(key); ok {
		placeholder = entry.Snapshot.Clone()
	}
	placeholder.Loading = true
	epoch := e.cache.Put(key, placeholder)
	ks.loading = true
	ks.loadEpoch = epoch
	if !e.submit(job{kind: jobLoad, key: key, epoch: epoch}) {
		ks.loading = false
		ks.loadEpoch = 0
		return false
	}
	e.logger.Info("reloading entity", "key", key.String(), "deferred_mutations", len(ks.deferred))
	return true
}

// RetryAll retries every failed key and returns how many were reset.
func (e *Engine) RetryAll() int {
	var failed []entity.Key
	for i := range e.stripes {
		st := &e.stripes[i]
		st.mu.Lock()
		for key, ks := range st.keys {
			if ks.failed {
				failed = append(failed, key)
			}
		}
		st.mu.Unlock()
	}

	n := 0
	for _, key := range failed {
		if e.Retry(key) {
			n++
		}
	}
	return n
}

func statusOf(key entity.Key, ks *keyState) KeyStatus {
	op := ks.failedOp
	if op == "" {
		switch {
		case ks.loading:
			op = opLoad
		case len(ks.writes) > 0 && ks.writes[len(ks.writes)-1].Delete:
			op = opDelete
		default:
			op = opFlush
		}
	}
	s := KeyStatus{
		Key:         key,
		Op:          op,
		Class:       ks.class,
		ClassName:   ks.class.String(),
		Attempts:    ks.attempts,
		Pending:     len(ks.writes),
		Deferred:    len(ks.deferred),
		Failed:      ks.failed,
		NextAttempt: ks.nextAttempt,
	}
	if ks.lastErr != nil {
		s.Error = ks.lastErr.Error()
	}
	return s
}
