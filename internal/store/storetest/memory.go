// Package storetest provides an in-memory Store with fault injection for
// tests of the layers above the store.
package storetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tavstaldev/rebus-core/internal/entity"
)

// Operation names accepted by the fault injection methods.
const (
	OpLoad    = "load"
	OpSave    = "save"
	OpDelete  = "delete"
	OpMigrate = "migrate"
)

// Call records one store call as observed by Memory.
type Call struct {
	Op       string
	Key      entity.Key
	Revision uint64
	Balance  int64
	Err      error
}

// Memory is a goroutine-safe in-memory Store honouring the same revision
// rules as the SQL backend.
type Memory struct {
	mu       sync.Mutex
	rows     map[entity.Key]entity.Snapshot
	calls    []Call
	failNext map[string][]error
	failAll  map[string]error
	gates    map[string]chan struct{}
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		rows:     make(map[entity.Key]entity.Snapshot),
		failNext: make(map[string][]error),
		failAll:  make(map[string]error),
		gates:    make(map[string]chan struct{}),
	}
}

// FailNext makes the next n calls of op fail with err.
func (m *Memory) FailNext(op string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for range n {
		m.failNext[op] = append(m.failNext[op], err)
	}
}

// FailAlways makes every call of op fail with err until cleared with a nil err.
func (m *Memory) FailAlways(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failAll, op)
		return
	}
	m.failAll[op] = err
}

// Block makes calls of op wait until the returned release function runs or
// their context ends.
func (m *Memory) Block(op string) (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gate := make(chan struct{})
	m.gates[op] = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gates[op] == gate {
				delete(m.gates, op)
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Put seeds a persisted snapshot directly.
func (m *Memory) Put(snap entity.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Dirty = false
	snap.Loading = false
	m.rows[snap.Key] = snap.Clone()
}

// Get returns the persisted snapshot for key.
func (m *Memory) Get(key entity.Key) (entity.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.rows[key]
	return snap.Clone(), ok
}

// Len returns the number of persisted rows.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Calls returns a copy of the recorded calls of op, or of all calls when op is empty.
func (m *Memory) Calls(op string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// enter applies blocking and fault injection for op.
func (m *Memory) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	gate := m.gates[op]
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return entity.NewStoreError(entity.ClassTransient, op, entity.Key{}, ctx.Err())
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if queued := m.failNext[op]; len(queued) > 0 {
		m.failNext[op] = queued[1:]
		return queued[0]
	}
	return m.failAll[op]
}

func (m *Memory) record(c Call) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
}

// Load implements store.Store.
func (m *Memory) Load(ctx context.Context, key entity.Key) (entity.Snapshot, error) {
	if err := m.enter(ctx, OpLoad); err != nil {
		m.record(Call{Op: OpLoad, Key: key, Err: err})
		return entity.Snapshot{}, err
	}
	m.mu.Lock()
	snap, ok := m.rows[key]
	m.mu.Unlock()
	if !ok {
		err := entity.NewStoreError(entity.ClassNotFound, OpLoad, key, entity.ErrNotFound)
		m.record(Call{Op: OpLoad, Key: key, Err: err})
		return entity.Snapshot{}, err
	}
	m.record(Call{Op: OpLoad, Key: key, Revision: snap.Revision, Balance: snap.State.Balance})
	return snap.Clone(), nil
}

// Save implements store.Store.
func (m *Memory) Save(ctx context.Context, key entity.Key, snap entity.Snapshot) error {
	call := Call{Op: OpSave, Key: key, Revision: snap.Revision, Balance: snap.State.Balance}
	if err := m.enter(ctx, OpSave); err != nil {
		call.Err = err
		m.record(call)
		return err
	}

	m.mu.Lock()
	stored, ok := m.rows[key]
	var err error
	switch {
	case ok && stored.Revision > snap.Revision:
		err = entity.NewStoreError(entity.ClassFatal, OpSave, key,
			fmt.Errorf("%w: stored %d, writing %d", entity.ErrRevisionConflict, stored.Revision, snap.Revision))
	case ok && stored.Revision == snap.Revision && !stored.State.Equal(snap.State):
		err = entity.NewStoreError(entity.ClassFatal, OpSave, key,
			fmt.Errorf("%w: revision %d already stored with other content", entity.ErrRevisionConflict, snap.Revision))
	case ok && stored.Revision == snap.Revision:
	default:
		snap.Key = key
		snap.Dirty = false
		snap.Loading = false
		m.rows[key] = snap.Clone()
	}
	m.mu.Unlock()

	call.Err = err
	m.record(call)
	return err
}

// Delete implements store.Store.
func (m *Memory) Delete(ctx context.Context, key entity.Key, revision uint64) error {
	call := Call{Op: OpDelete, Key: key, Revision: revision}
	if err := m.enter(ctx, OpDelete); err != nil {
		call.Err = err
		m.record(call)
		return err
	}

	m.mu.Lock()
	stored, ok := m.rows[key]
	var err error
	if ok && revision != entity.AnyRevision && stored.Revision >= revision {
		err = entity.NewStoreError(entity.ClassFatal, OpDelete, key,
			fmt.Errorf("%w: stored %d survives delete at %d", entity.ErrRevisionConflict, stored.Revision, revision))
	} else {
		delete(m.rows, key)
	}
	m.mu.Unlock()

	call.Err = err
	m.record(call)
	return err
}

// Migrate implements store.Store.
func (m *Memory) Migrate(ctx context.Context) error {
	err := m.enter(ctx, OpMigrate)
	m.record(Call{Op: OpMigrate, Err: err})
	return err
}

// HealthCheck implements store.Store.
func (m *Memory) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}
