package entity

import "time"

// Snapshot is an immutable view of an entity at one revision.
//
// Loading marks a placeholder served while the store has not yet answered;
// its State is the default and its Revision is zero until the load lands.
// Dirty marks a snapshot newer than what the store is known to hold.
type Snapshot struct {
	Key       Key       `json:"-"`
	Revision  uint64    `json:"revision"`
	Dirty     bool      `json:"dirty"`
	Loading   bool      `json:"loading"`
	UpdatedAt time.Time `json:"updated_at"`
	State     State     `json:"state"`
}

// Default returns the snapshot used for a key the store does not know.
func Default(key Key) Snapshot {
	return Snapshot{Key: key}
}

// Clone returns a deep copy of the snapshot.
func (s Snapshot) Clone() Snapshot {
	s.State = s.State.Clone()
	return s
}

// Next returns the successor snapshot carrying state, one revision higher
// and marked dirty.
func (s Snapshot) Next(state State, now time.Time) Snapshot {
	return Snapshot{
		Key:       s.Key,
		Revision:  s.Revision + 1,
		Dirty:     true,
		Loading:   s.Loading,
		UpdatedAt: now,
		State:     state,
	}
}

// AnyRevision as a delete revision removes the record whatever revision the
// store holds. It is used when the entity is deleted before its stored
// revision was ever learned.
const AnyRevision uint64 = 0

// PendingWrite is one queued store operation for a key.
//
// Seq is the causal ordering token assigned when the write is enqueued.
// A write either saves Snapshot or, when Delete is set, removes the record
// (Snapshot.Revision then carries the revision that ended the entity).
type PendingWrite struct {
	Key        Key
	Seq        uint64
	Snapshot   Snapshot
	Delete     bool
	EnqueuedAt time.Time
}

// Updater is a pure function from the current state to the next state.
// Returning an error rejects the mutation and leaves the entity unchanged.
type Updater func(State) (State, error)
