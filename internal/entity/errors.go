package entity

import (
	"errors"
	"fmt"
)

// Error classes. A StoreError matches exactly one of these with errors.Is;
// ErrPoolTimeout additionally matches ErrTransient.
var (
	// ErrNotFound is returned when the store has no record for a key.
	ErrNotFound = errors.New("entity: not found")

	// ErrTransient marks failures that are expected to clear on retry.
	ErrTransient = errors.New("entity: transient store failure")

	// ErrPoolTimeout marks failures to acquire a pooled store connection.
	ErrPoolTimeout = errors.New("entity: store pool timeout")

	// ErrFatal marks failures that retrying cannot fix.
	ErrFatal = errors.New("entity: fatal store failure")
)

// Domain errors.
var (
	// ErrInvalidKey is returned for malformed keys.
	ErrInvalidKey = errors.New("entity: invalid key")

	// ErrRevisionConflict is returned when the store holds a newer revision
	// than the one being written, which means another writer owns the key.
	ErrRevisionConflict = errors.New("entity: revision conflict")

	// ErrSchemaMismatch is returned when the store schema is not the one
	// this build expects.
	ErrSchemaMismatch = errors.New("entity: schema mismatch")
)

// Class is the retry class of a store failure.
type Class int

// Failure classes, ordered by severity.
const (
	ClassNone Class = iota
	ClassNotFound
	ClassTransient
	ClassPoolTimeout
	ClassFatal
)

// String returns the lowercase class name.
func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassNotFound:
		return "not_found"
	case ClassTransient:
		return "transient"
	case ClassPoolTimeout:
		return "pool_timeout"
	case ClassFatal:
		return "fatal"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Retryable reports whether the engine should retry the operation.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassPoolTimeout
}

// StoreError carries a classified store failure.
type StoreError struct {
	Class Class
	Op    string
	Key   Key
	Err   error
}

// Error implements error.
func (e *StoreError) Error() string {
	if e.Key.IsZero() {
		return fmt.Sprintf("store %s (%s): %v", e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("store %s %s (%s): %v", e.Op, e.Key, e.Class, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error { return e.Err }

// Is matches the class sentinels.
func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Class == ClassNotFound
	case ErrTransient:
		return e.Class == ClassTransient || e.Class == ClassPoolTimeout
	case ErrPoolTimeout:
		return e.Class == ClassPoolTimeout
	case ErrFatal:
		return e.Class == ClassFatal
	}
	return false
}

// NewStoreError wraps err with a class. A nil err yields nil.
func NewStoreError(class Class, op string, key Key, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Class: class, Op: op, Key: key, Err: err}
}

// ClassOf returns the class of err. Unclassified errors are Transient so
// that unknown failures are retried rather than dropped.
func ClassOf(err error) Class {
	if err == nil {
		return ClassNone
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Class
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrPoolTimeout):
		return ClassPoolTimeout
	case errors.Is(err, ErrFatal), errors.Is(err, ErrRevisionConflict), errors.Is(err, ErrSchemaMismatch):
		return ClassFatal
	default:
		return ClassTransient
	}
}
