// Package store defines the persistence contract used by the synchronisation
// engine and the decorators shared by every backend.
//
// Backends live in subpackages: sqlstore (SQLite and MySQL through
// database/sql) and dynamo (Amazon DynamoDB). Every backend returns errors
// classified with the entity error taxonomy so callers can decide between
// retrying and reporting.
package store

import (
	"context"

	"github.com/tavstaldev/rebus-core/internal/entity"
)

// Store persists entity snapshots.
//
// Implementations must:
//   - return entity.ErrNotFound (as a classified error) from Load for unknown keys
//   - write each key inside its own transaction or conditional write
//   - never let a stored revision decrease; an older revision than the stored
//     one fails with entity.ErrRevisionConflict, an equal one is a no-op
//   - classify every failure as Transient, PoolTimeout or Fatal
type Store interface {
	// Load returns the persisted snapshot for key.
	Load(ctx context.Context, key entity.Key) (entity.Snapshot, error)

	// Save upserts snap as the persisted state of key.
	Save(ctx context.Context, key entity.Key, snap entity.Snapshot) error

	// Delete removes key. revision is the revision that ended the entity;
	// records at or above it belong to a newer writer and are kept.
	// entity.AnyRevision removes the record unconditionally.
	Delete(ctx context.Context, key entity.Key, revision uint64) error

	// Migrate brings the schema up to date. Safe to call repeatedly.
	Migrate(ctx context.Context) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}
