package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tavstaldev/rebus-core/internal/entity"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/database"
)

// Default timeouts used when Options leaves them zero.
const (
	defaultAcquireTimeout   = 2 * time.Second
	defaultOperationTimeout = 5 * time.Second
)

// Options configures a Store.
type Options struct {
	// Context partitions rows; every query is scoped to it.
	Context string

	// AcquireTimeout bounds the wait for a pooled connection.
	// Exceeding it fails with entity.ErrPoolTimeout.
	AcquireTimeout time.Duration

	// OperationTimeout bounds each statement sequence once a connection is held.
	OperationTimeout time.Duration

	// SchemaVersion, when set, is the migration version Migrate must end on.
	SchemaVersion string
}

// Store persists entities in the entities table through database/sql.
//
// Thread Safety:
//   - All methods are safe for concurrent use; each call holds its own pooled connection.
type Store struct {
	db      *database.DB
	opts    Options
	queries queries
}

// New creates a Store over an open database.
func New(db *database.DB, opts Options) (*Store, error) {
	if opts.Context == "" {
		return nil, errors.New("sqlstore: storage context is required")
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = defaultOperationTimeout
	}
	q, err := queriesFor(db.Dialect().Name)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, opts: opts, queries: q}, nil
}

// persistedState is the JSON payload of the state column. Balance has its
// own column so operators can query it directly.
type persistedState struct {
	Cooldowns  []entity.Cooldown `json:"cooldowns,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Load returns the stored snapshot for key.
func (s *Store) Load(ctx context.Context, key entity.Key) (entity.Snapshot, error) {
	var snap entity.Snapshot
	err := s.withConn(ctx, "load", key, func(ctx context.Context, conn *sql.Conn) error {
		var (
			revision  uint64
			balance   int64
			stateJSON string
			updatedAt string
		)
		err := conn.QueryRowContext(ctx, s.queries.load,
			s.opts.Context, string(key.Type), key.ID.String(),
		).Scan(&revision, &balance, &stateJSON, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return entity.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("querying entity: %w", err)
		}

		var ps persistedState
		if err := json.Unmarshal([]byte(stateJSON), &ps); err != nil {
			return fmt.Errorf("decoding state: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return fmt.Errorf("decoding updated_at: %w", err)
		}

		snap = entity.Snapshot{
			Key:       key,
			Revision:  revision,
			UpdatedAt: ts,
			State: entity.State{
				Balance:    balance,
				Cooldowns:  ps.Cooldowns,
				Attributes: ps.Attributes,
			},
		}
		return nil
	})
	return snap, err
}

// Save upserts snap for key in a single-key transaction.
//
// The upsert only replaces rows holding an older revision. The stored row is
// read back inside the same transaction: a newer revision means another
// writer owns the key, and the same revision with other content means two
// lifetimes diverged. Both fail with entity.ErrRevisionConflict. The same
// revision with the same content is a replay and succeeds.
func (s *Store) Save(ctx context.Context, key entity.Key, snap entity.Snapshot) error {
	stateJSON, err := json.Marshal(persistedState{
		Cooldowns:  snap.State.Cooldowns,
		Attributes: snap.State.Attributes,
	})
	if err != nil {
		return entity.NewStoreError(entity.ClassFatal, "save", key, fmt.Errorf("encoding state: %w", err))
	}
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return s.withConn(ctx, "save", key, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

		if _, err := tx.ExecContext(ctx, s.queries.upsert,
			s.opts.Context, string(key.Type), key.ID.String(),
			snap.Revision, snap.State.Balance, string(stateJSON),
			updatedAt.UTC().Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("upserting entity: %w", err)
		}

		var (
			stored        uint64
			storedBalance int64
			storedJSON    string
			storedAt      string
		)
		if err := tx.QueryRowContext(ctx, s.queries.load,
			s.opts.Context, string(key.Type), key.ID.String(),
		).Scan(&stored, &storedBalance, &storedJSON, &storedAt); err != nil {
			return fmt.Errorf("reading back entity: %w", err)
		}
		if stored > snap.Revision {
			return fmt.Errorf("%w: stored revision %d, writing %d", entity.ErrRevisionConflict, stored, snap.Revision)
		}
		if storedJSON != string(stateJSON) || storedBalance != snap.State.Balance {
			var ps persistedState
			if err := json.Unmarshal([]byte(storedJSON), &ps); err != nil {
				return fmt.Errorf("decoding stored state: %w", err)
			}
			current := entity.State{Balance: storedBalance, Cooldowns: ps.Cooldowns, Attributes: ps.Attributes}
			if !current.Equal(snap.State) {
				return fmt.Errorf("%w: revision %d already stored with other content", entity.ErrRevisionConflict, snap.Revision)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing save: %w", err)
		}
		return nil
	})
}

// Delete removes key unless the stored revision is at or above revision.
// entity.AnyRevision skips the guard.
func (s *Store) Delete(ctx context.Context, key entity.Key, revision uint64) error {
	return s.withConn(ctx, "delete", key, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("starting transaction: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

		if revision == entity.AnyRevision {
			if _, err := tx.ExecContext(ctx, s.queries.purge,
				s.opts.Context, string(key.Type), key.ID.String(),
			); err != nil {
				return fmt.Errorf("deleting entity: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("committing delete: %w", err)
			}
			return nil
		}

		if _, err := tx.ExecContext(ctx, s.queries.delete,
			s.opts.Context, string(key.Type), key.ID.String(), revision,
		); err != nil {
			return fmt.Errorf("deleting entity: %w", err)
		}

		var stored uint64
		err = tx.QueryRowContext(ctx, s.queries.revision,
			s.opts.Context, string(key.Type), key.ID.String(),
		).Scan(&stored)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("reading back revision: %w", err)
		default:
			return fmt.Errorf("%w: stored revision %d survives delete at %d", entity.ErrRevisionConflict, stored, revision)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing delete: %w", err)
		}
		return nil
	})
}

// Migrate applies pending migrations and verifies the configured schema version.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.Migrate(ctx); err != nil {
		return entity.NewStoreError(classify(err), "migrate", entity.Key{}, err)
	}
	if err := s.db.VerifySchema(ctx, s.opts.SchemaVersion); err != nil {
		return entity.NewStoreError(classify(err), "migrate", entity.Key{}, err)
	}
	return nil
}

// HealthCheck pings the database within the operation timeout.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.withConn(ctx, "health_check", entity.Key{}, func(ctx context.Context, conn *sql.Conn) error {
		return conn.PingContext(ctx)
	})
}

// withConn acquires a pooled connection within the acquire timeout, then runs
// fn under the operation timeout. Every error leaving it is classified.
func (s *Store) withConn(ctx context.Context, op string, key entity.Key, fn func(context.Context, *sql.Conn) error) error {
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, s.opts.AcquireTimeout)
	conn, err := s.db.Conn(acquireCtx)
	acquireExpired := errors.Is(acquireCtx.Err(), context.DeadlineExceeded)
	cancelAcquire()
	if err != nil {
		if acquireExpired && ctx.Err() == nil {
			return entity.NewStoreError(entity.ClassPoolTimeout, op, key,
				fmt.Errorf("no connection within %s: %w", s.opts.AcquireTimeout, err))
		}
		return entity.NewStoreError(classify(err), op, key, fmt.Errorf("acquiring connection: %w", err))
	}
	defer conn.Close() //nolint:errcheck // Returns the connection to the pool

	opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	if err := fn(opCtx, conn); err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return entity.NewStoreError(entity.ClassNotFound, op, key, err)
		}
		return entity.NewStoreError(classify(err), op, key, err)
	}
	return nil
}
