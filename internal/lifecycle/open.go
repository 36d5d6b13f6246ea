package lifecycle

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/tavstaldev/rebus-core/internal/cache"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/config"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/database"
	"github.com/tavstaldev/rebus-core/internal/store"
	"github.com/tavstaldev/rebus-core/internal/store/dynamo"
	"github.com/tavstaldev/rebus-core/internal/store/sqlstore"
	"github.com/tavstaldev/rebus-core/internal/syncengine"
)

// Storage is an opened backend.
type Storage struct {
	Store store.Store

	// DB is the relational pool behind Store, nil for DynamoDB.
	DB *database.DB

	// Close releases the underlying connection pool.
	Close func() error
}

// OpenStore builds the store selected by cfg.Driver and wraps it in tracing.
func OpenStore(ctx context.Context, cfg config.StorageConfig, tp trace.TracerProvider) (*Storage, error) {
	switch cfg.Driver {
	case config.DriverDynamoDB:
		client, err := dynamo.NewClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		s, err := dynamo.New(client, dynamo.Options{
			Table:            cfg.DynamoDB.Table,
			Context:          cfg.Context,
			OperationTimeout: cfg.OperationTimeout,
		})
		if err != nil {
			return nil, err
		}
		return &Storage{Store: store.Traced(s, tp), Close: func() error { return nil }}, nil

	case config.DriverSQLite3, config.DriverSQLite, config.DriverMySQL:
		db, err := database.Open(database.Config{
			Driver:          cfg.Driver,
			Path:            cfg.Path,
			WALMode:         cfg.WALMode,
			BusyTimeout:     cfg.BusyTimeout,
			Host:            cfg.Host,
			Port:            cfg.Port,
			Database:        cfg.Database,
			Username:        cfg.Username,
			Password:        cfg.Password,
			MaxOpenConns:    cfg.Pool.MaxOpen,
			MaxIdleConns:    cfg.Pool.MaxIdle,
			ConnMaxLifetime: cfg.Pool.MaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		s, err := sqlstore.New(db, sqlstore.Options{
			Context:          cfg.Context,
			AcquireTimeout:   cfg.Pool.AcquireTimeout,
			OperationTimeout: cfg.OperationTimeout,
			SchemaVersion:    cfg.SchemaVersion,
		})
		if err != nil {
			db.Close() //nolint:errcheck // Already failing
			return nil, err
		}
		return &Storage{Store: store.Traced(s, tp), DB: db, Close: db.Close}, nil

	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// OptionsFromConfig maps the cache and sync sections onto coordinator options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Context: cfg.Storage.Context,
		Cache: cache.Options{
			MaxEntries:   cfg.Cache.MaxEntries,
			Shards:       cfg.Cache.Shards,
			MinResidency: cfg.Cache.MinResidency,
			IdleTTL:      cfg.Cache.IdleTTL,
		},
		Engine: syncengine.Options{
			Workers:             cfg.Sync.Workers,
			QueueSize:           cfg.Sync.QueueSize,
			RetryInitial:        cfg.Sync.RetryInitial,
			RetryMax:            cfg.Sync.RetryMax,
			PoolTimeoutRetryMax: cfg.Sync.PoolTimeoutRetryMax,
		},
		FlushInterval:       cfg.Sync.FlushInterval,
		MaintenanceInterval: cfg.Cache.MaintenanceInterval,
		ShutdownTimeout:     cfg.Sync.ShutdownTimeout,
	}
}
