package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tavstaldev/rebus-core/internal/cache"
	"github.com/tavstaldev/rebus-core/internal/entity"
	"github.com/tavstaldev/rebus-core/internal/journal"
	"github.com/tavstaldev/rebus-core/internal/state"
	"github.com/tavstaldev/rebus-core/internal/store"
	"github.com/tavstaldev/rebus-core/internal/syncengine"
)

// Defaults used when Options leaves fields zero.
const (
	DefaultFlushInterval       = 5 * time.Second
	DefaultMaintenanceInterval = 30 * time.Second
	DefaultShutdownTimeout     = 30 * time.Second
	DefaultMigrateAttempts     = 5
)

var (
	// ErrAlreadyEnabled is returned by Enable on a running coordinator.
	ErrAlreadyEnabled = errors.New("lifecycle: already enabled")

	// ErrDisabled is returned by Enable after Disable; a coordinator runs once.
	ErrDisabled = errors.New("lifecycle: disabled")
)

// Logger defines the logging interface used by the Coordinator.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// OnlineSource lists the entities already present when the coordinator is
// enabled: online players and spawned NPCs.
type OnlineSource interface {
	OnlineKeys(ctx context.Context) ([]entity.Key, error)
}

// OnlineFunc adapts a function to OnlineSource.
type OnlineFunc func(ctx context.Context) ([]entity.Key, error)

// OnlineKeys implements OnlineSource.
func (f OnlineFunc) OnlineKeys(ctx context.Context) ([]entity.Key, error) { return f(ctx) }

// Options configures a Coordinator.
type Options struct {
	// Context is the storage context cooldowns are scoped to.
	Context string

	Cache  cache.Options
	Engine syncengine.Options

	FlushInterval       time.Duration
	MaintenanceInterval time.Duration
	ShutdownTimeout     time.Duration

	// MigrateAttempts bounds retries of transient migration failures.
	MigrateAttempts int
}

// Coordinator owns the persistence components and their background tasks.
//
// Thread Safety:
//   - Enable and Disable are serialised; the accessors are safe at any time.
type Coordinator struct {
	store    store.Store
	cache    *cache.Cache
	engine   *syncengine.Engine
	registry *state.Registry
	journal  *journal.Journal
	online   OnlineSource
	opts     Options
	logger   Logger

	closers []closer

	mu       sync.Mutex
	enabled  bool
	disabled bool
	cancel   context.CancelFunc
	tasks    sync.WaitGroup
}

type closer struct {
	name string
	fn   func() error
}

// New creates a Coordinator over s. Nothing runs until Enable.
func New(s store.Store, opts Options) *Coordinator {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opts.MigrateAttempts <= 0 {
		opts.MigrateAttempts = DefaultMigrateAttempts
	}

	c := cache.New(opts.Cache)
	eng := syncengine.New(s, c, opts.Engine)
	return &Coordinator{
		store:    s,
		cache:    c,
		engine:   eng,
		registry: state.NewRegistry(eng, state.Options{Context: opts.Context}),
		opts:     opts,
		logger:   noopLogger{},
	}
}

// SetLogger sets the logger for the coordinator and the components it owns.
func (c *Coordinator) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	c.logger = logger
	c.engine.SetLogger(logger)
	c.registry.SetLogger(logger)
}

// SetJournal makes j receive writes left over at Disable and replays it at
// Enable. The coordinator closes j on Disable.
func (c *Coordinator) SetJournal(j *journal.Journal) {
	c.journal = j
	if j != nil {
		c.engine.SetSpiller(j)
	}
}

// SetOnlineSource sets where Enable finds the entities to warm.
func (c *Coordinator) SetOnlineSource(src OnlineSource) {
	c.online = src
}

// AddCloser registers fn to run on Disable after the engine has stopped.
// Closers run in reverse registration order.
func (c *Coordinator) AddCloser(name string, fn func() error) {
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

// Registry returns the facade game logic uses.
func (c *Coordinator) Registry() *state.Registry { return c.registry }

// Engine returns the synchronisation engine.
func (c *Coordinator) Engine() *syncengine.Engine { return c.engine }

// Cache returns the entity cache.
func (c *Coordinator) Cache() *cache.Cache { return c.cache }

// Store returns the backing store.
func (c *Coordinator) Store() store.Store { return c.store }

// Enabled reports whether the coordinator is running.
func (c *Coordinator) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Enable brings the components up. A fatal migration failure aborts it and
// leaves nothing running.
func (c *Coordinator) Enable(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.enabled:
		return ErrAlreadyEnabled
	case c.disabled:
		return ErrDisabled
	}

	start := time.Now()
	if err := c.migrate(ctx); err != nil {
		return fmt.Errorf("migrating store: %w", err)
	}

	if err := c.engine.Start(); err != nil {
		return fmt.Errorf("starting sync engine: %w", err)
	}

	restored, err := c.replayJournal()
	if err != nil {
		c.logger.Error("spill journal replay failed; records kept for the next start", "error", err)
	}

	warmed, err := c.warmOnline(ctx)
	if err != nil {
		c.logger.Warn("listing online entities failed; they load on first use", "error", err)
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.tasks.Add(2)
	go c.flushLoop(taskCtx)
	go c.maintenanceLoop(taskCtx)

	c.enabled = true
	c.logger.Info("persistence enabled",
		"restored", restored,
		"warmed", warmed,
		"flush_interval", c.opts.FlushInterval,
		"took", time.Since(start),
	)
	return nil
}

// Disable stops the background tasks, drains the engine within
// ShutdownTimeout and releases owned resources. It is safe to call on a
// coordinator that was never enabled.
func (c *Coordinator) Disable(ctx context.Context) (syncengine.Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disabled {
		return syncengine.Report{}, nil
	}
	c.disabled = true

	if c.cancel != nil {
		c.cancel()
		c.tasks.Wait()
	}

	var errs []error
	var rep syncengine.Report
	if c.enabled {
		drainCtx, cancel := context.WithTimeout(ctx, c.opts.ShutdownTimeout)
		var err error
		rep, err = c.engine.Shutdown(drainCtx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("draining sync engine: %w", err))
		}
	}
	c.enabled = false

	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing journal: %w", err))
		}
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		cl := c.closers[i]
		if err := cl.fn(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", cl.name, err))
		}
	}

	c.logger.Info("persistence disabled",
		"flushes", rep.Flushes,
		"leftover_keys", len(rep.Leftover),
		"spilled", rep.Spilled,
		"took", rep.Took,
	)
	return rep, errors.Join(errs...)
}

// migrate retries transient migration failures with backoff. Fatal ones
// (schema mismatch, bad credentials) stop immediately.
func (c *Coordinator) migrate(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	if c.opts.Engine.RetryInitial > 0 {
		b.InitialInterval = c.opts.Engine.RetryInitial
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.store.Migrate(ctx)
		if err != nil && !entity.ClassOf(err).Retryable() {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.opts.MigrateAttempts)), //nolint:gosec // positive by construction
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("store migration failed; retrying", "error", err, "retry_in", next)
		}),
	)
	return err
}

func (c *Coordinator) replayJournal() (int, error) {
	if c.journal == nil {
		return 0, nil
	}
	n, err := c.journal.Replay(func(rec journal.Record) error {
		if err := c.engine.Restore(rec); err != nil {
			return err
		}
		c.logger.Info("restored spilled writes",
			"key", rec.Key.String(), "writes", len(rec.Writes), "reason", rec.Reason)
		return nil
	})
	return n, err
}

func (c *Coordinator) warmOnline(ctx context.Context) (int, error) {
	if c.online == nil {
		return 0, nil
	}
	keys, err := c.online.OnlineKeys(ctx)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		if key.Validate() != nil {
			continue
		}
		c.registry.Retain(key)
	}
	return len(keys), nil
}

func (c *Coordinator) flushLoop(ctx context.Context) {
	defer c.tasks.Done()
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.engine.FlushDue(); n > 0 {
				c.logger.Debug("flush dispatched", "keys", n)
			}
		}
	}
}

func (c *Coordinator) maintenanceLoop(ctx context.Context) {
	defer c.tasks.Done()
	ticker := time.NewTicker(c.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.cache.EvictIfNeeded(); n > 0 {
				c.logger.Debug("cache entries reclaimed", "count", n, "remaining", c.cache.Len())
			}
		}
	}
}
