package state

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/tavstaldev/rebus-core/internal/entity"
	"github.com/tavstaldev/rebus-core/internal/syncengine"
)

// Logger defines the logging interface used by the Registry.
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

// Backend is the part of the synchronisation engine the Registry drives.
// *syncengine.Engine implements it.
type Backend interface {
	Read(key entity.Key) entity.Snapshot
	Mutate(key entity.Key, u entity.Updater) (entity.Snapshot, error)
	Delete(key entity.Key) (entity.Snapshot, error)
	Retain(key entity.Key) entity.Snapshot
	Release(key entity.Key)
	Warm(keys ...entity.Key) int
	AddListener(l syncengine.ChangeListener)
	Status() syncengine.Status
	KeyStatus(key entity.Key) (syncengine.KeyStatus, bool)
	Retry(key entity.Key) bool
	RetryAll() int
	FlushNow(ctx context.Context) (int, error)
}

// Options configures a Registry.
type Options struct {
	// Context is the storage context cooldowns are scoped to.
	Context string

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// Registry is the facade over the entity cache and its persistence.
//
// No method waits on the store. All public methods are thread-safe.
type Registry struct {
	backend Backend
	context string
	clock   func() time.Time
	logger  Logger
}

// NewRegistry creates a Registry over backend.
func NewRegistry(backend Backend, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Registry{
		backend: backend,
		context: opts.Context,
		clock:   opts.Clock,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Read returns the current snapshot of key. An entity not yet loaded is
// returned as the default state with Loading set.
func (r *Registry) Read(key entity.Key) entity.Snapshot {
	return r.backend.Read(key)
}

// Mutate applies u to key. The returned snapshot is already visible to
// readers; persistence follows asynchronously.
func (r *Registry) Mutate(key entity.Key, u entity.Updater) (entity.Snapshot, error) {
	return r.backend.Mutate(key, u)
}

// Delete removes the entity. Reads return the default state from now on.
func (r *Registry) Delete(key entity.Key) (entity.Snapshot, error) {
	snap, err := r.backend.Delete(key)
	if err != nil {
		return snap, err
	}
	r.logger.Info("entity deleted", "key", key.String())
	return snap, nil
}

// Retain keeps key resident until Release, typically while a player is
// online or an NPC is spawned. Retains do not stack, so a duplicated join
// event is undone by a single leave.
func (r *Registry) Retain(key entity.Key) entity.Snapshot {
	return r.backend.Retain(key)
}

// Release ends a Retain.
func (r *Registry) Release(key entity.Key) {
	r.backend.Release(key)
}

// Warm starts background loads for keys that are not cached.
func (r *Registry) Warm(keys ...entity.Key) int {
	return r.backend.Warm(keys...)
}

// Subscribe registers fn for every change of current state. fn must not
// call back into the Registry.
func (r *Registry) Subscribe(fn func(entity.Snapshot)) {
	r.backend.AddListener(syncengine.ChangeListenerFunc(fn))
}

// Status returns the persistence health of the registry.
func (r *Registry) Status() syncengine.Status {
	return r.backend.Status()
}

// KeyStatus returns the retry state of key, if the engine holds anything
// outstanding for it.
func (r *Registry) KeyStatus(key entity.Key) (syncengine.KeyStatus, bool) {
	return r.backend.KeyStatus(key)
}

// Retry resets a failed key so its writes are attempted again.
func (r *Registry) Retry(key entity.Key) bool {
	return r.backend.Retry(key)
}

// RetryAll resets every failed key.
func (r *Registry) RetryAll() int {
	return r.backend.RetryAll()
}

// FlushNow writes every queued change and waits for the result.
func (r *Registry) FlushNow(ctx context.Context) (int, error) {
	return r.backend.FlushNow(ctx)
}

// Balance returns the balance of key.
func (r *Registry) Balance(key entity.Key) int64 {
	return r.backend.Read(key).State.Balance
}

// Has reports whether key holds at least amount.
func (r *Registry) Has(key entity.Key, amount int64) bool {
	return r.Balance(key) >= amount
}

// Deposit adds amount to the balance of key. A sum beyond the int64 range
// fails with ErrBalanceOverflow and changes nothing.
func (r *Registry) Deposit(key entity.Key, amount int64) (entity.Snapshot, error) {
	if amount <= 0 {
		return r.backend.Read(key), fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return r.backend.Mutate(key, func(s entity.State) (entity.State, error) {
		if s.Balance > 0 && amount > math.MaxInt64-s.Balance {
			return s, fmt.Errorf("%w: balance %d, deposit %d", ErrBalanceOverflow, s.Balance, amount)
		}
		s.Balance += amount
		return s, nil
	})
}

// Withdraw removes amount from the balance of key. A balance below amount
// fails with ErrInsufficientFunds and changes nothing.
//
// A key still loading is judged on its placeholder balance, so a refusal
// there also matches ErrNotLoaded and says nothing about the stored balance.
func (r *Registry) Withdraw(key entity.Key, amount int64) (entity.Snapshot, error) {
	if amount <= 0 {
		return r.backend.Read(key), fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	snap, err := r.backend.Mutate(key, func(s entity.State) (entity.State, error) {
		if s.Balance < amount {
			return s, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientFunds, s.Balance, amount)
		}
		s.Balance -= amount
		return s, nil
	})
	if err != nil && snap.Loading && errors.Is(err, ErrInsufficientFunds) {
		err = fmt.Errorf("%w: %w", ErrNotLoaded, err)
	}
	return snap, err
}

// SetBalance replaces the balance of key.
func (r *Registry) SetBalance(key entity.Key, balance int64) (entity.Snapshot, error) {
	return r.backend.Mutate(key, func(s entity.State) (entity.State, error) {
		s.Balance = balance
		return s, nil
	})
}

// SetCooldown blocks typ on chest for d in the registry's storage context.
// Expired cooldowns of key are dropped at the same time.
func (r *Registry) SetCooldown(key entity.Key, chest string, typ entity.CooldownType, d time.Duration) (entity.Snapshot, error) {
	if chest == "" || (typ != entity.CooldownOpen && typ != entity.CooldownBuy) {
		return r.backend.Read(key), fmt.Errorf("%w: chest %q type %q", ErrInvalidCooldown, chest, typ)
	}
	now := r.clock()
	c := entity.Cooldown{Context: r.context, Chest: chest, Type: typ, ExpiresAt: now.Add(d)}
	return r.backend.Mutate(key, func(s entity.State) (entity.State, error) {
		return s.WithoutExpiredCooldowns(now).WithCooldown(c), nil
	})
}

// CooldownRemaining returns how long typ on chest stays blocked for key.
func (r *Registry) CooldownRemaining(key entity.Key, chest string, typ entity.CooldownType) time.Duration {
	return r.backend.Read(key).State.CooldownRemaining(r.context, chest, typ, r.clock())
}

// ClearCooldowns drops every cooldown of key in the registry's context.
func (r *Registry) ClearCooldowns(key entity.Key) (entity.Snapshot, error) {
	return r.backend.Mutate(key, func(s entity.State) (entity.State, error) {
		return s.WithoutCooldowns(r.context), nil
	})
}

// Attribute returns a free-form attribute of key.
func (r *Registry) Attribute(key entity.Key, name string) (string, bool) {
	v, ok := r.backend.Read(key).State.Attributes[name]
	return v, ok
}

// SetAttribute sets a free-form attribute of key. An empty value removes it.
func (r *Registry) SetAttribute(key entity.Key, name, value string) (entity.Snapshot, error) {
	return r.backend.Mutate(key, func(s entity.State) (entity.State, error) {
		if value == "" {
			delete(s.Attributes, name)
			if len(s.Attributes) == 0 {
				s.Attributes = nil
			}
			return s, nil
		}
		if s.Attributes == nil {
			s.Attributes = make(map[string]string)
		}
		s.Attributes[name] = value
		return s, nil
	})
}
