package syncengine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/tavstaldev/rebus-core/internal/cache"
	"github.com/tavstaldev/rebus-core/internal/entity"
	"github.com/tavstaldev/rebus-core/internal/store"
)

const (
	stripeCount = 64

	opLoad   = "load"
	opFlush  = "flush"
	opDelete = "delete"

	drainPoll = 10 * time.Millisecond
)

// Defaults used when Options leaves fields zero.
const (
	DefaultWorkers             = 4
	DefaultQueueSize           = 1024
	DefaultRetryInitial        = 500 * time.Millisecond
	DefaultRetryMax            = time.Minute
	DefaultPoolTimeoutRetryMax = 5 * time.Second
)

var (
	// ErrStopped is returned for work submitted after Shutdown.
	ErrStopped = errors.New("syncengine: stopped")

	// ErrUpdaterPanic wraps a panic raised inside an updater.
	ErrUpdaterPanic = errors.New("syncengine: updater panicked")

	// ErrNilUpdater is returned by Mutate for a nil updater.
	ErrNilUpdater = errors.New("syncengine: nil updater")
)

// Options configures an Engine.
type Options struct {
	// Workers is the fixed number of goroutines performing store I/O.
	Workers int

	// QueueSize is the job channel buffer. A full channel never blocks the
	// caller; the job is handed to a goroutine instead.
	QueueSize int

	// RetryInitial and RetryMax bound the per-key exponential backoff.
	RetryInitial time.Duration
	RetryMax     time.Duration

	// PoolTimeoutRetryMax is the lower backoff cap used after pool timeouts.
	PoolTimeoutRetryMax time.Duration

	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

// keyState is the engine's bookkeeping for one key. It exists while the key
// has queued writes, a load in flight or a recorded failure.
type keyState struct {
	writes   []entity.PendingWrite
	inFlight bool

	loading   bool
	loadEpoch uint64
	deferred  []entity.Updater

	// supersededLoad is the epoch of a load a Delete overtook. Its result
	// still tells the tomb which stored revision it replaces.
	supersededLoad uint64

	// retained is set between Retain and Release.
	retained bool

	// pinned is set while the engine holds its single cache pin, which it
	// does while the key is retained or has writes or deferred mutations.
	pinned bool

	failed      bool
	failedOp    string
	class       entity.Class
	lastErr     error
	attempts    int
	nextAttempt time.Time
	backoff     *backoff.ExponentialBackOff
}

func (ks *keyState) idle() bool {
	return ks.quiet() && !ks.retained
}

// quiet reports whether nothing is queued, running or failed for the key.
func (ks *keyState) quiet() bool {
	return len(ks.writes) == 0 && !ks.inFlight && !ks.loading && !ks.failed && len(ks.deferred) == 0
}

// loadFailed reports whether the key's last load ended in a fatal error.
// Its cached state is then a stand-in and must not be written back.
func (ks *keyState) loadFailed() bool {
	return ks.failed && ks.failedOp == opLoad
}

func (ks *keyState) ready(now time.Time, force bool) bool {
	if len(ks.writes) == 0 || ks.inFlight || ks.failed {
		return false
	}
	return force || !now.Before(ks.nextAttempt)
}

func (ks *keyState) clearFailure() {
	ks.failed = false
	ks.failedOp = ""
	ks.class = entity.ClassNone
	ks.lastErr = nil
	ks.attempts = 0
	ks.nextAttempt = time.Time{}
	if ks.backoff != nil {
		ks.backoff.Reset()
	}
}

// stripe guards the key states hashing to it. Lock order is stripe, then
// cache shard; no stripe lock is ever held across store I/O.
type stripe struct {
	mu   sync.Mutex
	keys map[entity.Key]*keyState
}

func (st *stripe) state(key entity.Key) *keyState {
	ks, ok := st.keys[key]
	if !ok {
		ks = &keyState{}
		st.keys[key] = ks
	}
	return ks
}

type jobKind int

const (
	jobLoad jobKind = iota
	jobFlush
)

type job struct {
	kind  jobKind
	key   entity.Key
	epoch uint64
	batch []entity.PendingWrite
	done  chan struct{}
}

// Engine moves entity state between the cache and the store off the
// caller's goroutine.
//
// Reads and mutations are served from the cache without waiting on I/O.
// Misses install a loading placeholder and schedule a background load.
// Mutations are appended to a per-key ordered queue that FlushDue drains
// through a fixed worker pool, at most one flush per key at a time.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Engine struct {
	store store.Store
	cache *cache.Cache
	opts  Options

	stripes [stripeCount]stripe
	seq     atomic.Uint64

	jobs    chan job
	quit    chan struct{}
	workers sync.WaitGroup
	handoff sync.WaitGroup

	// ctx scopes store calls; cancelled once the shutdown drain gives up.
	ctx    context.Context
	cancel context.CancelFunc

	started  atomic.Bool
	draining atomic.Bool
	stopped  atomic.Bool
	// stopMu orders submit's handoff.Add before Shutdown's handoff.Wait.
	stopMu sync.RWMutex
	inFlight atomic.Int64

	logger  Logger
	metrics Metrics
	alerts  AlertSink
	spiller Spiller

	listenersMu sync.RWMutex
	listeners   []ChangeListener
}

// New creates an Engine. Call Start before relying on background work.
func New(s store.Store, c *cache.Cache, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = DefaultRetryInitial
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.PoolTimeoutRetryMax <= 0 {
		opts.PoolTimeoutRetryMax = DefaultPoolTimeoutRetryMax
	}
	if opts.PoolTimeoutRetryMax > opts.RetryMax {
		opts.PoolTimeoutRetryMax = opts.RetryMax
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:   s,
		cache:   c,
		opts:    opts,
		jobs:    make(chan job, opts.QueueSize),
		quit:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		logger:  noopLogger{},
		metrics: noopMetrics{},
		alerts:  noopAlerts{},
	}
	for i := range e.stripes {
		e.stripes[i].keys = make(map[entity.Key]*keyState)
	}
	return e
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	if logger != nil {
		e.logger = logger
	}
}

// SetMetrics sets the telemetry sink. Call before Start.
func (e *Engine) SetMetrics(m Metrics) {
	if m != nil {
		e.metrics = m
	}
}

// SetAlertSink sets where failed keys are reported. Call before Start.
func (e *Engine) SetAlertSink(a AlertSink) {
	if a != nil {
		e.alerts = a
	}
}

// SetSpiller sets where undrained writes go at shutdown. Call before Start.
func (e *Engine) SetSpiller(s Spiller) {
	e.spiller = s
}

// AddListener registers a change listener.
func (e *Engine) AddListener(l ChangeListener) {
	e.listenersMu.Lock()
	e.listeners = append(e.listeners, l)
	e.listenersMu.Unlock()
}

// Cache returns the cache the engine serves from.
func (e *Engine) Cache() *cache.Cache {
	return e.cache
}

// Start launches the worker pool. It is a no-op on a started engine.
func (e *Engine) Start() error {
	if e.stopped.Load() {
		return ErrStopped
	}
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	for range e.opts.Workers {
		e.workers.Add(1)
		go e.worker()
	}
	e.logger.Info("sync engine started", "workers", e.opts.Workers, "queue_size", e.opts.QueueSize)
	return nil
}

func (e *Engine) worker() {
	defer e.workers.Done()
	for {
		select {
		case <-e.quit:
			return
		case j := <-e.jobs:
			e.run(j)
		}
	}
}

func (e *Engine) run(j job) {
	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)

	switch j.kind {
	case jobLoad:
		e.runLoad(j.key, j.epoch)
	case jobFlush:
		e.runFlush(j)
	}
}

// submit queues j without blocking. It reports false once the engine stopped.
func (e *Engine) submit(j job) bool {
	e.stopMu.RLock()
	defer e.stopMu.RUnlock()
	if e.stopped.Load() {
		return false
	}
	select {
	case e.jobs <- j:
		return true
	default:
	}

	e.handoff.Add(1)
	go func() {
		defer e.handoff.Done()
		select {
		case e.jobs <- j:
		case <-e.quit:
			if j.done != nil {
				close(j.done)
			}
		}
	}()
	return true
}

func (e *Engine) stripeFor(key entity.Key) *stripe {
	h := fnv.New32a()
	h.Write([]byte(key.Type)) //nolint:errcheck // hash.Hash never errors
	h.Write(key.ID[:])        //nolint:errcheck // hash.Hash never errors
	return &e.stripes[h.Sum32()%stripeCount]
}

func (e *Engine) now() time.Time {
	return e.opts.Clock()
}

// nextBackoff advances the key's backoff. Pool timeouts use the lower cap.
func (e *Engine) nextBackoff(ks *keyState, class entity.Class) time.Duration {
	if ks.backoff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = e.opts.RetryInitial
		ks.backoff = b
	}
	ks.backoff.MaxInterval = e.opts.RetryMax
	if class == entity.ClassPoolTimeout {
		ks.backoff.MaxInterval = e.opts.PoolTimeoutRetryMax
	}
	d := ks.backoff.NextBackOff()
	if d < 0 {
		d = ks.backoff.MaxInterval
	}
	return d
}

func (e *Engine) notify(snap entity.Snapshot) {
	e.listenersMu.RLock()
	listeners := e.listeners
	e.listenersMu.RUnlock()
	for _, l := range listeners {
		l.EntityChanged(snap.Clone())
	}
}

// apply runs u on a copy of s, turning a panic into an error.
func apply(u entity.Updater, s entity.State) (out entity.State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrUpdaterPanic, r)
		}
	}()
	return u(s.Clone())
}
