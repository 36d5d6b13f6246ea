package syncengine

import (
	"time"

	"github.com/tavstaldev/rebus-core/internal/entity"
	"github.com/tavstaldev/rebus-core/internal/journal"
)

// Logger defines the logging interface used by the engine.
// Compatible with logging.Logger and slog.Logger.
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

// Metrics receives engine telemetry. Implementations must not block.
type Metrics interface {
	ObserveLoad(key entity.Key, took time.Duration, err error)
	ObserveFlush(key entity.Key, writes int, took time.Duration, err error)
	ObserveQueue(pendingWrites, inFlight, failed int)
}

type noopMetrics struct{}

func (noopMetrics) ObserveLoad(entity.Key, time.Duration, error)       {}
func (noopMetrics) ObserveFlush(entity.Key, int, time.Duration, error) {}
func (noopMetrics) ObserveQueue(int, int, int)                         {}

// Alert describes a persistence failure that needs an operator.
type Alert struct {
	Key      entity.Key
	Op       string
	Class    entity.Class
	Err      error
	Attempts int
	At       time.Time
}

// AlertSink receives alerts for keys that entered the failed state.
// Implementations must not block.
type AlertSink interface {
	Alert(a Alert)
}

type noopAlerts struct{}

func (noopAlerts) Alert(Alert) {}

// ChangeListener is told about every new current snapshot: mutations,
// deletes and completed loads. It runs on the calling goroutine, which may
// be the game thread or a worker, and must not call back into the engine.
type ChangeListener interface {
	EntityChanged(snap entity.Snapshot)
}

// ChangeListenerFunc adapts a function to ChangeListener.
type ChangeListenerFunc func(entity.Snapshot)

// EntityChanged implements ChangeListener.
func (f ChangeListenerFunc) EntityChanged(snap entity.Snapshot) { f(snap) }

// Spiller stores writes that could not be drained at shutdown.
type Spiller interface {
	Spill(records []journal.Record) error
}
