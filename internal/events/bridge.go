package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tavstaldev/rebus-core/internal/entity"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/mqtt"
	"github.com/tavstaldev/rebus-core/internal/syncengine"
)

// alertBuffer bounds alerts waiting to be published.
const alertBuffer = 64

// ErrUnknownEvent is returned for topics under events/ the bridge does not
// handle.
var ErrUnknownEvent = errors.New("events: unknown event kind")

// Bus is the MQTT surface the bridge uses. *mqtt.Client implements it.
type Bus interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	PublishJSON(topic string, v any, retained bool) error
}

// Host receives residency events. *lifecycle.Coordinator implements it.
type Host interface {
	PlayerJoined(id uuid.UUID) entity.Snapshot
	PlayerLeft(id uuid.UUID)
	NPCSpawned(id uuid.UUID) entity.Snapshot
	NPCDespawned(id uuid.UUID)
}

// Ledger performs state changes. *state.Registry implements it.
type Ledger interface {
	Deposit(key entity.Key, amount int64) (entity.Snapshot, error)
	Withdraw(key entity.Key, amount int64) (entity.Snapshot, error)
	Delete(key entity.Key) (entity.Snapshot, error)
}

// Logger defines the logging interface used by the Bridge.
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

// Bridge routes game events from the bus into the registry and publishes
// persistence alerts back. It implements syncengine.AlertSink.
type Bridge struct {
	bus    Bus
	topics mqtt.Topics
	host   Host
	ledger Ledger
	logger Logger

	alerts  chan syncengine.Alert
	dropped atomic.Int64
	wg      sync.WaitGroup
}

// NewBridge creates a Bridge. Nothing is subscribed until Start.
func NewBridge(bus Bus, topics mqtt.Topics, host Host, ledger Ledger) *Bridge {
	return &Bridge{
		bus:    bus,
		topics: topics,
		host:   host,
		ledger: ledger,
		logger: noopLogger{},
		alerts: make(chan syncengine.Alert, alertBuffer),
	}
}

// SetLogger sets the logger for the bridge.
func (b *Bridge) SetLogger(logger Logger) {
	if logger != nil {
		b.logger = logger
	}
}

// Start subscribes to the event stream and starts publishing alerts until
// ctx ends. Wait returns once the alert publisher has drained.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.bus.Subscribe(b.topics.AllEvents(), 1, b.Handle); err != nil {
		return fmt.Errorf("subscribing to game events: %w", err)
	}
	b.logger.Info("game event bridge started", "topic", b.topics.AllEvents())

	b.wg.Add(1)
	go b.publishAlerts(ctx)
	return nil
}

// Wait blocks until the alert publisher has stopped.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Handle processes one event message. Malformed payloads are rejected with an
// error, which the MQTT client logs.
func (b *Bridge) Handle(topic string, payload []byte) error {
	kind, ok := b.topics.EventKind(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEvent, topic)
	}

	switch kind {
	case mqtt.EventPlayerJoin, mqtt.EventPlayerLeave, mqtt.EventNPCSpawn, mqtt.EventNPCDespawn:
		return b.handleResidency(kind, payload)
	case mqtt.EventEntityDelete:
		return b.handleDelete(payload)
	case mqtt.EventEconomyDeposit, mqtt.EventEconomyWithdraw:
		return b.handleEconomy(kind, payload)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownEvent, kind)
	}
}

func (b *Bridge) handleResidency(kind string, payload []byte) error {
	var ev EntityEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decoding %s: %w", kind, err)
	}
	id, err := uuid.Parse(ev.ID)
	if err != nil {
		return fmt.Errorf("decoding %s: %w", kind, err)
	}

	switch kind {
	case mqtt.EventPlayerJoin:
		b.host.PlayerJoined(id)
	case mqtt.EventPlayerLeave:
		b.host.PlayerLeft(id)
	case mqtt.EventNPCSpawn:
		b.host.NPCSpawned(id)
	case mqtt.EventNPCDespawn:
		b.host.NPCDespawned(id)
	}
	b.logger.Debug("residency event", "kind", kind, "id", id.String())
	return nil
}

func (b *Bridge) handleDelete(payload []byte) error {
	var ev EntityEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decoding delete: %w", err)
	}
	key, err := ev.key(entity.RecordPlayer)
	if err != nil {
		return fmt.Errorf("decoding delete: %w", err)
	}
	if _, err := b.ledger.Delete(key); err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// handleEconomy applies the change and always answers on the result topic,
// so the game server can settle its request even when it was rejected.
func (b *Bridge) handleEconomy(kind string, payload []byte) error {
	var ev EconomyEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decoding %s: %w", kind, err)
	}

	op := "deposit"
	if kind == mqtt.EventEconomyWithdraw {
		op = "withdraw"
	}
	res := EconomyResult{RequestID: ev.RequestID, Op: op, At: time.Now().UTC()}

	key, err := ev.key(entity.RecordPlayer)
	if err == nil {
		res.Key = key.String()
		var snap entity.Snapshot
		if op == "deposit" {
			snap, err = b.ledger.Deposit(key, ev.Amount)
		} else {
			snap, err = b.ledger.Withdraw(key, ev.Amount)
		}
		res.Balance = snap.State.Balance
		res.Revision = snap.Revision
	}
	res.OK = err == nil
	if err != nil {
		res.Error = err.Error()
	}

	if pubErr := b.bus.PublishJSON(b.topics.EconomyResult(), res, false); pubErr != nil {
		b.logger.Warn("publishing economy result failed", "request_id", ev.RequestID, "error", pubErr)
	}
	return nil
}

// Alert implements syncengine.AlertSink. Alerts beyond the buffer are
// counted and dropped.
func (b *Bridge) Alert(a syncengine.Alert) {
	select {
	case b.alerts <- a:
	default:
		n := b.dropped.Add(1)
		b.logger.Warn("alert buffer full; alert dropped", "key", a.Key.String(), "dropped", n)
	}
}

// Dropped returns the number of alerts lost to a full buffer.
func (b *Bridge) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Bridge) publishAlerts(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// Publish what is already queued; the bus may still be up.
			for {
				select {
				case a := <-b.alerts:
					b.publishAlert(a)
				default:
					return
				}
			}
		case a := <-b.alerts:
			b.publishAlert(a)
		}
	}
}

func (b *Bridge) publishAlert(a syncengine.Alert) {
	msg := AlertMessage{
		Key:      a.Key.String(),
		Op:       a.Op,
		Class:    a.Class.String(),
		Attempts: a.Attempts,
		At:       a.At.UTC(),
	}
	if a.Err != nil {
		msg.Error = a.Err.Error()
	}
	if err := b.bus.PublishJSON(b.topics.Alerts(), msg, false); err != nil {
		b.logger.Error("publishing persistence alert failed", "key", msg.Key, "error", err)
	}
}
