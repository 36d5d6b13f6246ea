package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tavstaldev/rebus-core/internal/cache"
	"github.com/tavstaldev/rebus-core/internal/entity"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/mqtt"
	"github.com/tavstaldev/rebus-core/internal/state"
	"github.com/tavstaldev/rebus-core/internal/store/storetest"
	"github.com/tavstaldev/rebus-core/internal/syncengine"
)

type published struct {
	topic string
	data  []byte
}

type fakeBus struct {
	mu         sync.Mutex
	subscribed []string
	handler    mqtt.MessageHandler
	messages   []published
	failPub    error
}

func (f *fakeBus) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	f.handler = handler
	return nil
}

func (f *fakeBus) PublishJSON(topic string, v any, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPub != nil {
		return f.failPub
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.messages = append(f.messages, published{topic: topic, data: data})
	return nil
}

func (f *fakeBus) on(topic string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]byte
	for _, m := range f.messages {
		if m.topic == topic {
			out = append(out, m.data)
		}
	}
	return out
}

type fakeHost struct {
	mu    sync.Mutex
	calls []string
}

func (h *fakeHost) record(call string, id uuid.UUID) {
	h.mu.Lock()
	h.calls = append(h.calls, call+" "+id.String())
	h.mu.Unlock()
}

func (h *fakeHost) PlayerJoined(id uuid.UUID) entity.Snapshot {
	h.record("join", id)
	return entity.Default(entity.PlayerKey(id))
}
func (h *fakeHost) PlayerLeft(id uuid.UUID) { h.record("leave", id) }
func (h *fakeHost) NPCSpawned(id uuid.UUID) entity.Snapshot {
	h.record("spawn", id)
	return entity.Default(entity.NPCKey(id))
}
func (h *fakeHost) NPCDespawned(id uuid.UUID) { h.record("despawn", id) }

func newTestBridge(t *testing.T) (*Bridge, *fakeBus, *fakeHost, *state.Registry, *storetest.Memory) {
	t.Helper()
	mem := storetest.NewMemory()
	eng := syncengine.New(mem, cache.New(cache.Options{}), syncengine.Options{Workers: 2})
	if err := eng.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Shutdown(ctx) //nolint:errcheck // Test cleanup
	})

	reg := state.NewRegistry(eng, state.Options{Context: "survival"})
	bus := &fakeBus{}
	host := &fakeHost{}
	return NewBridge(bus, mqtt.NewTopics("survival"), host, reg), bus, host, reg, mem
}

func TestBridge_Start(t *testing.T) {
	b, bus, _, _, _ := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()
	b.Wait()

	if len(bus.subscribed) != 1 || bus.subscribed[0] != "rebus/survival/events/#" {
		t.Errorf("subscribed = %v", bus.subscribed)
	}
}

func TestBridge_Residency(t *testing.T) {
	b, _, host, _, _ := newTestBridge(t)
	topics := mqtt.NewTopics("survival")
	id := uuid.New()
	payload := []byte(fmt.Sprintf(`{"id":%q}`, id))

	for _, kind := range []string{mqtt.EventPlayerJoin, mqtt.EventNPCSpawn, mqtt.EventNPCDespawn, mqtt.EventPlayerLeave} {
		if err := b.Handle(topics.Event(kind), payload); err != nil {
			t.Fatalf("Handle(%s) error = %v", kind, err)
		}
	}

	want := []string{"join " + id.String(), "spawn " + id.String(), "despawn " + id.String(), "leave " + id.String()}
	if fmt.Sprint(host.calls) != fmt.Sprint(want) {
		t.Errorf("host calls = %v, want %v", host.calls, want)
	}
}

func TestBridge_Rejections(t *testing.T) {
	b, _, host, _, _ := newTestBridge(t)
	topics := mqtt.NewTopics("survival")

	tests := []struct {
		name    string
		topic   string
		payload string
		wantErr error
	}{
		{"other context", "rebus/skyblock/events/player/join", `{"id":"` + uuid.NewString() + `"}`, ErrUnknownEvent},
		{"unknown kind", topics.Event("player/dance"), `{}`, ErrUnknownEvent},
		{"malformed json", topics.Event(mqtt.EventPlayerJoin), `{`, nil},
		{"bad uuid", topics.Event(mqtt.EventNPCSpawn), `{"id":"nope"}`, nil},
		{"bad delete type", topics.Event(mqtt.EventEntityDelete), `{"type":"chest","id":"` + uuid.NewString() + `"}`, entity.ErrInvalidKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.Handle(tt.topic, []byte(tt.payload))
			if err == nil {
				t.Fatal("Handle() error = nil")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Handle() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if len(host.calls) != 0 {
		t.Errorf("host called for rejected events: %v", host.calls)
	}
}

func TestBridge_Economy(t *testing.T) {
	b, bus, _, reg, _ := newTestBridge(t)
	topics := mqtt.NewTopics("survival")
	id := uuid.New()
	key := entity.PlayerKey(id)

	send := func(kind string, amount int64, requestID string) EconomyResult {
		t.Helper()
		payload := fmt.Sprintf(`{"id":%q,"amount":%d,"request_id":%q}`, id, amount, requestID)
		if err := b.Handle(topics.Event(kind), []byte(payload)); err != nil {
			t.Fatalf("Handle(%s) error = %v", kind, err)
		}
		results := bus.on(topics.EconomyResult())
		var res EconomyResult
		if err := json.Unmarshal(results[len(results)-1], &res); err != nil {
			t.Fatalf("decoding result: %v", err)
		}
		return res
	}

	tests := []struct {
		name        string
		kind        string
		amount      int64
		wantOK      bool
		wantBalance int64
		wantOp      string
	}{
		{"deposit", mqtt.EventEconomyDeposit, 100, true, 100, "deposit"},
		{"withdraw", mqtt.EventEconomyWithdraw, 30, true, 70, "withdraw"},
		{"overdraw", mqtt.EventEconomyWithdraw, 500, false, 70, "withdraw"},
		{"zero deposit", mqtt.EventEconomyDeposit, 0, false, 70, "deposit"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requestID := fmt.Sprintf("req-%d", i)
			res := send(tt.kind, tt.amount, requestID)
			if res.OK != tt.wantOK || res.Balance != tt.wantBalance || res.Op != tt.wantOp {
				t.Errorf("result = %+v, want ok=%v balance=%d op=%s", res, tt.wantOK, tt.wantBalance, tt.wantOp)
			}
			if res.RequestID != requestID || res.Key != key.String() {
				t.Errorf("result identity = %q %q", res.RequestID, res.Key)
			}
			if !tt.wantOK && res.Error == "" {
				t.Error("rejected result carries no error")
			}
		})
	}

	if got := reg.Balance(key); got != 70 {
		t.Errorf("Balance() = %d, want 70", got)
	}
}

func TestBridge_EconomyInvalidKeyStillAnswers(t *testing.T) {
	b, bus, _, _, _ := newTestBridge(t)
	topics := mqtt.NewTopics("survival")

	if err := b.Handle(topics.Event(mqtt.EventEconomyDeposit), []byte(`{"id":"bad","amount":5,"request_id":"r1"}`)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	results := bus.on(topics.EconomyResult())
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	var res EconomyResult
	if err := json.Unmarshal(results[0], &res); err != nil {
		t.Fatal(err)
	}
	if res.OK || res.RequestID != "r1" || res.Error == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestBridge_Delete(t *testing.T) {
	b, _, _, reg, _ := newTestBridge(t)
	topics := mqtt.NewTopics("survival")
	key := entity.NPCKey(uuid.New())
	if _, err := reg.SetBalance(key, 12); err != nil {
		t.Fatalf("SetBalance() error = %v", err)
	}

	payload := fmt.Sprintf(`{"type":"npc","id":%q}`, key.ID)
	if err := b.Handle(topics.Event(mqtt.EventEntityDelete), []byte(payload)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if got := reg.Balance(key); got != 0 {
		t.Errorf("Balance() after delete = %d, want 0", got)
	}
}

func TestBridge_Alerts(t *testing.T) {
	b, bus, _, _, _ := newTestBridge(t)
	ctx, cancel := context.WithCancel(context.Background())
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	key := entity.PlayerKey(uuid.New())
	b.Alert(syncengine.Alert{
		Key:      key,
		Op:       "flush",
		Class:    entity.ClassFatal,
		Err:      errors.New("access denied"),
		Attempts: 1,
		At:       time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	})
	cancel()
	b.Wait()

	alerts := bus.on(mqtt.NewTopics("survival").Alerts())
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	var msg AlertMessage
	if err := json.Unmarshal(alerts[0], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Key != key.String() || msg.Class != "fatal" || msg.Error != "access denied" || msg.Op != "flush" {
		t.Errorf("alert = %+v", msg)
	}
}

func TestBridge_AlertBufferFull(t *testing.T) {
	b, _, _, _, _ := newTestBridge(t)
	for range alertBuffer + 3 {
		b.Alert(syncengine.Alert{Key: entity.PlayerKey(uuid.New())})
	}
	if got := b.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}
