package influxdb

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/google/uuid"

	"github.com/tavstaldev/rebus-core/internal/entity"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/config"
)

// fakeWriteAPI records points. Methods the client never calls are left to
// the embedded nil interface.
type fakeWriteAPI struct {
	api.WriteAPI

	mu      sync.Mutex
	points  []*write.Point
	flushes int
	errs    chan error
}

func (f *fakeWriteAPI) WritePoint(p *write.Point) {
	f.mu.Lock()
	f.points = append(f.points, p)
	f.mu.Unlock()
}

func (f *fakeWriteAPI) Flush() {
	f.mu.Lock()
	f.flushes++
	f.mu.Unlock()
}

func (f *fakeWriteAPI) Errors() <-chan error { return f.errs }

func newTestClient(t *testing.T) (*Client, *fakeWriteAPI) {
	t.Helper()
	fake := &fakeWriteAPI{errs: make(chan error, 1)}
	c := newClient(influxdb2.NewClient("http://127.0.0.1:1", "token"), fake, "lobby-1")
	t.Cleanup(func() {
		c.Close() //nolint:errcheck // Test cleanup
		close(fake.errs)
	})
	return c, fake
}

func tags(p *write.Point) map[string]string {
	out := make(map[string]string)
	for _, tag := range p.TagList() {
		out[tag.Key] = tag.Value
	}
	return out
}

func fields(p *write.Point) map[string]any {
	out := make(map[string]any)
	for _, f := range p.FieldList() {
		out[f.Key] = f.Value
	}
	return out
}

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: false}, "lobby-1")
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(config.InfluxDBConfig{Enabled: true, URL: "http://127.0.0.1:1", Token: "t"}, "lobby-1")
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClient_ObserveOperations(t *testing.T) {
	c, fake := newTestClient(t)
	player := entity.PlayerKey(uuid.New())
	npc := entity.NPCKey(uuid.New())

	c.ObserveLoad(player, 3*time.Millisecond, nil)
	c.ObserveLoad(npc, time.Millisecond, entity.NewStoreError(entity.ClassNotFound, "load", npc, entity.ErrNotFound))
	c.ObserveFlush(player, 4, 2*time.Millisecond, entity.NewStoreError(entity.ClassPoolTimeout, "save", player, errors.New("pool")))
	c.ObserveQueue(7, 2, 1)

	if len(fake.points) != 4 {
		t.Fatalf("points = %d, want 4", len(fake.points))
	}

	tests := []struct {
		name        string
		point       *write.Point
		measurement string
		wantTags    map[string]string
		wantFields  map[string]any
	}{
		{
			name:        "load ok",
			point:       fake.points[0],
			measurement: MeasurementLoad,
			wantTags:    map[string]string{"server": "lobby-1", "record_type": "player", "result": "ok"},
			wantFields:  map[string]any{"took_ms": 3.0},
		},
		{
			name:        "load not found",
			point:       fake.points[1],
			measurement: MeasurementLoad,
			wantTags:    map[string]string{"record_type": "npc", "result": "not_found"},
		},
		{
			name:        "flush pool timeout",
			point:       fake.points[2],
			measurement: MeasurementFlush,
			wantTags:    map[string]string{"result": "pool_timeout"},
			wantFields:  map[string]any{"writes": int64(4), "took_ms": 2.0},
		},
		{
			name:        "queue",
			point:       fake.points[3],
			measurement: MeasurementQueue,
			wantTags:    map[string]string{"server": "lobby-1"},
			wantFields:  map[string]any{"pending_writes": int64(7), "in_flight": int64(2), "failed": int64(1)},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.point.Name() != tt.measurement {
				t.Errorf("measurement = %q, want %q", tt.point.Name(), tt.measurement)
			}
			got := tags(tt.point)
			for k, v := range tt.wantTags {
				if got[k] != v {
					t.Errorf("tag %s = %q, want %q", k, got[k], v)
				}
			}
			gotFields := fields(tt.point)
			for k, v := range tt.wantFields {
				if gotFields[k] != v {
					t.Errorf("field %s = %v (%T), want %v", k, gotFields[k], gotFields[k], v)
				}
			}
		})
	}
}

func TestClient_WriteCacheSample(t *testing.T) {
	c, fake := newTestClient(t)
	c.WriteCacheSample(CacheSample{Entries: 12, Pinned: 3, Hits: 40, Misses: 2})

	if len(fake.points) != 1 || fake.points[0].Name() != MeasurementCache {
		t.Fatalf("points = %v", fake.points)
	}
	f := fields(fake.points[0])
	if f["entries"] != int64(12) || f["hits"] != uint64(40) {
		t.Errorf("fields = %v", f)
	}
}

func TestClient_Close(t *testing.T) {
	c, fake := newTestClient(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if fake.flushes != 1 {
		t.Errorf("flushes on close = %d, want 1", fake.flushes)
	}

	c.ObserveQueue(1, 0, 0)
	c.Flush()
	if len(fake.points) != 0 || fake.flushes != 1 {
		t.Error("client wrote after Close")
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if c.IsConnected() {
		t.Error("IsConnected() = true after Close")
	}
}

func TestClient_CloseNil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestClient_OnError(t *testing.T) {
	c, fake := newTestClient(t)
	got := make(chan error, 1)
	c.SetOnError(func(err error) { got <- err })

	fake.errs <- errors.New("bucket not found")
	select {
	case err := <-got:
		if err.Error() != "bucket not found" {
			t.Errorf("callback error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("write error not delivered")
	}
}
