package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tavstaldev/rebus-core/internal/auth"
	"github.com/tavstaldev/rebus-core/internal/cache"
	"github.com/tavstaldev/rebus-core/internal/entity"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/config"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/logging"
	"github.com/tavstaldev/rebus-core/internal/state"
	"github.com/tavstaldev/rebus-core/internal/store/storetest"
	"github.com/tavstaldev/rebus-core/internal/syncengine"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

type testEnv struct {
	srv      *Server
	handler  http.Handler
	registry *state.Registry
	engine   *syncengine.Engine
	mem      *storetest.Memory
	audit    *fakeAudit
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := storetest.NewMemory()
	eng := syncengine.New(mem, cache.New(cache.Options{}), syncengine.Options{
		Workers:      2,
		RetryInitial: time.Millisecond,
		RetryMax:     5 * time.Millisecond,
	})
	if err := eng.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Shutdown(ctx) //nolint:errcheck // Test cleanup
	})
	reg := state.NewRegistry(eng, state.Options{Context: "survival"})
	trail := &fakeAudit{}

	srv, err := New(Deps{
		Config: config.APIConfig{Host: "127.0.0.1", Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5}},
		WS:     config.WebSocketConfig{MaxMessageSize: 8192, PingInterval: 30, PongTimeout: 10},
		Security: config.SecurityConfig{
			JWT: config.JWTConfig{Secret: testSecret, AccessTokenTTL: 15},
		},
		Logger:   logging.Discard(),
		Registry: reg,
		Version:  "test",
		Audit:    trail,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.hub.Run(ctx)

	return &testEnv{srv: srv, handler: srv.Handler(), registry: reg, engine: eng, mem: mem, audit: trail}
}

func (e *testEnv) do(t *testing.T, method, path string, role auth.Role) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if role != "" {
		token, err := auth.GenerateToken("tester", role, testSecret, time.Minute)
		if err != nil {
			t.Fatalf("GenerateToken() error = %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// loaded reads key and waits for its background load to land.
func (e *testEnv) loaded(t *testing.T, key entity.Key) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for e.registry.Read(key).Loading {
		if time.Now().After(deadline) {
			t.Fatalf("timed out loading %s", key)
		}
		time.Sleep(time.Millisecond)
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger succeeded")
	}
	if _, err := New(Deps{Logger: logging.Discard()}); err == nil {
		t.Error("New() without registry succeeded")
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/health", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := decode[map[string]any](t, rec)
	if body["status"] != healthOK || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestHealth_DegradedAndStopped(t *testing.T) {
	env := newTestEnv(t)
	key := entity.PlayerKey(uuid.New())
	env.loaded(t, key)
	env.mem.FailAlways(storetest.OpSave, entity.NewStoreError(entity.ClassFatal, storetest.OpSave, key, errors.New("read-only table")))
	if _, err := env.registry.SetBalance(key, 5); err != nil {
		t.Fatalf("SetBalance() error = %v", err)
	}
	if _, err := env.registry.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow() error = %v", err)
	}

	rec := env.do(t, http.MethodGet, "/api/v1/health", "")
	if body := decode[map[string]any](t, rec); rec.Code != http.StatusOK || body["status"] != healthDegraded {
		t.Errorf("health = %d %v, want 200 degraded", rec.Code, body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	env.engine.Shutdown(ctx) //nolint:errcheck // Failed key stays undrained
	rec = env.do(t, http.MethodGet, "/api/v1/health", "")
	if body := decode[map[string]any](t, rec); rec.Code != http.StatusServiceUnavailable || body["status"] != healthStopped {
		t.Errorf("health = %d %v, want 503 stopped", rec.Code, body)
	}
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", "")
	if _, err := uuid.Parse(rec.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("generated X-Request-ID %q: %v", rec.Header().Get("X-Request-ID"), err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-supplied" {
		t.Errorf("X-Request-ID = %q, want client-supplied", got)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)
	env.srv.cfg.CORS.AllowedOrigins = []string{"https://panel.example"}
	handler := env.srv.Handler()

	tests := []struct {
		origin    string
		wantAllow string
	}{
		{"https://panel.example", "https://panel.example"},
		{"https://evil.example", ""},
	}
	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodOptions, "/api/v1/flush", nil)
			req.Header.Set("Origin", tt.origin)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusNoContent {
				t.Errorf("preflight status = %d, want 204", rec.Code)
			}
			if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.wantAllow {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantAllow)
			}
		})
	}
}

func TestGetEntity(t *testing.T) {
	env := newTestEnv(t)
	key := entity.NPCKey(uuid.New())
	env.mem.Put(entity.Snapshot{Key: key, Revision: 3, State: entity.State{Balance: 42}})

	path := "/api/v1/entities/npc/" + key.ID.String()
	deadline := time.Now().Add(2 * time.Second)
	var view entityView
	for {
		rec := env.do(t, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body)
		}
		view = decode[entityView](t, rec)
		if !view.Loading {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("entity still loading")
		}
		time.Sleep(time.Millisecond)
	}

	if view.Key != key || view.Type != entity.RecordNPC || view.Revision != 3 || view.State.Balance != 42 {
		t.Errorf("view = %+v", view)
	}
	if view.Sync != nil {
		t.Errorf("sync = %+v, want none for a clean entity", view.Sync)
	}
}

func TestGetEntity_BadKey(t *testing.T) {
	env := newTestEnv(t)
	tests := []string{
		"/api/v1/entities/chest/" + uuid.NewString(),
		"/api/v1/entities/player/not-a-uuid",
		"/api/v1/entities/player/" + uuid.Nil.String(),
	}
	for _, path := range tests {
		t.Run(path, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, path, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if body := decode[Error](t, rec); body.Code != ErrCodeBadRequest {
				t.Errorf("code = %q", body.Code)
			}
		})
	}
}

func TestOperatorRoutes_Auth(t *testing.T) {
	env := newTestEnv(t)
	entityPath := "/api/v1/entities/player/" + uuid.NewString()

	tests := []struct {
		name   string
		method string
		path   string
		role   auth.Role
		want   int
	}{
		{"flush anonymous", http.MethodPost, "/api/v1/flush", "", http.StatusUnauthorized},
		{"flush viewer", http.MethodPost, "/api/v1/flush", auth.RoleViewer, http.StatusForbidden},
		{"flush operator", http.MethodPost, "/api/v1/flush", auth.RoleOperator, http.StatusOK},
		{"retry all viewer", http.MethodPost, "/api/v1/retry", auth.RoleViewer, http.StatusForbidden},
		{"retry all operator", http.MethodPost, "/api/v1/retry", auth.RoleOperator, http.StatusOK},
		{"retry entity anonymous", http.MethodPost, entityPath + "/retry", "", http.StatusUnauthorized},
		{"retry entity operator", http.MethodPost, entityPath + "/retry", auth.RoleOperator, http.StatusOK},
		{"delete viewer", http.MethodDelete, entityPath, auth.RoleViewer, http.StatusForbidden},
		{"delete operator", http.MethodDelete, entityPath, auth.RoleOperator, http.StatusAccepted},
		{"read anonymous", http.MethodGet, entityPath, "", http.StatusOK},
		{"status anonymous", http.MethodGet, "/api/v1/status", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := env.do(t, tt.method, tt.path, tt.role); rec.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestAuthMiddleware_BadTokens(t *testing.T) {
	env := newTestEnv(t)
	otherSecret, err := auth.GenerateToken("x", auth.RoleOperator, "another-secret-of-sufficient-length", time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	for _, header := range []string{"", "Bearer ", "Basic abc", "Bearer " + otherSecret, "Bearer garbage"} {
		t.Run(header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/flush", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestFlushAndRetry(t *testing.T) {
	env := newTestEnv(t)
	key := entity.PlayerKey(uuid.New())
	env.loaded(t, key)
	env.mem.FailNext(storetest.OpSave, 1, entity.NewStoreError(entity.ClassFatal, storetest.OpSave, key, errors.New("access denied")))
	if _, err := env.registry.Deposit(key, 10); err != nil {
		t.Fatalf("Deposit() error = %v", err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/flush", auth.RoleOperator)
	flush := decode[map[string]any](t, rec)
	if flush["flushed"] != float64(1) || flush["failed_keys"] != float64(1) {
		t.Fatalf("flush = %v", flush)
	}

	path := "/api/v1/entities/player/" + key.ID.String()
	view := decode[entityView](t, env.do(t, http.MethodGet, path, ""))
	if view.Sync == nil || !view.Sync.Failed || view.Sync.ClassName != "fatal" || view.Sync.Key != key {
		t.Fatalf("sync = %+v, want failed fatal", view.Sync)
	}

	status := decode[syncengine.Status](t, env.do(t, http.MethodGet, "/api/v1/status", ""))
	if len(status.Failed) != 1 || status.Failed[0].Key != key {
		t.Errorf("status.failed = %+v", status.Failed)
	}

	retry := decode[map[string]any](t, env.do(t, http.MethodPost, path+"/retry", auth.RoleOperator))
	if retry["retried"] != true || retry["key"] != key.String() {
		t.Errorf("retry = %v", retry)
	}
	env.do(t, http.MethodPost, "/api/v1/flush", auth.RoleOperator)

	if snap, ok := env.mem.Get(key); !ok || snap.State.Balance != 10 {
		t.Errorf("stored = %+v, %v; want balance 10", snap, ok)
	}
	if again := decode[map[string]any](t, env.do(t, http.MethodPost, path+"/retry", auth.RoleOperator)); again["retried"] != false {
		t.Errorf("second retry = %v, want retried=false", again)
	}
}

func TestRetryAll(t *testing.T) {
	env := newTestEnv(t)
	env.mem.FailNext(storetest.OpSave, 2, entity.NewStoreError(entity.ClassFatal, storetest.OpSave, entity.Key{}, errors.New("access denied")))
	for range 2 {
		key := entity.PlayerKey(uuid.New())
		env.loaded(t, key)
		if _, err := env.registry.Deposit(key, 1); err != nil {
			t.Fatal(err)
		}
	}
	env.do(t, http.MethodPost, "/api/v1/flush", auth.RoleOperator)

	body := decode[map[string]any](t, env.do(t, http.MethodPost, "/api/v1/retry", auth.RoleOperator))
	if body["retried"] != float64(2) {
		t.Errorf("retried = %v, want 2", body["retried"])
	}
}

func TestDeleteEntity(t *testing.T) {
	env := newTestEnv(t)
	key := entity.PlayerKey(uuid.New())
	env.mem.Put(entity.Snapshot{Key: key, Revision: 1, State: entity.State{Balance: 9}})

	rec := env.do(t, http.MethodDelete, "/api/v1/entities/player/"+key.ID.String(), auth.RoleOperator)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body)
	}
	if view := decode[entityView](t, rec); view.State.Balance != 0 {
		t.Errorf("deleted view = %+v", view)
	}

	env.do(t, http.MethodPost, "/api/v1/flush", auth.RoleOperator)
	if _, ok := env.mem.Get(key); ok {
		t.Error("entity still stored after delete and flush")
	}
}

func TestStoppedEngine(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := env.engine.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/v1/flush"},
		{http.MethodDelete, "/api/v1/entities/npc/" + uuid.NewString()},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := env.do(t, tt.method, tt.path, auth.RoleOperator)
			if rec.Code != http.StatusServiceUnavailable {
				t.Errorf("status = %d, want 503", rec.Code)
			}
		})
	}
}

func TestServer_StartAndClose(t *testing.T) {
	env := newTestEnv(t)
	if err := env.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start = nil")
	}
	env.srv.cfg.Port = 19180

	if err := env.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := env.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() = %v", err)
	}

	var resp *http.Response
	var err error
	for range 50 {
		resp, err = http.Get("http://127.0.0.1:19180/api/v1/health")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()

	if err := env.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if _, err := http.Get("http://127.0.0.1:19180/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func dialWS(t *testing.T, env *testEnv) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(env.handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v (resp: %v)", url, err, resp)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readWS(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	//nolint:errcheck // Test deadline
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWebSocket_EntityUpdates(t *testing.T) {
	env := newTestEnv(t)
	ws := dialWS(t, env)

	if err := ws.WriteJSON(WSMessage{Type: WSTypeSubscribe, ID: "s1", Payload: WSSubscribePayload{Channels: []string{ChannelEntityUpdated}}}); err != nil {
		t.Fatal(err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypeResponse || resp.ID != "s1" {
		t.Fatalf("subscribe response = %+v", resp)
	}

	key := entity.PlayerKey(uuid.New())
	env.loaded(t, key)
	if _, err := env.registry.SetBalance(key, 77); err != nil {
		t.Fatalf("SetBalance() error = %v", err)
	}

	for {
		msg := readWS(t, ws)
		if msg.Type != WSTypeEvent || msg.EventType != ChannelEntityUpdated {
			t.Fatalf("event = %+v", msg)
		}
		payload, _ := msg.Payload.(map[string]any)
		if payload["key"] != key.String() {
			t.Fatalf("payload key = %v, want %s", payload["key"], key)
		}
		state, _ := payload["state"].(map[string]any)
		if state["balance"] == float64(77) {
			break
		}
	}
}

func TestWebSocket_Messages(t *testing.T) {
	env := newTestEnv(t)
	ws := dialWS(t, env)

	tests := []struct {
		name     string
		send     string
		wantType string
	}{
		{"ping", `{"type":"ping","id":"p1"}`, WSTypePong},
		{"invalid json", `{`, WSTypeError},
		{"unknown type", `{"type":"dance"}`, WSTypeError},
		{"unknown channel", `{"type":"subscribe","payload":{"channels":["device.state"]}}`, WSTypeError},
		{"empty channels", `{"type":"subscribe","payload":{"channels":[]}}`, WSTypeError},
		{"unsubscribe", `{"type":"unsubscribe","payload":{"channels":["entity.updated"]}}`, WSTypeResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ws.WriteMessage(websocket.TextMessage, []byte(tt.send)); err != nil {
				t.Fatal(err)
			}
			if got := readWS(t, ws); got.Type != tt.wantType {
				t.Errorf("reply = %+v, want type %s", got, tt.wantType)
			}
		})
	}
}

func TestHub_BroadcastToSubscribed(t *testing.T) {
	hub := NewHub(config.WebSocketConfig{}, logging.Discard())
	subscribed := &WSClient{hub: hub, send: make(chan []byte, 1), subscriptions: map[string]struct{}{ChannelEntityUpdated: {}}}
	other := &WSClient{hub: hub, send: make(chan []byte, 1), subscriptions: map[string]struct{}{}}
	hub.Register(subscribed)
	hub.Register(other)

	hub.Broadcast(ChannelEntityUpdated, map[string]int{"n": 1})
	hub.Broadcast(ChannelEntityUpdated, map[string]int{"n": 2})

	if len(subscribed.send) != 1 {
		t.Errorf("subscribed client queued %d messages, want 1 (buffer full drops)", len(subscribed.send))
	}
	if len(other.send) != 0 {
		t.Error("unsubscribed client received a message")
	}

	hub.Unregister(subscribed)
	hub.Unregister(subscribed)
	if hub.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", hub.ClientCount())
	}
	hub.Broadcast(ChannelEntityUpdated, nil)
}
