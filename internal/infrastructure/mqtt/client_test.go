package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/tavstaldev/rebus-core/internal/infrastructure/config"
)

// testConfig returns a configuration for a local broker at 127.0.0.1:1883.
func testConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func TestTopics(t *testing.T) {
	topics := NewTopics("survival")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"Prefix", topics.Prefix(), "rebus/survival"},
		{"Status", topics.Status(), "rebus/survival/status"},
		{"Alerts", topics.Alerts(), "rebus/survival/alerts"},
		{"Event", topics.Event(EventPlayerJoin), "rebus/survival/events/player/join"},
		{"AllEvents", topics.AllEvents(), "rebus/survival/events/#"},
		{"EconomyResult", topics.EconomyResult(), "rebus/survival/economy/result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTopics_EventKind(t *testing.T) {
	topics := NewTopics("skyblock")

	tests := []struct {
		topic    string
		wantKind string
		wantOK   bool
	}{
		{"rebus/skyblock/events/economy/deposit", EventEconomyDeposit, true},
		{"rebus/skyblock/events/npc/despawn", EventNPCDespawn, true},
		{"rebus/skyblock/events/", "", false},
		{"rebus/survival/events/player/join", "", false},
		{"rebus/skyblock/status", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			kind, ok := topics.EventKind(tt.topic)
			if kind != tt.wantKind || ok != tt.wantOK {
				t.Errorf("EventKind() = %q, %v, want %q, %v", kind, ok, tt.wantKind, tt.wantOK)
			}
		})
	}
}

func TestStatusPayload(t *testing.T) {
	var p StatusPayload
	if err := json.Unmarshal(statusPayload(StatusOffline, "rebus-1", "unexpected_disconnect"), &p); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if p.Status != StatusOffline || p.ClientID != "rebus-1" || p.Reason != "unexpected_disconnect" {
		t.Errorf("payload = %+v", p)
	}
	if p.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}

	online := string(statusPayload(StatusOnline, "rebus-1", ""))
	if strings.Contains(online, "reason") {
		t.Errorf("online payload %s carries a reason", online)
	}
}

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig("rebus-opts")
	cfg.Broker.TLS = true
	cfg.Auth = config.MQTTAuthConfig{Username: "core", Password: "secret"}

	opts := buildClientOptions(cfg)
	if len(opts.Servers) != 1 || opts.Servers[0].String() != "ssl://127.0.0.1:1883" {
		t.Errorf("Servers = %v", opts.Servers)
	}
	if opts.ClientID != "rebus-opts" || opts.Username != "core" {
		t.Errorf("identity = %q / %q", opts.ClientID, opts.Username)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS not configured")
	}

	configureLWT(opts, NewTopics("survival"), cfg.Broker.ClientID)
	if !opts.WillEnabled || opts.WillTopic != "rebus/survival/status" || !opts.WillRetained {
		t.Errorf("LWT = enabled %v topic %q retained %v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}
}

func TestClient_Disconnected(t *testing.T) {
	c := newClient(testConfig("rebus-offline"), NewTopics("survival"))
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{"publish empty topic", func() error { return c.Publish("", nil, 1, false) }, ErrInvalidTopic},
		{"publish bad qos", func() error { return c.Publish("t", nil, 3, false) }, ErrInvalidQoS},
		{"publish oversized", func() error { return c.Publish("t", make([]byte, maxPayloadSize+1), 1, false) }, ErrPublishFailed},
		{"publish offline", func() error { return c.Publish("t", []byte("x"), 1, false) }, ErrNotConnected},
		{"publish json unencodable", func() error { return c.PublishJSON("t", make(chan int), false) }, ErrPublishFailed},
		{"publish retained offline", func() error { return c.PublishRetained("t", []byte("x")) }, ErrNotConnected},
		{"subscribe empty topic", func() error { return c.Subscribe("", 1, noop) }, ErrInvalidTopic},
		{"subscribe bad qos", func() error { return c.Subscribe("t", 3, noop) }, ErrInvalidQoS},
		{"subscribe nil handler", func() error { return c.Subscribe("t", 1, nil) }, ErrSubscribeFailed},
		{"subscribe offline", func() error { return c.Subscribe("t", 1, noop) }, ErrNotConnected},
		{"unsubscribe empty topic", func() error { return c.Unsubscribe("") }, ErrInvalidTopic},
		{"unsubscribe offline", func() error { return c.Unsubscribe("t") }, ErrNotConnected},
		{"health check", func() error { return c.HealthCheck(context.Background()) }, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if c.SubscriptionCount() != 0 || c.HasSubscription("t") {
		t.Error("failed subscriptions were tracked")
	}
}

func TestClient_HealthCheckCancelled(t *testing.T) {
	c := newClient(testConfig("rebus-cancelled"), NewTopics("survival"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestClient_QoSFallback(t *testing.T) {
	tests := []struct {
		configured int
		want       byte
	}{
		{0, 0},
		{2, 2},
		{7, 1},
		{-1, 1},
	}
	for _, tt := range tests {
		cfg := testConfig("rebus-qos")
		cfg.QoS = tt.configured
		if got := newClient(cfg, NewTopics("x")).qos(); got != tt.want {
			t.Errorf("qos(%d) = %d, want %d", tt.configured, got, tt.want)
		}
	}
}

func TestClient_DispatchRecovers(t *testing.T) {
	c := newClient(testConfig("rebus-dispatch"), NewTopics("survival"))
	logger := &recordingLogger{}
	c.SetLogger(logger)

	c.dispatch(func(string, []byte) error { panic("boom") }, "t", nil)
	c.dispatch(func(string, []byte) error { return errors.New("bad payload") }, "t", nil)
	c.dispatch(func(string, []byte) error { return nil }, "t", nil)

	if len(logger.errors) != 1 || len(logger.warns) != 1 {
		t.Errorf("errors = %v, warns = %v", logger.errors, logger.warns)
	}
}

func TestClient_CloseNil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}
