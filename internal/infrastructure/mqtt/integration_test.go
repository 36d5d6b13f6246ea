//go:build integration

package mqtt

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// Integration tests need a broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func connect(t *testing.T, clientID string, topics Topics) *Client {
	t.Helper()
	c, err := Connect(testConfig(clientID), topics)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // Test cleanup
	return c
}

func TestIntegration_EventRoundtrip(t *testing.T) {
	topics := NewTopics("it-" + time.Now().Format("150405.000"))
	sub := connect(t, "rebus-it-sub", topics)
	pub := connect(t, "rebus-it-pub", topics)

	var (
		mu   sync.Mutex
		got  []string
		done = make(chan struct{})
	)
	err := sub.Subscribe(topics.AllEvents(), 1, func(topic string, _ []byte) error {
		kind, _ := topics.EventKind(topic)
		mu.Lock()
		got = append(got, kind)
		if len(got) == 2 {
			close(done)
		}
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription(topics.AllEvents()) {
		t.Fatal("subscription not tracked")
	}

	for _, kind := range []string{EventPlayerJoin, EventEconomyDeposit} {
		if err := pub.PublishJSON(topics.Event(kind), map[string]string{"kind": kind}, false); err != nil {
			t.Fatalf("PublishJSON() error = %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("received %v before timeout", got)
	}
	if err := sub.Unsubscribe(topics.AllEvents()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
}

func TestIntegration_RetainedStatus(t *testing.T) {
	topics := NewTopics("it-status-" + time.Now().Format("150405.000"))
	connect(t, "rebus-it-core", topics)
	observer := connect(t, "rebus-it-observer", topics)

	statuses := make(chan StatusPayload, 1)
	err := observer.Subscribe(topics.Status(), 1, func(_ string, payload []byte) error {
		var p StatusPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		select {
		case statuses <- p:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case p := <-statuses:
		if p.Status != StatusOnline {
			t.Errorf("retained status = %+v, want online", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no retained status received")
	}
}
