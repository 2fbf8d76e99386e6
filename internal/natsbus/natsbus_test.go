package natsbus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nkoutso/federa/internal/config"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus, err := New(config.NATSConfig{
		Port:    -1, // random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	return bus
}

func TestBusStartStop(t *testing.T) {
	bus := newTestBus(t)
	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
}

func TestPubSub(t *testing.T) {
	bus := newTestBus(t)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe(TopicSwarmInbox("s1"), func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish(TopicSwarmInbox("s1"), []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishJSON(t *testing.T) {
	bus := newTestBus(t)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan string, 1)
	_, err = client.Subscribe(TopicEventsStats, func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	payload := map[string]string{"key": "value"}
	if err := client.PublishJSON(TopicEventsStats, payload); err != nil {
		t.Fatalf("publish json error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != `{"key":"value"}` {
			t.Errorf("expected json, got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestPublishEventEnvelope(t *testing.T) {
	bus := newTestBus(t)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	received := make(chan []byte, 1)
	_, err = client.Subscribe(TopicEventsSwarm("s1"), func(msg *nats.Msg) {
		received <- msg.Data
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	err = client.PublishEvent(TopicEventsSwarm("s1"), "swarm_registered", "swarm_id", "s1", map[string]any{"max_agents": 3})
	if err != nil {
		t.Fatalf("publish event error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		var event map[string]any
		if err := json.Unmarshal(data, &event); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if event["type"] != "swarm_registered" {
			t.Errorf("unexpected type: %v", event["type"])
		}
		if event["swarm_id"] != "s1" {
			t.Errorf("unexpected swarm_id: %v", event["swarm_id"])
		}
		ts, _ := event["timestamp"].(string)
		if _, err := time.Parse(time.RFC3339, ts); err != nil {
			t.Errorf("bad timestamp %q: %v", ts, err)
		}
		inner, ok := event["data"].(map[string]any)
		if !ok || inner["max_agents"] != float64(3) {
			t.Errorf("unexpected data: %v", event["data"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicSwarmInbox("s1"); got != "fed.swarm.s1.inbox" {
		t.Errorf("expected fed.swarm.s1.inbox, got %s", got)
	}
	if got := TopicEventsSwarm("s1"); got != "events.federation.swarm.s1" {
		t.Errorf("expected events.federation.swarm.s1, got %s", got)
	}
	if got := TopicEventsAgent("a1"); got != "events.federation.agent.a1" {
		t.Errorf("expected events.federation.agent.a1, got %s", got)
	}
	if got := TopicEventsProposal("p1"); got != "events.federation.proposal.p1" {
		t.Errorf("expected events.federation.proposal.p1, got %s", got)
	}
}
