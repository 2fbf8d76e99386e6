package federation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nkoutso/federa/internal/broadcast"
	"github.com/nkoutso/federa/internal/config"
	"github.com/nkoutso/federa/internal/consensus"
	"github.com/nkoutso/federa/internal/lifecycle"
	"github.com/nkoutso/federa/internal/natsbus"
	"github.com/nkoutso/federa/internal/registry"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	reg := registry.New(nil, nil, nil)
	agents := lifecycle.NewManager(reg, nil, nil, time.Minute, 0)
	cons := consensus.NewCoordinator(reg, nil, nil, 0)
	t.Cleanup(cons.Close)
	router := broadcast.NewRouter(reg, broadcast.NewLocalTransport(), time.Second)
	return NewHub("test-fed", reg, agents, cons, router)
}

func TestHubStats(t *testing.T) {
	h := newTestHub(t)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := h.RegisterSwarm(registry.RegisterRequest{ID: id, Name: id, MaxAgents: 2}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	if err := h.SetSwarmStatus("c", registry.StatusOffline); err != nil {
		t.Fatalf("set status: %v", err)
	}

	if _, err := h.SpawnAgent(context.Background(), lifecycle.SpawnRequest{Type: "worker", Task: "t"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if _, err := h.Propose("a", "config_change", nil, time.Minute); err != nil {
		t.Fatalf("propose: %v", err)
	}

	stats := h.Stats()
	if stats.Name != "test-fed" {
		t.Errorf("unexpected name: %s", stats.Name)
	}
	if stats.TotalSwarms != 3 || stats.ActiveSwarms != 2 {
		t.Errorf("expected 3 total / 2 active, got %d/%d", stats.TotalSwarms, stats.ActiveSwarms)
	}
	if stats.Agents[lifecycle.StatusActive] != 1 {
		t.Errorf("expected 1 active agent, got %d", stats.Agents[lifecycle.StatusActive])
	}
	if stats.Proposals[consensus.StatusPending] != 1 {
		t.Errorf("expected 1 pending proposal, got %d", stats.Proposals[consensus.StatusPending])
	}
}

func TestDispatchRegisterAndSpawn(t *testing.T) {
	h := newTestHub(t)
	ctx := context.Background()

	resp := h.dispatch(ctx, mustRequest(t, "register_swarm", registry.RegisterRequest{
		ID: "s1", Name: "alpha", MaxAgents: 1, Capabilities: []string{"scrape"},
	}))
	if !resp.OK {
		t.Fatalf("register failed: %s", resp.Error)
	}

	resp = h.dispatch(ctx, mustRequest(t, "spawn_agent", lifecycle.SpawnRequest{Type: "worker", Task: "crawl"}))
	if !resp.OK {
		t.Fatalf("spawn failed: %s", resp.Error)
	}
	var res lifecycle.SpawnResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if res.Agent.SwarmID != "s1" {
		t.Errorf("expected placement on s1, got %s", res.Agent.SwarmID)
	}

	// Second spawn must surface the capacity error through the envelope.
	resp = h.dispatch(ctx, mustRequest(t, "spawn_agent", lifecycle.SpawnRequest{Type: "worker", Task: "crawl"}))
	if resp.OK || resp.Error == "" {
		t.Errorf("expected capacity error, got %+v", resp)
	}
}

func TestDispatchUnknownOp(t *testing.T) {
	h := newTestHub(t)
	resp := h.dispatch(context.Background(), mustRequest(t, "reboot_universe", nil))
	if resp.OK {
		t.Error("unknown op must not succeed")
	}
}

func TestDispatchBadPayload(t *testing.T) {
	h := newTestHub(t)
	resp := h.dispatch(context.Background(), []byte(`{"op":"vote","payload":"not-an-object"}`))
	if resp.OK {
		t.Error("malformed payload must not succeed")
	}
}

func TestServeRPCRoundTrip(t *testing.T) {
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("bus: %v", err)
	}
	t.Cleanup(bus.Close)

	server, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("server client: %v", err)
	}
	t.Cleanup(server.Close)

	h := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.ServeRPC(ctx, server) }()
	server.Flush()

	caller, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("caller client: %v", err)
	}
	t.Cleanup(caller.Close)

	// The subscription lands in a goroutine; retry until it answers.
	var msg *nats.Msg
	for range 10 {
		msg, err = caller.Request(natsbus.TopicRPC, mustRequest(t, "stats", nil), 500*time.Millisecond)
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp RPCResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.OK {
		t.Fatalf("stats failed: %s", resp.Error)
	}
	var stats Stats
	if err := json.Unmarshal(resp.Result, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats.Name != "test-fed" {
		t.Errorf("unexpected name: %s", stats.Name)
	}
}

func mustRequest(t *testing.T, op string, payload any) []byte {
	t.Helper()
	req := RPCRequest{Op: op}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		req.Payload = data
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return data
}
