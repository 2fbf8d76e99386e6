package web

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nkoutso/federa/internal/broadcast"
	"github.com/nkoutso/federa/internal/config"
	"github.com/nkoutso/federa/internal/consensus"
	"github.com/nkoutso/federa/internal/federation"
	"github.com/nkoutso/federa/internal/lifecycle"
	"github.com/nkoutso/federa/internal/registry"
)

func newTestServer(t *testing.T, cfg config.WebConfig) (*Server, *federation.Hub) {
	t.Helper()
	reg := registry.New(nil, nil, nil)
	agents := lifecycle.NewManager(reg, nil, nil, time.Minute, 0)
	cons := consensus.NewCoordinator(reg, nil, nil, 0)
	t.Cleanup(cons.Close)
	router := broadcast.NewRouter(reg, broadcast.NewLocalTransport(), time.Second)
	fed := federation.NewHub("test-fed", reg, agents, cons, router)
	return NewServer(fed, nil, cfg, "test"), fed
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func TestSwarmEndpoints(t *testing.T) {
	s, _ := newTestServer(t, config.WebConfig{})
	handler := s.routes()

	rr := doJSON(t, handler, "POST", "/api/swarms", registry.RegisterRequest{
		ID: "alpha", Name: "Alpha", MaxAgents: 3, Capabilities: []string{"scrape"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("register status %d: %s", rr.Code, rr.Body)
	}

	rr = doJSON(t, handler, "GET", "/api/swarms", nil)
	var swarms []registry.Swarm
	if err := json.Unmarshal(rr.Body.Bytes(), &swarms); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(swarms) != 1 || swarms[0].ID != "alpha" {
		t.Errorf("unexpected swarm list: %+v", swarms)
	}

	rr = doJSON(t, handler, "GET", "/api/swarms/ghost", nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown swarm, got %d", rr.Code)
	}

	rr = doJSON(t, handler, "PATCH", "/api/swarms/alpha/status", map[string]string{"status": "degraded"})
	if rr.Code != http.StatusOK {
		t.Fatalf("set status %d: %s", rr.Code, rr.Body)
	}

	rr = doJSON(t, handler, "PATCH", "/api/swarms/alpha/status", map[string]string{"status": "bogus"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid status, got %d", rr.Code)
	}
}

func TestAgentEndpoints(t *testing.T) {
	s, _ := newTestServer(t, config.WebConfig{})
	handler := s.routes()

	doJSON(t, handler, "POST", "/api/swarms", registry.RegisterRequest{ID: "a", Name: "a", MaxAgents: 1})

	rr := doJSON(t, handler, "POST", "/api/agents", lifecycle.SpawnRequest{Type: "worker", Task: "crawl"})
	if rr.Code != http.StatusOK {
		t.Fatalf("spawn status %d: %s", rr.Code, rr.Body)
	}
	var res lifecycle.SpawnResult
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Agent.SwarmID != "a" {
		t.Errorf("unexpected placement: %s", res.Agent.SwarmID)
	}

	// Capacity exhausted maps to conflict.
	rr = doJSON(t, handler, "POST", "/api/agents", lifecycle.SpawnRequest{Type: "worker", Task: "crawl"})
	if rr.Code != http.StatusConflict {
		t.Errorf("expected 409 at capacity, got %d: %s", rr.Code, rr.Body)
	}

	rr = doJSON(t, handler, "DELETE", "/api/agents/"+res.Agent.ID+"?reason=done", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("terminate status %d: %s", rr.Code, rr.Body)
	}
	var term map[string]bool
	if err := json.Unmarshal(rr.Body.Bytes(), &term); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !term["terminated"] {
		t.Error("expected terminated=true")
	}

	// Idempotent: second delete reports false.
	rr = doJSON(t, handler, "DELETE", "/api/agents/"+res.Agent.ID, nil)
	if err := json.Unmarshal(rr.Body.Bytes(), &term); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if term["terminated"] {
		t.Error("second terminate must report false")
	}
}

func TestProposalEndpoints(t *testing.T) {
	s, _ := newTestServer(t, config.WebConfig{})
	handler := s.routes()

	for _, id := range []string{"a", "b", "c"} {
		doJSON(t, handler, "POST", "/api/swarms", registry.RegisterRequest{ID: id, Name: id, MaxAgents: 1})
	}

	rr := doJSON(t, handler, "POST", "/api/proposals", map[string]any{
		"proposer_id": "a", "type": "config_change", "timeout_ms": 60000,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("propose status %d: %s", rr.Code, rr.Body)
	}
	var p consensus.Proposal
	if err := json.Unmarshal(rr.Body.Bytes(), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	rr = doJSON(t, handler, "POST", "/api/proposals/"+p.ID+"/votes", map[string]any{"swarm_id": "a", "approve": true})
	if rr.Code != http.StatusOK {
		t.Fatalf("vote status %d: %s", rr.Code, rr.Body)
	}
	rr = doJSON(t, handler, "POST", "/api/proposals/"+p.ID+"/votes", map[string]any{"swarm_id": "b", "approve": true})
	var vr consensus.VoteResult
	if err := json.Unmarshal(rr.Body.Bytes(), &vr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if vr.Status != consensus.StatusApproved {
		t.Errorf("expected approval at quorum, got %s", vr.Status)
	}

	rr = doJSON(t, handler, "POST", "/api/proposals", map[string]any{"proposer_id": "ghost", "type": "x"})
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown proposer, got %d", rr.Code)
	}
}

func TestBroadcastEndpoint(t *testing.T) {
	s, _ := newTestServer(t, config.WebConfig{})
	handler := s.routes()

	for _, id := range []string{"a", "b"} {
		doJSON(t, handler, "POST", "/api/swarms", registry.RegisterRequest{ID: id, Name: id, MaxAgents: 1})
	}

	rr := doJSON(t, handler, "POST", "/api/broadcast", map[string]any{
		"source_swarm_id": "a", "payload": map[string]string{"msg": "hi"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("broadcast status %d: %s", rr.Code, rr.Body)
	}
	var res broadcast.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.Delivered != 1 {
		t.Errorf("expected 1 delivery, got %d", res.Delivered)
	}

	rr = doJSON(t, handler, "POST", "/api/broadcast", map[string]any{"source_swarm_id": "ghost"})
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown source, got %d", rr.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t, config.WebConfig{})
	handler := s.routes()

	rr := doJSON(t, handler, "GET", "/api/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body)
	}
	var body struct {
		Version string           `json:"version"`
		Stats   federation.Stats `json:"stats"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Version != "test" {
		t.Errorf("unexpected version: %s", body.Version)
	}
	if body.Stats.Name != "test-fed" {
		t.Errorf("unexpected federation name: %s", body.Stats.Name)
	}
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, config.WebConfig{Auth: "secret"})
	handler := s.routes()

	rr := doJSON(t, handler, "GET", "/api/swarms", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without credentials, got %d", rr.Code)
	}

	req := httptest.NewRequest("GET", "/api/swarms", nil)
	req.SetBasicAuth("any", "secret")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with basic auth, got %d", rec.Code)
	}

	// Login issues a session cookie usable on later requests.
	rr = doJSON(t, handler, "POST", "/api/login", map[string]string{"password": "secret"})
	if rr.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", rr.Code, rr.Body)
	}
	cookies := rr.Result().Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected session cookie")
	}

	req = httptest.NewRequest("GET", "/api/swarms", nil)
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 with session cookie, got %d", rec.Code)
	}
}
