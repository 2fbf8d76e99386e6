package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nkoutso/federa/internal/broadcast"
	"github.com/nkoutso/federa/internal/consensus"
	"github.com/nkoutso/federa/internal/lifecycle"
	"github.com/nkoutso/federa/internal/registry"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Swarms
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("POST /api/swarms", s.registerSwarm)
	mux.HandleFunc("GET /api/swarms/{id}", s.getSwarm)
	mux.HandleFunc("PATCH /api/swarms/{id}/status", s.setSwarmStatus)

	// Ephemeral agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents", s.spawnAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.getAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.terminateAgent)
	mux.HandleFunc("POST /api/agents/{id}/complete", s.completeAgent)

	// Broadcast
	mux.HandleFunc("POST /api/broadcast", s.sendBroadcast)

	// Proposals
	mux.HandleFunc("GET /api/proposals", s.listProposals)
	mux.HandleFunc("POST /api/proposals", s.createProposal)
	mux.HandleFunc("GET /api/proposals/{id}", s.getProposal)
	mux.HandleFunc("POST /api/proposals/{id}/votes", s.castVote)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	filter := registry.ListFilter{
		Status:     registry.Status(r.URL.Query().Get("status")),
		Capability: r.URL.Query().Get("capability"),
	}
	jsonResponse(w, s.fed.ListSwarms(filter))
}

func (s *Server) registerSwarm(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sw, err := s.fed.RegisterSwarm(req)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, sw)
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	sw, err := s.fed.GetSwarm(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, sw)
}

func (s *Server) setSwarmStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status registry.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch body.Status {
	case registry.StatusActive, registry.StatusDegraded, registry.StatusOffline:
	default:
		jsonError(w, "invalid status", http.StatusBadRequest)
		return
	}

	if err := s.fed.SetSwarmStatus(r.PathValue("id"), body.Status); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	agents := s.fed.ListAgents(
		r.URL.Query().Get("swarm"),
		lifecycle.Status(r.URL.Query().Get("status")),
		limit,
	)
	jsonResponse(w, agents)
}

func (s *Server) spawnAgent(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.fed.SpawnAgent(r.Context(), req)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, res)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.fed.GetAgent(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, a)
}

func (s *Server) terminateAgent(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "requested"
	}
	terminated := s.fed.TerminateAgent(r.PathValue("id"), reason)
	jsonResponse(w, map[string]bool{"terminated": terminated})
}

func (s *Server) completeAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.fed.CompleteAgent(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) sendBroadcast(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SourceSwarmID string          `json:"source_swarm_id"`
		Payload       json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.fed.Broadcast(r.Context(), body.SourceSwarmID, body.Payload)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, res)
}

func (s *Server) listProposals(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.fed.ListProposals(consensus.Status(r.URL.Query().Get("status"))))
}

func (s *Server) createProposal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProposerID string          `json:"proposer_id"`
		Type       string          `json:"type"`
		Value      json.RawMessage `json:"value,omitempty"`
		TimeoutMs  int64           `json:"timeout_ms,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.fed.Propose(body.ProposerID, body.Type, body.Value, time.Duration(body.TimeoutMs)*time.Millisecond)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, p)
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	p, err := s.fed.GetProposal(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, p)
}

func (s *Server) castVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SwarmID string `json:"swarm_id"`
		Approve bool   `json:"approve"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.fed.Vote(body.SwarmID, r.PathValue("id"), body.Approve)
	if err != nil {
		jsonError(w, err.Error(), errorStatus(err))
		return
	}
	jsonResponse(w, res)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"version": s.version,
		"uptime":  time.Since(s.startedAt).Round(time.Second).String(),
		"stats":   s.fed.Stats(),
	})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownSwarm),
		errors.Is(err, lifecycle.ErrUnknownAgent),
		errors.Is(err, consensus.ErrUnknownProposal),
		errors.Is(err, consensus.ErrUnknownProposer),
		errors.Is(err, consensus.ErrUnknownVoter),
		errors.Is(err, broadcast.ErrUnknownSource):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrNoCapacity),
		errors.Is(err, registry.ErrCapacityExceeded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
