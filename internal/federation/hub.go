package federation

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nkoutso/federa/internal/broadcast"
	"github.com/nkoutso/federa/internal/consensus"
	"github.com/nkoutso/federa/internal/lifecycle"
	"github.com/nkoutso/federa/internal/registry"
)

// Hub is the federation's operation surface. It owns nothing itself: the
// composition root constructs the four components and hands them over, so
// tests build independent instances instead of sharing process state.
type Hub struct {
	name      string
	registry  *registry.Registry
	agents    *lifecycle.Manager
	consensus *consensus.Coordinator
	router    *broadcast.Router
	startedAt time.Time
}

func NewHub(name string, reg *registry.Registry, agents *lifecycle.Manager, cons *consensus.Coordinator, router *broadcast.Router) *Hub {
	return &Hub{
		name:      name,
		registry:  reg,
		agents:    agents,
		consensus: cons,
		router:    router,
		startedAt: time.Now().UTC(),
	}
}

func (h *Hub) RegisterSwarm(req registry.RegisterRequest) (*registry.Swarm, error) {
	return h.registry.Register(req)
}

func (h *Hub) ListSwarms(filter registry.ListFilter) []registry.Swarm {
	return h.registry.List(filter)
}

func (h *Hub) GetSwarm(id string) (*registry.Swarm, error) {
	return h.registry.Get(id)
}

func (h *Hub) SetSwarmStatus(id string, status registry.Status) error {
	return h.registry.SetStatus(id, status)
}

func (h *Hub) SpawnAgent(ctx context.Context, req lifecycle.SpawnRequest) (*lifecycle.SpawnResult, error) {
	return h.agents.Spawn(ctx, req)
}

func (h *Hub) TerminateAgent(agentID, reason string) bool {
	return h.agents.Terminate(agentID, reason)
}

func (h *Hub) CompleteAgent(agentID string) error {
	return h.agents.Complete(agentID)
}

func (h *Hub) GetAgent(agentID string) (*lifecycle.Agent, error) {
	return h.agents.Get(agentID)
}

func (h *Hub) ListAgents(swarmID string, status lifecycle.Status, limit int) []lifecycle.Agent {
	return h.agents.List(swarmID, status, limit)
}

func (h *Hub) Broadcast(ctx context.Context, sourceSwarmID string, payload json.RawMessage) (*broadcast.Result, error) {
	return h.router.Broadcast(ctx, sourceSwarmID, payload)
}

func (h *Hub) Propose(proposerID, proposalType string, value json.RawMessage, timeout time.Duration) (*consensus.Proposal, error) {
	return h.consensus.Propose(proposerID, proposalType, value, timeout)
}

func (h *Hub) Vote(swarmID, proposalID string, approve bool) (*consensus.VoteResult, error) {
	return h.consensus.Vote(swarmID, proposalID, approve)
}

func (h *Hub) GetProposal(proposalID string) (*consensus.Proposal, error) {
	return h.consensus.Get(proposalID)
}

func (h *Hub) ListProposals(status consensus.Status) []consensus.Proposal {
	return h.consensus.List(status)
}

// Stats is the derived federation aggregate; it is computed on every read
// and never stored.
type Stats struct {
	Name          string                   `json:"name"`
	UptimeSeconds int64                    `json:"uptime_seconds"`
	Swarms        map[registry.Status]int  `json:"swarms"`
	Agents        map[lifecycle.Status]int `json:"agents"`
	Proposals     map[consensus.Status]int `json:"proposals"`
	TotalSwarms   int                      `json:"total_swarms"`
	ActiveSwarms  int                      `json:"active_swarms"`
	GeneratedAt   time.Time                `json:"generated_at"`
}

func (h *Hub) Stats() Stats {
	swarms := h.registry.CountsByStatus()
	total := 0
	for _, n := range swarms {
		total += n
	}

	return Stats{
		Name:          h.name,
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Swarms:        swarms,
		Agents:        h.agents.CountsByStatus(),
		Proposals:     h.consensus.CountsByStatus(),
		TotalSwarms:   total,
		ActiveSwarms:  swarms[registry.StatusActive],
		GeneratedAt:   time.Now().UTC(),
	}
}
