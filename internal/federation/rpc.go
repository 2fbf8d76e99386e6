package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nkoutso/federa/internal/consensus"
	"github.com/nkoutso/federa/internal/lifecycle"
	"github.com/nkoutso/federa/internal/natsbus"
	"github.com/nkoutso/federa/internal/registry"
)

// RPCRequest is the envelope fedctl sends on the fed.rpc subject.
type RPCRequest struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type RPCResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ServeRPC answers fedctl request/reply calls over the bus until ctx ends.
func (h *Hub) ServeRPC(ctx context.Context, client *natsbus.Client) error {
	sub, err := client.Subscribe(natsbus.TopicRPC, func(msg *nats.Msg) {
		resp := h.dispatch(ctx, msg.Data)
		data, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if err := msg.Respond(data); err != nil {
			slog.Warn("rpc respond failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe rpc: %w", err)
	}

	slog.Info("federation rpc listening", "subject", natsbus.TopicRPC)
	<-ctx.Done()
	return sub.Unsubscribe()
}

func (h *Hub) dispatch(ctx context.Context, data []byte) RPCResponse {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return rpcError(fmt.Errorf("bad request: %w", err))
	}

	switch req.Op {
	case "register_swarm":
		var r registry.RegisterRequest
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return rpcError(err)
		}
		sw, err := h.RegisterSwarm(r)
		if err != nil {
			return rpcError(err)
		}
		return rpcOK(sw)

	case "list_swarms":
		var f struct {
			Status     string `json:"status,omitempty"`
			Capability string `json:"capability,omitempty"`
		}
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &f); err != nil {
				return rpcError(err)
			}
		}
		return rpcOK(h.ListSwarms(registry.ListFilter{
			Status:     registry.Status(f.Status),
			Capability: f.Capability,
		}))

	case "set_swarm_status":
		var r struct {
			SwarmID string `json:"swarm_id"`
			Status  string `json:"status"`
		}
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return rpcError(err)
		}
		if err := h.SetSwarmStatus(r.SwarmID, registry.Status(r.Status)); err != nil {
			return rpcError(err)
		}
		return rpcOK(nil)

	case "spawn_agent":
		var r lifecycle.SpawnRequest
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return rpcError(err)
		}
		res, err := h.SpawnAgent(ctx, r)
		if err != nil {
			return rpcError(err)
		}
		return rpcOK(res)

	case "terminate_agent":
		var r struct {
			AgentID string `json:"agent_id"`
			Reason  string `json:"reason,omitempty"`
		}
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return rpcError(err)
		}
		return rpcOK(map[string]bool{"terminated": h.TerminateAgent(r.AgentID, r.Reason)})

	case "complete_agent":
		var r struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return rpcError(err)
		}
		if err := h.CompleteAgent(r.AgentID); err != nil {
			return rpcError(err)
		}
		return rpcOK(nil)

	case "list_agents":
		var f struct {
			SwarmID string `json:"swarm_id,omitempty"`
			Status  string `json:"status,omitempty"`
			Limit   int    `json:"limit,omitempty"`
		}
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &f); err != nil {
				return rpcError(err)
			}
		}
		return rpcOK(h.ListAgents(f.SwarmID, lifecycle.Status(f.Status), f.Limit))

	case "broadcast":
		var r struct {
			SourceSwarmID string          `json:"source_swarm_id"`
			Payload       json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return rpcError(err)
		}
		res, err := h.Broadcast(ctx, r.SourceSwarmID, r.Payload)
		if err != nil {
			return rpcError(err)
		}
		return rpcOK(res)

	case "propose":
		var r struct {
			ProposerID string          `json:"proposer_id"`
			Type       string          `json:"type"`
			Value      json.RawMessage `json:"value,omitempty"`
			TimeoutMs  int64           `json:"timeout_ms,omitempty"`
		}
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return rpcError(err)
		}
		p, err := h.Propose(r.ProposerID, r.Type, r.Value, time.Duration(r.TimeoutMs)*time.Millisecond)
		if err != nil {
			return rpcError(err)
		}
		return rpcOK(p)

	case "vote":
		var r struct {
			SwarmID    string `json:"swarm_id"`
			ProposalID string `json:"proposal_id"`
			Approve    bool   `json:"approve"`
		}
		if err := json.Unmarshal(req.Payload, &r); err != nil {
			return rpcError(err)
		}
		res, err := h.Vote(r.SwarmID, r.ProposalID, r.Approve)
		if err != nil {
			return rpcError(err)
		}
		return rpcOK(res)

	case "list_proposals":
		var f struct {
			Status string `json:"status,omitempty"`
		}
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, &f); err != nil {
				return rpcError(err)
			}
		}
		return rpcOK(h.ListProposals(consensus.Status(f.Status)))

	case "stats":
		return rpcOK(h.Stats())

	default:
		return rpcError(fmt.Errorf("unknown op: %s", req.Op))
	}
}

func rpcOK(v any) RPCResponse {
	if v == nil {
		return RPCResponse{OK: true}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return rpcError(err)
	}
	return RPCResponse{OK: true, Result: data}
}

func rpcError(err error) RPCResponse {
	return RPCResponse{Error: err.Error()}
}
