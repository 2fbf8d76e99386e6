package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

const rpcSubject = "fed.rpc"

type rpcRequest struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type rpcResponse struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

type swarmInfo struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Capabilities  []string `json:"capabilities"`
	MaxAgents     int      `json:"max_agents"`
	CurrentAgents int      `json:"current_agents"`
	Status        string   `json:"status"`
}

type agentInfo struct {
	ID      string `json:"id"`
	SwarmID string `json:"swarm_id"`
	Type    string `json:"type"`
	Task    string `json:"task"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

type proposalInfo struct {
	ID         string          `json:"id"`
	ProposerID string          `json:"proposer_id"`
	Type       string          `json:"type"`
	Status     string          `json:"status"`
	Votes      map[string]bool `json:"votes"`
}

func sendRPC(natsURL, op string, payload any) (*rpcResponse, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	req := rpcRequest{Op: op}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		req.Payload = data
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(rpcSubject, data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("rpc request: %w", err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  fedctl register --id "..." --name "..." --max-agents N [--capabilities a,b] [--endpoint "..."]`)
	fmt.Fprintln(os.Stderr, "  fedctl swarms [--status S] [--capability C]")
	fmt.Fprintln(os.Stderr, `  fedctl spawn --type "..." --task "..." [--capabilities a,b] [--priority P] [--ttl-ms N] [--swarm ID] [--wait true]`)
	fmt.Fprintln(os.Stderr, "  fedctl agents [--swarm ID] [--status S] [--limit N]")
	fmt.Fprintln(os.Stderr, `  fedctl terminate --id "..." [--reason "..."]`)
	fmt.Fprintln(os.Stderr, `  fedctl complete --id "..."`)
	fmt.Fprintln(os.Stderr, `  fedctl broadcast --from ID --payload '{"..."}'`)
	fmt.Fprintln(os.Stderr, `  fedctl propose --proposer ID --type "..." [--value '{...}'] [--timeout-ms N]`)
	fmt.Fprintln(os.Stderr, "  fedctl vote --swarm ID --proposal ID --approve true|false")
	fmt.Fprintln(os.Stderr, "  fedctl proposals [--status S]")
	fmt.Fprintln(os.Stderr, "  fedctl status")
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func call(natsURL, op string, payload any) json.RawMessage {
	resp, err := sendRPC(natsURL, op, payload)
	if err != nil {
		fatal("%v", err)
	}
	if resp.Error != "" {
		fatal("%s", resp.Error)
	}
	return resp.Result
}

func printJSON(data json.RawMessage) {
	var buf map[string]any
	if err := json.Unmarshal(data, &buf); err != nil {
		fmt.Println(string(data))
		return
	}
	pretty, _ := json.MarshalIndent(buf, "", "  ")
	fmt.Println(string(pretty))
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	command := os.Args[1]
	args := parseArgs(os.Args[2:])

	switch command {
	case "register":
		if args["id"] == "" || args["name"] == "" {
			fatal("--id and --name are required")
		}
		maxAgents, _ := strconv.Atoi(args["max-agents"])
		payload := map[string]any{
			"id":         args["id"],
			"name":       args["name"],
			"max_agents": maxAgents,
			"endpoint":   args["endpoint"],
			"join_token": args["join-token"],
		}
		if args["capabilities"] != "" {
			payload["capabilities"] = strings.Split(args["capabilities"], ",")
		}
		call(natsURL, "register_swarm", payload)
		fmt.Printf("Swarm registered: %s\n", args["id"])

	case "swarms":
		result := call(natsURL, "list_swarms", map[string]any{
			"status":     args["status"],
			"capability": args["capability"],
		})
		var swarms []swarmInfo
		if err := json.Unmarshal(result, &swarms); err != nil {
			fatal("unmarshal swarms: %v", err)
		}
		if len(swarms) == 0 {
			fmt.Println("No swarms registered.")
			return
		}
		for _, sw := range swarms {
			fmt.Printf("  %s  %s  %d/%d agents  [%s]  %s\n",
				sw.ID, sw.Status, sw.CurrentAgents, sw.MaxAgents, strings.Join(sw.Capabilities, ","), sw.Name)
		}

	case "spawn":
		if args["type"] == "" || args["task"] == "" {
			fatal("--type and --task are required")
		}
		ttl, _ := strconv.ParseInt(args["ttl-ms"], 10, 64)
		timeout, _ := strconv.ParseInt(args["timeout-ms"], 10, 64)
		payload := map[string]any{
			"type":                  args["type"],
			"task":                  args["task"],
			"priority":              args["priority"],
			"ttl_ms":                ttl,
			"preferred_swarm":       args["swarm"],
			"wait_for_completion":   args["wait"] == "true",
			"completion_timeout_ms": timeout,
		}
		if args["capabilities"] != "" {
			payload["required_capabilities"] = strings.Split(args["capabilities"], ",")
		}
		printJSON(call(natsURL, "spawn_agent", payload))

	case "agents":
		limit, _ := strconv.Atoi(args["limit"])
		result := call(natsURL, "list_agents", map[string]any{
			"swarm_id": args["swarm"],
			"status":   args["status"],
			"limit":    limit,
		})
		var agents []agentInfo
		if err := json.Unmarshal(result, &agents); err != nil {
			fatal("unmarshal agents: %v", err)
		}
		if len(agents) == 0 {
			fmt.Println("No agents found.")
			return
		}
		for _, a := range agents {
			line := fmt.Sprintf("  %s  %s  on %s  %s  %q", a.ID, a.Status, a.SwarmID, a.Type, a.Task)
			if a.Reason != "" {
				line += "  (" + a.Reason + ")"
			}
			fmt.Println(line)
		}

	case "terminate":
		if args["id"] == "" {
			fatal("--id is required")
		}
		result := call(natsURL, "terminate_agent", map[string]any{
			"agent_id": args["id"],
			"reason":   args["reason"],
		})
		var out map[string]bool
		if err := json.Unmarshal(result, &out); err != nil {
			fatal("unmarshal result: %v", err)
		}
		if out["terminated"] {
			fmt.Println("Agent terminated.")
		} else {
			fmt.Println("Agent already terminated or unknown.")
		}

	case "complete":
		if args["id"] == "" {
			fatal("--id is required")
		}
		call(natsURL, "complete_agent", map[string]any{"agent_id": args["id"]})
		fmt.Println("Agent marked completing.")

	case "broadcast":
		if args["from"] == "" {
			fatal("--from is required")
		}
		payload := map[string]any{"source_swarm_id": args["from"]}
		if args["payload"] != "" {
			payload["payload"] = json.RawMessage(args["payload"])
		}
		printJSON(call(natsURL, "broadcast", payload))

	case "propose":
		if args["proposer"] == "" || args["type"] == "" {
			fatal("--proposer and --type are required")
		}
		timeout, _ := strconv.ParseInt(args["timeout-ms"], 10, 64)
		payload := map[string]any{
			"proposer_id": args["proposer"],
			"type":        args["type"],
			"timeout_ms":  timeout,
		}
		if args["value"] != "" {
			payload["value"] = json.RawMessage(args["value"])
		}
		printJSON(call(natsURL, "propose", payload))

	case "vote":
		if args["swarm"] == "" || args["proposal"] == "" {
			fatal("--swarm and --proposal are required")
		}
		printJSON(call(natsURL, "vote", map[string]any{
			"swarm_id":    args["swarm"],
			"proposal_id": args["proposal"],
			"approve":     args["approve"] == "true",
		}))

	case "proposals":
		result := call(natsURL, "list_proposals", map[string]any{"status": args["status"]})
		var proposals []proposalInfo
		if err := json.Unmarshal(result, &proposals); err != nil {
			fatal("unmarshal proposals: %v", err)
		}
		if len(proposals) == 0 {
			fmt.Println("No proposals found.")
			return
		}
		for _, p := range proposals {
			fmt.Printf("  %s  %s  %s by %s  %d votes\n", p.ID, p.Status, p.Type, p.ProposerID, len(p.Votes))
		}

	case "status":
		printJSON(call(natsURL, "stats", nil))

	default:
		fatal("unknown command: %s", command)
	}
}
