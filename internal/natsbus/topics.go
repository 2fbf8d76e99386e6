package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// TopicSwarmInbox is where federation broadcasts addressed to a swarm land.
func TopicSwarmInbox(swarmID string) string {
	return fmt.Sprintf("fed.swarm.%s.inbox", swarmID)
}

func TopicEventsSwarm(swarmID string) string {
	return fmt.Sprintf("events.federation.swarm.%s", swarmID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.federation.agent.%s", agentID)
}

func TopicEventsProposal(proposalID string) string {
	return fmt.Sprintf("events.federation.proposal.%s", proposalID)
}

const (
	// TopicRPC serves fedctl request/reply operations.
	TopicRPC = "fed.rpc"

	TopicEventsAll    = "events.federation.>"
	TopicEventsStats  = "events.federation.stats"
	TopicEventsSwarms = "events.federation.swarm.*"
	TopicEventsAgents = "events.federation.agent.*"
)
