package broadcast

import (
	"context"
	"sync"

	"github.com/nkoutso/federa/internal/natsbus"
	"github.com/nkoutso/federa/internal/registry"
)

// NATSTransport publishes broadcast messages on each swarm's inbox subject.
type NATSTransport struct {
	client *natsbus.Client
}

func NewNATSTransport(client *natsbus.Client) *NATSTransport {
	return &NATSTransport{client: client}
}

func (t *NATSTransport) Deliver(ctx context.Context, target registry.Swarm, msg Message) error {
	return t.client.PublishJSON(natsbus.TopicSwarmInbox(target.ID), msg)
}

// LocalTransport records deliveries in memory. It is the default when no
// bus is configured and doubles as the test transport.
type LocalTransport struct {
	mu        sync.Mutex
	delivered map[string][]Message
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{delivered: make(map[string][]Message)}
}

func (t *LocalTransport) Deliver(ctx context.Context, target registry.Swarm, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delivered[target.ID] = append(t.delivered[target.ID], msg)
	return nil
}

// Delivered returns the messages recorded for a swarm.
func (t *LocalTransport) Delivered(swarmID string) []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.delivered[swarmID]...)
}
