package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nkoutso/federa/internal/registry"
)

var ErrUnknownSource = errors.New("source is not a registered swarm")

// Message is what a recipient swarm receives on its inbox.
type Message struct {
	SourceSwarmID string          `json:"source_swarm_id"`
	Payload       json.RawMessage `json:"payload"`
	SentAt        time.Time       `json:"sent_at"`
}

// Result accounts for a single fan-out. Broadcast is partial-success by
// design: per-swarm failures are counted, never aborting the whole call.
type Result struct {
	Targets   int      `json:"targets"`
	Delivered int      `json:"delivered"`
	Failed    []string `json:"failed,omitempty"`
}

// Transport delivers one message to one swarm. The default implementation
// publishes on the NATS bus; LocalTransport keeps deliveries in memory for
// bus-less deployments and tests.
type Transport interface {
	Deliver(ctx context.Context, target registry.Swarm, msg Message) error
}

// Router fans messages out to every other active swarm, independently and
// concurrently, with per-recipient failure isolation.
type Router struct {
	reg       *registry.Registry
	transport Transport
	timeout   time.Duration
}

func NewRouter(reg *registry.Registry, transport Transport, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Router{
		reg:       reg,
		transport: transport,
		timeout:   timeout,
	}
}

// Broadcast attempts delivery once per active swarm other than the source
// and reports how many succeeded. No ordering or retry is implied.
func (r *Router) Broadcast(ctx context.Context, sourceSwarmID string, payload json.RawMessage) (*Result, error) {
	if !r.reg.Contains(sourceSwarmID) {
		return nil, ErrUnknownSource
	}

	msg := Message{
		SourceSwarmID: sourceSwarmID,
		Payload:       payload,
		SentAt:        time.Now().UTC(),
	}

	var targets []registry.Swarm
	for _, sw := range r.reg.List(registry.ListFilter{Status: registry.StatusActive}) {
		if sw.ID != sourceSwarmID {
			targets = append(targets, sw)
		}
	}

	result := &Result{Targets: len(targets)}
	if len(targets) == 0 {
		return result, nil
	}

	type delivery struct {
		swarmID string
		err     error
	}
	ch := make(chan delivery, len(targets))

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(target registry.Swarm) {
			defer wg.Done()
			dctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			ch <- delivery{target.ID, r.transport.Deliver(dctx, target, msg)}
		}(target)
	}

	go func() {
		wg.Wait()
		close(ch)
	}()

	for d := range ch {
		if d.err != nil {
			slog.Warn("broadcast delivery failed", "source", sourceSwarmID, "target", d.swarmID, "error", d.err)
			result.Failed = append(result.Failed, d.swarmID)
			continue
		}
		result.Delivered++
	}

	slog.Info("broadcast complete", "source", sourceSwarmID, "delivered", result.Delivered, "targets", result.Targets)
	return result, nil
}
