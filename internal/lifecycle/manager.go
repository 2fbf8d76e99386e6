package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkoutso/federa/internal/natsbus"
	"github.com/nkoutso/federa/internal/registry"
	"github.com/nkoutso/federa/internal/store"
)

var ErrUnknownAgent = errors.New("unknown agent")

type Status string

const (
	StatusSpawning   Status = "spawning"
	StatusActive     Status = "active"
	StatusCompleting Status = "completing"
	StatusTerminated Status = "terminated"
)

// terminal reports whether no further transition is allowed.
func (s Status) terminal() bool {
	return s == StatusTerminated
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Agent is one leased ephemeral agent. ExpiresAt is fixed at spawn time and
// never moves; records are kept after termination for list/audit.
type Agent struct {
	ID                   string     `json:"id"`
	SwarmID              string     `json:"swarm_id"`
	Type                 string     `json:"type"`
	Task                 string     `json:"task"`
	Status               Status     `json:"status"`
	Priority             Priority   `json:"priority"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`
	TTLMs                int64      `json:"ttl_ms"`
	CreatedAt            time.Time  `json:"created_at"`
	ExpiresAt            time.Time  `json:"expires_at"`
	TerminatedAt         *time.Time `json:"terminated_at,omitempty"`
	Reason               string     `json:"reason,omitempty"`
}

type record struct {
	Agent
	doneOnce sync.Once
	done     chan struct{} // closed when the agent reaches completing or terminated
}

func (r *record) signalDone() {
	r.doneOnce.Do(func() { close(r.done) })
}

type SpawnRequest struct {
	Type                 string   `json:"type"`
	Task                 string   `json:"task"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`
	Priority             Priority `json:"priority,omitempty"`
	TTLMs                int64    `json:"ttl_ms,omitempty"`
	PreferredSwarm       string   `json:"preferred_swarm,omitempty"`
	WaitForCompletion    bool     `json:"wait_for_completion,omitempty"`
	CompletionTimeoutMs  int64    `json:"completion_timeout_ms,omitempty"`
}

type SpawnResult struct {
	Agent     Agent `json:"agent"`
	Completed bool  `json:"completed"`
}

// Manager owns the ephemeral agent table: placement via the registry, lease
// TTLs, and the background reaper.
type Manager struct {
	mu     sync.Mutex
	agents map[string]*record

	reg               *registry.Registry
	store             *store.Store
	events            *natsbus.Client
	defaultTTL        time.Duration
	completionTimeout time.Duration
}

func NewManager(reg *registry.Registry, st *store.Store, events *natsbus.Client, defaultTTL, completionTimeout time.Duration) *Manager {
	if defaultTTL == 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Manager{
		agents:            make(map[string]*record),
		reg:               reg,
		store:             st,
		events:            events,
		defaultTTL:        defaultTTL,
		completionTimeout: completionTimeout,
	}
}

// Load restores non-terminal agent leases from the store after a restart.
// The registry's Load restores the capacity these leases hold, so without
// the records here terminate and the reaper could never release it.
func (m *Manager) Load() error {
	if m.store == nil {
		return nil
	}

	rows, err := m.store.ListEphemeralAgents()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		status := Status(row.Status)
		if status.terminal() {
			continue
		}
		var caps []string
		if len(row.RequiredCaps) > 0 {
			if err := json.Unmarshal(row.RequiredCaps, &caps); err != nil {
				slog.Warn("skipping agent with bad capabilities", "agent", row.ID, "error", err)
				continue
			}
		}
		m.agents[row.ID] = &record{
			Agent: Agent{
				ID:                   row.ID,
				SwarmID:              row.SwarmID,
				Type:                 row.Type,
				Task:                 row.Task,
				Status:               status,
				Priority:             Priority(row.Priority),
				RequiredCapabilities: caps,
				TTLMs:                row.TTLMs,
				CreatedAt:            row.CreatedAt,
				ExpiresAt:            row.ExpiresAt,
			},
			done: make(chan struct{}),
		}
	}
	return nil
}

// Spawn places a new ephemeral agent on a swarm. Capacity is reserved
// atomically; losing the reservation race retries selection once before the
// failure surfaces. With WaitForCompletion the call blocks until the agent
// reaches completing/terminated, the completion timeout elapses, or ctx is
// cancelled; a timeout returns Completed=false without terminating the
// agent.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if req.Priority == "" {
		req.Priority = PriorityNormal
	}
	ttl := time.Duration(req.TTLMs) * time.Millisecond
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	swarmID, err := m.reserve(req.RequiredCapabilities, req.PreferredSwarm)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rec := &record{
		Agent: Agent{
			ID:                   uuid.New().String(),
			SwarmID:              swarmID,
			Type:                 req.Type,
			Task:                 req.Task,
			Status:               StatusSpawning,
			Priority:             req.Priority,
			RequiredCapabilities: slices.Clone(req.RequiredCapabilities),
			TTLMs:                ttl.Milliseconds(),
			CreatedAt:            now,
			ExpiresAt:            now.Add(ttl),
		},
		done: make(chan struct{}),
	}

	m.mu.Lock()
	m.agents[rec.ID] = rec
	// Spawning is synchronous here: no external provisioning step exists, so
	// the record goes active before the call returns.
	rec.Status = StatusActive
	snapshot := rec.Agent
	m.mu.Unlock()

	m.persist(&snapshot)
	m.publishEvent(snapshot.ID, "agent_spawned", map[string]any{
		"swarm_id": snapshot.SwarmID,
		"type":     snapshot.Type,
		"ttl_ms":   ttl.Milliseconds(),
	})
	slog.Info("agent spawned", "agent", snapshot.ID, "swarm", snapshot.SwarmID, "ttl", ttl)

	result := &SpawnResult{Agent: snapshot}
	if !req.WaitForCompletion {
		return result, nil
	}

	timeout := time.Duration(req.CompletionTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = m.completionTimeout
	}
	if timeout <= 0 {
		timeout = ttl
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rec.done:
		result.Completed = true
	case <-timer.C:
		// The agent keeps running; the caller just stops waiting.
	case <-ctx.Done():
		return result, ctx.Err()
	}

	if current, err := m.Get(rec.ID); err == nil {
		result.Agent = *current
	}
	return result, nil
}

// reserve selects a swarm and books capacity on it. When the reservation
// race is lost between selection and booking, selection runs once more
// against the remaining candidates.
func (m *Manager) reserve(required []string, preferred string) (string, error) {
	swarmID, err := m.reg.Select(required, preferred)
	if err != nil {
		return "", err
	}

	err = m.reg.IncrementLoad(swarmID)
	if err == nil {
		return swarmID, nil
	}
	if !errors.Is(err, registry.ErrCapacityExceeded) {
		return "", err
	}

	slog.Debug("lost capacity race, reselecting", "swarm", swarmID)
	swarmID, selErr := m.reg.Select(required, "")
	if selErr != nil {
		return "", selErr
	}
	if err := m.reg.IncrementLoad(swarmID); err != nil {
		return "", err
	}
	return swarmID, nil
}

// Terminate ends an agent's lease. It is idempotent: false means the agent
// is unknown or already terminated, and capacity is released exactly once.
func (m *Manager) Terminate(agentID, reason string) bool {
	return m.transitionTerminated(agentID, reason)
}

// Complete marks an agent as completing, releasing any spawn call waiting on
// it. The record stays leased until terminate or TTL expiry.
func (m *Manager) Complete(agentID string) error {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownAgent
	}
	if rec.Status != StatusSpawning && rec.Status != StatusActive {
		m.mu.Unlock()
		return nil
	}
	rec.Status = StatusCompleting
	snapshot := rec.Agent
	m.mu.Unlock()

	rec.signalDone()
	m.persist(&snapshot)
	m.publishEvent(agentID, "agent_completing", nil)
	return nil
}

// transitionTerminated is the single mutual-exclusion point shared by
// Terminate and the reaper: the caller that flips the status off a
// non-terminal value performs the load decrement.
func (m *Manager) transitionTerminated(agentID, reason string) bool {
	m.mu.Lock()
	rec, ok := m.agents[agentID]
	if !ok || rec.Status.terminal() {
		m.mu.Unlock()
		return false
	}
	rec.Status = StatusTerminated
	now := time.Now().UTC()
	rec.TerminatedAt = &now
	rec.Reason = reason
	snapshot := rec.Agent
	m.mu.Unlock()

	rec.signalDone()
	if err := m.reg.DecrementLoad(snapshot.SwarmID); err != nil {
		slog.Error("failed to release swarm capacity", "agent", agentID, "swarm", snapshot.SwarmID, "error", err)
	}
	m.persist(&snapshot)
	m.publishEvent(agentID, "agent_terminated", map[string]any{"reason": reason})
	slog.Info("agent terminated", "agent", agentID, "reason", reason)
	return true
}

// Get returns a copy of an agent record.
func (m *Manager) Get(agentID string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return nil, ErrUnknownAgent
	}
	snapshot := rec.Agent
	return &snapshot, nil
}

// List returns agent records matching the filter. No ordering is guaranteed;
// callers needing order must sort by CreatedAt.
func (m *Manager) List(swarmID string, status Status, limit int) []Agent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Agent
	for _, rec := range m.agents {
		if swarmID != "" && rec.SwarmID != swarmID {
			continue
		}
		if status != "" && rec.Status != status {
			continue
		}
		out = append(out, rec.Agent)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// CountsByStatus aggregates the agent table for federation stats.
func (m *Manager) CountsByStatus() map[Status]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[Status]int)
	for _, rec := range m.agents {
		counts[rec.Status]++
	}
	return counts
}

// StartReaper scans for expired leases on a fixed interval and terminates
// them. It runs until ctx is cancelled. A stopped reaper would leak capacity
// forever, so it only exits on shutdown.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("lease reaper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("lease reaper stopped")
			return
		case <-ticker.C:
			m.reap(time.Now().UTC())
		}
	}
}

func (m *Manager) reap(now time.Time) {
	m.mu.Lock()
	var expired []string
	for id, rec := range m.agents {
		if !rec.Status.terminal() && !rec.ExpiresAt.After(now) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if m.transitionTerminated(id, "ttl_expired") {
			slog.Info("reaped expired agent", "agent", id)
		}
	}
}

func (m *Manager) persist(a *Agent) {
	if m.store == nil {
		return
	}

	var caps json.RawMessage
	if len(a.RequiredCapabilities) > 0 {
		caps, _ = json.Marshal(a.RequiredCapabilities)
	}
	row := &store.EphemeralAgent{
		ID:           a.ID,
		SwarmID:      a.SwarmID,
		Type:         a.Type,
		Task:         a.Task,
		Status:       string(a.Status),
		Priority:     string(a.Priority),
		RequiredCaps: caps,
		TTLMs:        a.TTLMs,
		CreatedAt:    a.CreatedAt,
		ExpiresAt:    a.ExpiresAt,
		TerminatedAt: a.TerminatedAt,
		Reason:       a.Reason,
	}
	if err := m.store.SaveEphemeralAgent(row); err != nil {
		slog.Error("failed to persist agent", "agent", a.ID, "error", err)
	}
}

func (m *Manager) publishEvent(agentID, eventType string, data map[string]any) {
	if m.events == nil {
		return
	}
	if err := m.events.PublishEvent(natsbus.TopicEventsAgent(agentID), eventType, "agent_id", agentID, data); err != nil {
		slog.Warn("failed to publish agent event", "agent", agentID, "error", err)
	}
}
