package registry

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/nkoutso/federa/internal/natsbus"
	"github.com/nkoutso/federa/internal/store"
	"github.com/nkoutso/federa/internal/vault"
)

var (
	ErrUnknownSwarm     = errors.New("unknown swarm")
	ErrNoCapacity       = errors.New("no swarm with spare capacity matches the required capabilities")
	ErrCapacityExceeded = errors.New("swarm is at max capacity")
)

type Status string

const (
	StatusActive   Status = "active"
	StatusDegraded Status = "degraded"
	StatusOffline  Status = "offline"
)

// Swarm is one registered member of the federation. CurrentAgents is mutated
// only through IncrementLoad/DecrementLoad; Status only through SetStatus
// (health signals are an input here, never computed).
type Swarm struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Capabilities  []string  `json:"capabilities"`
	MaxAgents     int       `json:"max_agents"`
	CurrentAgents int       `json:"current_agents"`
	Status        Status    `json:"status"`
	Endpoint      string    `json:"endpoint,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// SpareCapacity is maxAgents - currentAgents, the placement ranking key.
func (s *Swarm) SpareCapacity() int {
	return s.MaxAgents - s.CurrentAgents
}

// HasCapabilities reports whether the swarm advertises every required tag.
func (s *Swarm) HasCapabilities(required []string) bool {
	for _, req := range required {
		if !slices.Contains(s.Capabilities, req) {
			return false
		}
	}
	return true
}

type RegisterRequest struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	MaxAgents    int      `json:"max_agents"`
	Endpoint     string   `json:"endpoint,omitempty"`
	JoinToken    string   `json:"join_token,omitempty"`
}

type ListFilter struct {
	Status     Status
	Capability string
}

// Registry is the authoritative in-memory swarm table. A sqlite store, when
// present, receives a durable copy of every mutation.
type Registry struct {
	mu     sync.RWMutex
	swarms map[string]*Swarm

	store  *store.Store
	vault  *vault.Vault
	events *natsbus.Client
}

func New(st *store.Store, v *vault.Vault, events *natsbus.Client) *Registry {
	return &Registry{
		swarms: make(map[string]*Swarm),
		store:  st,
		vault:  v,
		events: events,
	}
}

// Load restores the swarm table from the store after a restart.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}

	rows, err := r.store.ListSwarms()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		var caps []string
		if len(row.Capabilities) > 0 {
			if err := json.Unmarshal(row.Capabilities, &caps); err != nil {
				slog.Warn("skipping swarm with bad capabilities", "swarm", row.ID, "error", err)
				continue
			}
		}
		r.swarms[row.ID] = &Swarm{
			ID:            row.ID,
			Name:          row.Name,
			Capabilities:  caps,
			MaxAgents:     row.MaxAgents,
			CurrentAgents: row.CurrentAgents,
			Status:        Status(row.Status),
			Endpoint:      row.Endpoint,
			RegisteredAt:  row.RegisteredAt,
		}
	}
	return nil
}

// Register inserts or replaces a swarm. Re-registering keeps the current
// agent count so leases already placed on the swarm stay accounted.
func (r *Registry) Register(req RegisterRequest) (*Swarm, error) {
	if req.ID == "" {
		return nil, errors.New("swarm id is required")
	}

	r.mu.Lock()
	sw := &Swarm{
		ID:           req.ID,
		Name:         req.Name,
		Capabilities: slices.Clone(req.Capabilities),
		MaxAgents:    req.MaxAgents,
		Status:       StatusActive,
		Endpoint:     req.Endpoint,
		RegisteredAt: time.Now().UTC(),
	}
	if prev, ok := r.swarms[req.ID]; ok {
		sw.CurrentAgents = prev.CurrentAgents
		sw.RegisteredAt = prev.RegisteredAt
	}
	r.swarms[req.ID] = sw
	snapshot := *sw
	r.mu.Unlock()

	r.persist(&snapshot, req.JoinToken)
	r.publishEvent(snapshot.ID, "swarm_registered", map[string]any{
		"name":       snapshot.Name,
		"max_agents": snapshot.MaxAgents,
	})
	slog.Info("swarm registered", "swarm", snapshot.ID, "max_agents", snapshot.MaxAgents)

	return &snapshot, nil
}

// Get returns a copy of the swarm record.
func (r *Registry) Get(id string) (*Swarm, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sw, ok := r.swarms[id]
	if !ok {
		return nil, ErrUnknownSwarm
	}
	snapshot := *sw
	snapshot.Capabilities = slices.Clone(sw.Capabilities)
	return &snapshot, nil
}

// Contains reports whether a swarm id is registered.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.swarms[id]
	return ok
}

// List returns a snapshot of swarms matching the filter.
func (r *Registry) List(filter ListFilter) []Swarm {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Swarm, 0, len(r.swarms))
	for _, sw := range r.swarms {
		if filter.Status != "" && sw.Status != filter.Status {
			continue
		}
		if filter.Capability != "" && !slices.Contains(sw.Capabilities, filter.Capability) {
			continue
		}
		snapshot := *sw
		snapshot.Capabilities = slices.Clone(sw.Capabilities)
		out = append(out, snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetStatus records an externally observed health status.
func (r *Registry) SetStatus(id string, status Status) error {
	r.mu.Lock()
	sw, ok := r.swarms[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSwarm
	}
	sw.Status = status
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateSwarmStatus(id, string(status)); err != nil {
			slog.Error("failed to persist swarm status", "swarm", id, "error", err)
		}
	}
	r.publishEvent(id, "swarm_status_changed", map[string]any{"status": status})
	slog.Info("swarm status changed", "swarm", id, "status", status)
	return nil
}

// Select picks the placement target for the given constraints. A preferred
// swarm wins when it is active, has spare capacity and satisfies the
// capability subset; otherwise active candidates rank by spare capacity
// descending, ties broken by id ascending so repeated calls agree.
func (r *Registry) Select(required []string, preferred string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if preferred != "" {
		if sw, ok := r.swarms[preferred]; ok &&
			sw.Status == StatusActive && sw.SpareCapacity() > 0 && sw.HasCapabilities(required) {
			return sw.ID, nil
		}
	}

	var candidates []*Swarm
	for _, sw := range r.swarms {
		if sw.Status != StatusActive || sw.SpareCapacity() <= 0 || !sw.HasCapabilities(required) {
			continue
		}
		candidates = append(candidates, sw)
	}
	if len(candidates) == 0 {
		return "", ErrNoCapacity
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].SpareCapacity(), candidates[j].SpareCapacity()
		if si != sj {
			return si > sj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].ID, nil
}

// IncrementLoad reserves one agent slot. It fails without mutating state
// when the swarm is already at max capacity.
func (r *Registry) IncrementLoad(id string) error {
	r.mu.Lock()
	sw, ok := r.swarms[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSwarm
	}
	if sw.CurrentAgents >= sw.MaxAgents {
		r.mu.Unlock()
		return ErrCapacityExceeded
	}
	sw.CurrentAgents++
	current := sw.CurrentAgents
	r.mu.Unlock()

	r.persistLoad(id, current)
	return nil
}

// DecrementLoad releases one agent slot, never dropping below zero.
func (r *Registry) DecrementLoad(id string) error {
	r.mu.Lock()
	sw, ok := r.swarms[id]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownSwarm
	}
	if sw.CurrentAgents > 0 {
		sw.CurrentAgents--
	}
	current := sw.CurrentAgents
	r.mu.Unlock()

	r.persistLoad(id, current)
	return nil
}

// ActiveIDs returns the ids of the currently active swarms, the consensus
// membership at the moment of the call.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	for id, sw := range r.swarms {
		if sw.Status == StatusActive {
			ids = append(ids, id)
		}
	}
	return ids
}

// CountsByStatus aggregates the swarm table for federation stats.
func (r *Registry) CountsByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Status]int)
	for _, sw := range r.swarms {
		counts[sw.Status]++
	}
	return counts
}

func (r *Registry) persist(sw *Swarm, joinToken string) {
	if r.store == nil {
		return
	}

	caps, err := json.Marshal(sw.Capabilities)
	if err != nil {
		caps = []byte("[]")
	}
	row := &store.Swarm{
		ID:            sw.ID,
		Name:          sw.Name,
		Capabilities:  caps,
		MaxAgents:     sw.MaxAgents,
		CurrentAgents: sw.CurrentAgents,
		Status:        string(sw.Status),
		Endpoint:      sw.Endpoint,
	}
	if joinToken != "" && r.vault != nil {
		sealed, nonce, err := r.vault.SealToken(joinToken)
		if err != nil {
			slog.Error("failed to seal join token", "swarm", sw.ID, "error", err)
		} else {
			row.JoinToken = sealed
			row.JoinNonce = nonce
		}
	}
	if err := r.store.SaveSwarm(row); err != nil {
		slog.Error("failed to persist swarm", "swarm", sw.ID, "error", err)
	}
}

func (r *Registry) persistLoad(id string, current int) {
	if r.store == nil {
		return
	}
	if err := r.store.UpdateSwarmLoad(id, current); err != nil {
		slog.Error("failed to persist swarm load", "swarm", id, "error", err)
	}
}

func (r *Registry) publishEvent(swarmID, eventType string, data map[string]any) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishEvent(natsbus.TopicEventsSwarm(swarmID), eventType, "swarm_id", swarmID, data); err != nil {
		slog.Warn("failed to publish swarm event", "swarm", swarmID, "error", err)
	}
}
