package consensus

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nkoutso/federa/internal/natsbus"
	"github.com/nkoutso/federa/internal/registry"
	"github.com/nkoutso/federa/internal/store"
)

var (
	ErrUnknownProposal = errors.New("unknown proposal")
	ErrUnknownProposer = errors.New("proposer is not a registered swarm")
	ErrUnknownVoter    = errors.New("voter is not a registered swarm")
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Proposal is one federation-wide decision in flight. Votes map swarm id to
// approval; a later vote from the same swarm overwrites the earlier one.
// Once Status leaves pending the vote set is frozen.
type Proposal struct {
	ID          string          `json:"id"`
	ProposerID  string          `json:"proposer_id"`
	Type        string          `json:"type"`
	Value       json.RawMessage `json:"value,omitempty"`
	Status      Status          `json:"status"`
	Votes       map[string]bool `json:"votes"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	FinalizedAt *time.Time      `json:"finalized_at,omitempty"`
}

// VoteResult reports the outcome of a single vote call.
type VoteResult struct {
	Accepted  bool   `json:"accepted"`
	Status    Status `json:"status"`
	Approvals int    `json:"approvals"`
	Quorum    int    `json:"quorum"`
}

// Coordinator runs propose/vote rounds among registered swarms. Quorum is a
// strict majority of the swarms active at the moment each vote is evaluated,
// so membership changes between propose and vote are honored.
type Coordinator struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
	timers    map[string]*time.Timer

	reg            *registry.Registry
	store          *store.Store
	events         *natsbus.Client
	defaultTimeout time.Duration

	closed bool
}

func NewCoordinator(reg *registry.Registry, st *store.Store, events *natsbus.Client, defaultTimeout time.Duration) *Coordinator {
	if defaultTimeout <= 0 {
		defaultTimeout = time.Minute
	}
	return &Coordinator{
		proposals:      make(map[string]*Proposal),
		timers:         make(map[string]*time.Timer),
		reg:            reg,
		store:          st,
		events:         events,
		defaultTimeout: defaultTimeout,
	}
}

// Propose opens a new proposal with an empty vote set and schedules its
// expiry check.
func (c *Coordinator) Propose(proposerID, proposalType string, value json.RawMessage, timeout time.Duration) (*Proposal, error) {
	if !c.reg.Contains(proposerID) {
		return nil, ErrUnknownProposer
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	now := time.Now().UTC()
	p := &Proposal{
		ID:         uuid.New().String(),
		ProposerID: proposerID,
		Type:       proposalType,
		Value:      value,
		Status:     StatusPending,
		Votes:      make(map[string]bool),
		CreatedAt:  now,
		ExpiresAt:  now.Add(timeout),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("coordinator is shut down")
	}
	c.proposals[p.ID] = p
	id := p.ID
	c.timers[id] = time.AfterFunc(timeout, func() { c.expire(id) })
	snapshot := c.snapshotLocked(p)
	c.mu.Unlock()

	c.persist(&snapshot)
	c.publishEvent(snapshot.ID, "proposal_created", map[string]any{
		"proposer": proposerID,
		"type":     proposalType,
	})
	slog.Info("proposal created", "proposal", snapshot.ID, "proposer", proposerID, "timeout", timeout)

	return &snapshot, nil
}

// Vote records or overwrites a swarm's vote and evaluates quorum. Voting on
// a proposal that is no longer pending is a benign no-op with Accepted=false.
// Approval quorum finalizes the proposal immediately; so does approval
// becoming mathematically impossible given the swarms that have not voted.
func (c *Coordinator) Vote(swarmID, proposalID string, approve bool) (*VoteResult, error) {
	if !c.reg.Contains(swarmID) {
		return nil, ErrUnknownVoter
	}

	// Membership is read outside the proposal lock; quorum uses the swarms
	// active at the moment of this evaluation, not a propose-time snapshot.
	activeIDs := c.reg.ActiveIDs()
	quorum := len(activeIDs)/2 + 1

	c.mu.Lock()
	p, ok := c.proposals[proposalID]
	if !ok {
		c.mu.Unlock()
		return nil, ErrUnknownProposal
	}
	if p.Status != StatusPending {
		res := &VoteResult{Accepted: false, Status: p.Status}
		c.mu.Unlock()
		return res, nil
	}

	p.Votes[swarmID] = approve

	approvals := 0
	for _, v := range p.Votes {
		if v {
			approvals++
		}
	}
	// Only active swarms that have not voted can still add approvals; votes
	// already cast by since-offline swarms must not shrink this count.
	notVoted := 0
	for _, id := range activeIDs {
		if _, voted := p.Votes[id]; !voted {
			notVoted++
		}
	}

	var final Status
	switch {
	case approvals >= quorum:
		final = StatusApproved
	case approvals+notVoted < quorum:
		// Early exit: even if every remaining swarm approves, quorum is out
		// of reach.
		final = StatusRejected
	}

	if final != "" {
		c.finalizeLocked(p, final)
	}
	snapshot := c.snapshotLocked(p)
	c.mu.Unlock()

	c.persist(&snapshot)
	if final != "" {
		c.publishFinalized(&snapshot)
	}

	return &VoteResult{
		Accepted:  true,
		Status:    snapshot.Status,
		Approvals: approvals,
		Quorum:    quorum,
	}, nil
}

// Get returns a copy of a proposal.
func (c *Coordinator) Get(proposalID string) (*Proposal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.proposals[proposalID]
	if !ok {
		return nil, ErrUnknownProposal
	}
	snapshot := c.snapshotLocked(p)
	return &snapshot, nil
}

// List returns all proposals, optionally filtered by status.
func (c *Coordinator) List(status Status) []Proposal {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Proposal
	for _, p := range c.proposals {
		if status != "" && p.Status != status {
			continue
		}
		out = append(out, c.snapshotLocked(p))
	}
	return out
}

// CountsByStatus aggregates the proposal table for federation stats.
func (c *Coordinator) CountsByStatus() map[Status]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	counts := make(map[Status]int)
	for _, p := range c.proposals {
		counts[p.Status]++
	}
	return counts
}

// Close cancels every pending expiry timer. Proposals still pending stay
// pending; a restarted coordinator would expire them on schedule.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}
}

// expire is the timer-driven path into the same finalization as Vote; the
// first to observe the pending status wins, all others are no-ops.
func (c *Coordinator) expire(proposalID string) {
	c.mu.Lock()
	p, ok := c.proposals[proposalID]
	if !ok || p.Status != StatusPending {
		c.mu.Unlock()
		return
	}
	c.finalizeLocked(p, StatusExpired)
	snapshot := c.snapshotLocked(p)
	c.mu.Unlock()

	c.persist(&snapshot)
	c.publishFinalized(&snapshot)
	slog.Info("proposal expired", "proposal", proposalID)
}

func (c *Coordinator) finalizeLocked(p *Proposal, status Status) {
	p.Status = status
	now := time.Now().UTC()
	p.FinalizedAt = &now
	if timer, ok := c.timers[p.ID]; ok {
		timer.Stop()
		delete(c.timers, p.ID)
	}
}

func (c *Coordinator) snapshotLocked(p *Proposal) Proposal {
	snapshot := *p
	snapshot.Votes = make(map[string]bool, len(p.Votes))
	for k, v := range p.Votes {
		snapshot.Votes[k] = v
	}
	return snapshot
}

func (c *Coordinator) persist(p *Proposal) {
	if c.store == nil {
		return
	}

	votes, err := json.Marshal(p.Votes)
	if err != nil {
		votes = []byte("{}")
	}
	row := &store.Proposal{
		ID:          p.ID,
		ProposerID:  p.ProposerID,
		Type:        p.Type,
		Value:       p.Value,
		Status:      string(p.Status),
		Votes:       votes,
		CreatedAt:   p.CreatedAt,
		ExpiresAt:   p.ExpiresAt,
		FinalizedAt: p.FinalizedAt,
	}
	if err := c.store.SaveProposal(row); err != nil {
		slog.Error("failed to persist proposal", "proposal", p.ID, "error", err)
	}
}

func (c *Coordinator) publishFinalized(p *Proposal) {
	c.publishEvent(p.ID, "proposal_finalized", map[string]any{
		"status": p.Status,
		"votes":  len(p.Votes),
	})
	slog.Info("proposal finalized", "proposal", p.ID, "status", p.Status)
}

func (c *Coordinator) publishEvent(proposalID, eventType string, data map[string]any) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishEvent(natsbus.TopicEventsProposal(proposalID), eventType, "proposal_id", proposalID, data); err != nil {
		slog.Warn("failed to publish proposal event", "proposal", proposalID, "error", err)
	}
}
