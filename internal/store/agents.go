package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type EphemeralAgent struct {
	ID           string          `json:"id"`
	SwarmID      string          `json:"swarm_id"`
	Type         string          `json:"type"`
	Task         string          `json:"task"`
	Status       string          `json:"status"`
	Priority     string          `json:"priority"`
	RequiredCaps json.RawMessage `json:"required_capabilities,omitempty"`
	TTLMs        int64           `json:"ttl_ms"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	TerminatedAt *time.Time      `json:"terminated_at,omitempty"`
	Reason       string          `json:"reason,omitempty"`
}

const agentColumns = `id, swarm_id, type, task, status, priority, required_caps, ttl_ms, created_at, expires_at, terminated_at, reason`

func scanAgent(scanner interface {
	Scan(dest ...any) error
}) (*EphemeralAgent, error) {
	a := &EphemeralAgent{}
	var caps, reason sql.NullString
	err := scanner.Scan(&a.ID, &a.SwarmID, &a.Type, &a.Task, &a.Status, &a.Priority,
		&caps, &a.TTLMs, &a.CreatedAt, &a.ExpiresAt, &a.TerminatedAt, &reason)
	if err != nil {
		return nil, err
	}
	if caps.Valid {
		a.RequiredCaps = json.RawMessage(caps.String)
	}
	a.Reason = reason.String
	return a, nil
}

func (s *Store) SaveEphemeralAgent(a *EphemeralAgent) error {
	var caps any
	if a.RequiredCaps != nil {
		caps = string(a.RequiredCaps)
	}
	_, err := s.db.Exec(`
		INSERT INTO ephemeral_agents (id, swarm_id, type, task, status, priority, required_caps, ttl_ms, created_at, expires_at, terminated_at, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			terminated_at = excluded.terminated_at,
			reason = excluded.reason`,
		a.ID, a.SwarmID, a.Type, a.Task, a.Status, a.Priority, caps, a.TTLMs,
		a.CreatedAt, a.ExpiresAt, a.TerminatedAt, a.Reason)
	if err != nil {
		return fmt.Errorf("save ephemeral agent: %w", err)
	}
	return nil
}

func (s *Store) GetEphemeralAgent(id string) (*EphemeralAgent, error) {
	row := s.db.QueryRow(`SELECT `+agentColumns+` FROM ephemeral_agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ephemeral agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListEphemeralAgents() ([]EphemeralAgent, error) {
	rows, err := s.db.Query(`SELECT ` + agentColumns + ` FROM ephemeral_agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list ephemeral agents: %w", err)
	}
	defer rows.Close()

	var agents []EphemeralAgent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ephemeral agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}
