package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Swarm struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Capabilities  json.RawMessage `json:"capabilities"`
	MaxAgents     int             `json:"max_agents"`
	CurrentAgents int             `json:"current_agents"`
	Status        string          `json:"status"`
	Endpoint      string          `json:"endpoint,omitempty"`
	JoinToken     []byte          `json:"-"`
	JoinNonce     []byte          `json:"-"`
	RegisteredAt  time.Time       `json:"registered_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

const swarmColumns = `id, name, capabilities, max_agents, current_agents, status, endpoint, join_token, join_nonce, registered_at, updated_at`

func scanSwarm(scanner interface {
	Scan(dest ...any) error
}) (*Swarm, error) {
	sw := &Swarm{}
	var endpoint sql.NullString
	err := scanner.Scan(&sw.ID, &sw.Name, &sw.Capabilities, &sw.MaxAgents, &sw.CurrentAgents,
		&sw.Status, &endpoint, &sw.JoinToken, &sw.JoinNonce, &sw.RegisteredAt, &sw.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sw.Endpoint = endpoint.String
	return sw, nil
}

func (s *Store) SaveSwarm(sw *Swarm) error {
	_, err := s.db.Exec(`
		INSERT INTO swarms (id, name, capabilities, max_agents, current_agents, status, endpoint, join_token, join_nonce)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			capabilities = excluded.capabilities,
			max_agents = excluded.max_agents,
			current_agents = excluded.current_agents,
			status = excluded.status,
			endpoint = excluded.endpoint,
			join_token = excluded.join_token,
			join_nonce = excluded.join_nonce,
			updated_at = CURRENT_TIMESTAMP`,
		sw.ID, sw.Name, string(sw.Capabilities), sw.MaxAgents, sw.CurrentAgents, sw.Status, sw.Endpoint, sw.JoinToken, sw.JoinNonce)
	if err != nil {
		return fmt.Errorf("save swarm: %w", err)
	}
	return nil
}

func (s *Store) GetSwarm(id string) (*Swarm, error) {
	row := s.db.QueryRow(`SELECT `+swarmColumns+` FROM swarms WHERE id = ?`, id)
	sw, err := scanSwarm(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	return sw, nil
}

func (s *Store) ListSwarms() ([]Swarm, error) {
	rows, err := s.db.Query(`SELECT ` + swarmColumns + ` FROM swarms ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list swarms: %w", err)
	}
	defer rows.Close()

	var swarms []Swarm
	for rows.Next() {
		sw, err := scanSwarm(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm: %w", err)
		}
		swarms = append(swarms, *sw)
	}
	return swarms, rows.Err()
}

func (s *Store) UpdateSwarmLoad(id string, currentAgents int) error {
	_, err := s.db.Exec(`UPDATE swarms SET current_agents = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		currentAgents, id)
	return err
}

func (s *Store) UpdateSwarmStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE swarms SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status, id)
	return err
}
