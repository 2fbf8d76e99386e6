package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Proposal struct {
	ID          string          `json:"id"`
	ProposerID  string          `json:"proposer_id"`
	Type        string          `json:"type"`
	Value       json.RawMessage `json:"value,omitempty"`
	Status      string          `json:"status"`
	Votes       json.RawMessage `json:"votes"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	FinalizedAt *time.Time      `json:"finalized_at,omitempty"`
}

const proposalColumns = `id, proposer_id, type, value, status, votes, created_at, expires_at, finalized_at`

func scanProposal(scanner interface {
	Scan(dest ...any) error
}) (*Proposal, error) {
	p := &Proposal{}
	var value sql.NullString
	err := scanner.Scan(&p.ID, &p.ProposerID, &p.Type, &value, &p.Status, &p.Votes,
		&p.CreatedAt, &p.ExpiresAt, &p.FinalizedAt)
	if err != nil {
		return nil, err
	}
	if value.Valid {
		p.Value = json.RawMessage(value.String)
	}
	return p, nil
}

func (s *Store) SaveProposal(p *Proposal) error {
	var value any
	if p.Value != nil {
		value = string(p.Value)
	}
	votes := p.Votes
	if votes == nil {
		votes = json.RawMessage("{}")
	}
	_, err := s.db.Exec(`
		INSERT INTO proposals (id, proposer_id, type, value, status, votes, created_at, expires_at, finalized_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			votes = excluded.votes,
			finalized_at = excluded.finalized_at`,
		p.ID, p.ProposerID, p.Type, value, p.Status, string(votes), p.CreatedAt, p.ExpiresAt, p.FinalizedAt)
	if err != nil {
		return fmt.Errorf("save proposal: %w", err)
	}
	return nil
}

func (s *Store) GetProposal(id string) (*Proposal, error) {
	row := s.db.QueryRow(`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *Store) ListProposals() ([]Proposal, error) {
	rows, err := s.db.Query(`SELECT ` + proposalColumns + ` FROM proposals ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	var proposals []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		proposals = append(proposals, *p)
	}
	return proposals, rows.Err()
}
