package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/wacall/wacall/internal/database/models"
)

// agentRepo implements AgentRepository.
type agentRepo struct {
	db *DB
}

// NewAgentRepository creates a new AgentRepository.
func NewAgentRepository(db *DB) AgentRepository {
	return &agentRepo{db: db}
}

// Create inserts a new agent account.
func (r *agentRepo) Create(ctx context.Context, agent *models.Agent) error {
	now := time.Now().UTC()
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO agents (username, display_name, password_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		agent.Username, agent.DisplayName, agent.PasswordHash, now, now,
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	agent.ID = id
	return nil
}

// GetByUsername returns an agent by username.
func (r *agentRepo) GetByUsername(ctx context.Context, username string) (*models.Agent, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, password_hash, created_at, updated_at
		 FROM agents WHERE username = ?`, username,
	)

	var a models.Agent
	err := row.Scan(&a.ID, &a.Username, &a.DisplayName, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning agent: %w", err)
	}
	return &a, nil
}

// Count returns the number of agent accounts.
func (r *agentRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting agents: %w", err)
	}
	return n, nil
}
