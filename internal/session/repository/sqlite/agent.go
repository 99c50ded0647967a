package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drover/drover/internal/session/models"
)

// CreateAgent inserts a new agent definition into the database.
func (r *Repository) CreateAgent(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = now
	}
	if agent.Model == "" {
		agent.Model = "sonnet"
	}

	toolsJSON, err := marshalStringList(agent.Tools)
	if err != nil {
		return fmt.Errorf("failed to serialize agent tools: %w", err)
	}
	constraintsJSON := "{}"
	if agent.Constraints != nil {
		constraintsBytes, err := json.Marshal(agent.Constraints)
		if err != nil {
			return fmt.Errorf("failed to serialize agent constraints: %w", err)
		}
		constraintsJSON = string(constraintsBytes)
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agents (id, name, description, role, personality, system_prompt, model, tools_json, constraints_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), agent.ID, agent.Name, nullIfEmpty(agent.Description), nullIfEmpty(agent.Role),
		nullIfEmpty(agent.Personality), nullIfEmpty(agent.SystemPrompt), agent.Model,
		toolsJSON, constraintsJSON, agent.CreatedAt, agent.UpdatedAt)

	return err
}

// GetAgent retrieves an agent by ID.
// Returns sql.ErrNoRows if the agent is not found.
func (r *Repository) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, name, description, role, personality, system_prompt, model, tools_json, constraints_json, created_at, updated_at
		FROM agents
		WHERE id = ?
	`), id)
	return scanAgent(row)
}

// ListAgents retrieves all agent definitions, most recently updated first.
func (r *Repository) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, name, description, role, personality, system_prompt, model, tools_json, constraints_json, created_at, updated_at
		FROM agents
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// UpdateAgent rewrites an agent's editable fields.
func (r *Repository) UpdateAgent(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now().UTC()

	toolsJSON, err := marshalStringList(agent.Tools)
	if err != nil {
		return fmt.Errorf("failed to serialize agent tools: %w", err)
	}
	constraintsJSON := "{}"
	if agent.Constraints != nil {
		constraintsBytes, err := json.Marshal(agent.Constraints)
		if err != nil {
			return fmt.Errorf("failed to serialize agent constraints: %w", err)
		}
		constraintsJSON = string(constraintsBytes)
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agents
		SET name = ?, description = ?, role = ?, personality = ?, system_prompt = ?,
		    model = ?, tools_json = ?, constraints_json = ?, updated_at = ?
		WHERE id = ?
	`), agent.Name, nullIfEmpty(agent.Description), nullIfEmpty(agent.Role),
		nullIfEmpty(agent.Personality), nullIfEmpty(agent.SystemPrompt), agent.Model,
		toolsJSON, constraintsJSON, agent.UpdatedAt, agent.ID)

	return err
}

// DeleteAgent removes an agent definition.
func (r *Repository) DeleteAgent(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	return err
}

func scanAgent(row interface {
	Scan(dest ...interface{}) error
}) (*models.Agent, error) {
	agent := &models.Agent{}
	var description, role, personality, systemPrompt sql.NullString
	var toolsJSON, constraintsJSON string
	var createdAt, updatedAt sql.NullTime

	err := row.Scan(&agent.ID, &agent.Name, &description, &role, &personality,
		&systemPrompt, &agent.Model, &toolsJSON, &constraintsJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	agent.Description = description.String
	agent.Role = role.String
	agent.Personality = personality.String
	agent.SystemPrompt = systemPrompt.String
	agent.CreatedAt = createdAt.Time
	agent.UpdatedAt = updatedAt.Time
	if err := json.Unmarshal([]byte(toolsJSON), &agent.Tools); err != nil {
		return nil, fmt.Errorf("failed to deserialize agent tools: %w", err)
	}
	if constraintsJSON != "" && constraintsJSON != "{}" {
		if err := json.Unmarshal([]byte(constraintsJSON), &agent.Constraints); err != nil {
			return nil, fmt.Errorf("failed to deserialize agent constraints: %w", err)
		}
	}
	return agent, nil
}
