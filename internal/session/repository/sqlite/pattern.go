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

// CreatePattern inserts a new agent pattern definition into the database.
func (r *Repository) CreatePattern(ctx context.Context, pattern *models.AgentPattern) error {
	if pattern.ID == "" {
		pattern.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if pattern.CreatedAt.IsZero() {
		pattern.CreatedAt = now
	}
	if pattern.UpdatedAt.IsZero() {
		pattern.UpdatedAt = now
	}
	if pattern.PatternType == "" {
		pattern.PatternType = models.PatternTypeSolo
	}
	if pattern.HumanInvolvement == "" {
		pattern.HumanInvolvement = models.HumanInvolvementCheckpoints
	}
	if pattern.MaxIterations == 0 {
		pattern.MaxIterations = 3
	}

	configJSON := "{}"
	if pattern.Config != nil {
		configBytes, err := json.Marshal(pattern.Config)
		if err != nil {
			return fmt.Errorf("failed to serialize pattern config: %w", err)
		}
		configJSON = string(configBytes)
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agent_patterns (id, name, description, pattern_type, config_json, human_involvement, max_iterations, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), pattern.ID, pattern.Name, nullIfEmpty(pattern.Description), string(pattern.PatternType),
		configJSON, string(pattern.HumanInvolvement), pattern.MaxIterations,
		pattern.CreatedAt, pattern.UpdatedAt)

	return err
}

// GetPattern retrieves an agent pattern by ID.
// Returns sql.ErrNoRows if the pattern is not found.
func (r *Repository) GetPattern(ctx context.Context, id string) (*models.AgentPattern, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, name, description, pattern_type, config_json, human_involvement, max_iterations, created_at, updated_at
		FROM agent_patterns
		WHERE id = ?
	`), id)
	return scanPattern(row)
}

// ListPatterns retrieves all agent patterns, most recently updated first.
func (r *Repository) ListPatterns(ctx context.Context) ([]*models.AgentPattern, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT id, name, description, pattern_type, config_json, human_involvement, max_iterations, created_at, updated_at
		FROM agent_patterns
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list patterns: %w", err)
	}
	defer rows.Close()

	var patterns []*models.AgentPattern
	for rows.Next() {
		pattern, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, pattern)
	}
	return patterns, rows.Err()
}

// UpdatePattern rewrites a pattern's editable fields.
func (r *Repository) UpdatePattern(ctx context.Context, pattern *models.AgentPattern) error {
	pattern.UpdatedAt = time.Now().UTC()

	configJSON := "{}"
	if pattern.Config != nil {
		configBytes, err := json.Marshal(pattern.Config)
		if err != nil {
			return fmt.Errorf("failed to serialize pattern config: %w", err)
		}
		configJSON = string(configBytes)
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agent_patterns
		SET name = ?, description = ?, pattern_type = ?, config_json = ?,
		    human_involvement = ?, max_iterations = ?, updated_at = ?
		WHERE id = ?
	`), pattern.Name, nullIfEmpty(pattern.Description), string(pattern.PatternType),
		configJSON, string(pattern.HumanInvolvement), pattern.MaxIterations,
		pattern.UpdatedAt, pattern.ID)

	return err
}

// DeletePattern removes an agent pattern definition.
func (r *Repository) DeletePattern(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM agent_patterns WHERE id = ?`), id)
	return err
}

func scanPattern(row interface {
	Scan(dest ...interface{}) error
}) (*models.AgentPattern, error) {
	pattern := &models.AgentPattern{}
	var description sql.NullString
	var patternType, humanInvolvement string
	var configJSON string
	var createdAt, updatedAt sql.NullTime

	err := row.Scan(&pattern.ID, &pattern.Name, &description, &patternType,
		&configJSON, &humanInvolvement, &pattern.MaxIterations, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	pattern.Description = description.String
	pattern.PatternType = models.PatternType(patternType)
	pattern.HumanInvolvement = models.HumanInvolvement(humanInvolvement)
	pattern.CreatedAt = createdAt.Time
	pattern.UpdatedAt = updatedAt.Time
	if configJSON != "" && configJSON != "{}" {
		if err := json.Unmarshal([]byte(configJSON), &pattern.Config); err != nil {
			return nil, fmt.Errorf("failed to deserialize pattern config: %w", err)
		}
	}
	return pattern, nil
}
