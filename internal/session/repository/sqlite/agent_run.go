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

// CreateAgentRun inserts a new agent turn record into the database.
func (r *Repository) CreateAgentRun(ctx context.Context, agentRun *models.AgentRun) error {
	if agentRun.ID == "" {
		agentRun.ID = uuid.New().String()
	}
	if agentRun.CreatedAt.IsZero() {
		agentRun.CreatedAt = time.Now().UTC()
	}
	if agentRun.Pattern == "" {
		agentRun.Pattern = string(models.PatternTypeSolo)
	}
	if agentRun.Status == "" {
		agentRun.Status = models.AgentRunStatusPending
	}

	metadataJSON := "{}"
	if agentRun.Metadata != nil {
		metadataBytes, err := json.Marshal(agentRun.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize agent run metadata: %w", err)
		}
		metadataJSON = string(metadataBytes)
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO agent_runs (id, agent_id, run_id, parent_agent_run_id, pattern, role_in_pattern,
		                        sequence, iteration, status, input_text, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), agentRun.ID, agentRun.AgentID, agentRun.RunID, nullIfEmpty(agentRun.ParentAgentRunID),
		agentRun.Pattern, nullIfEmpty(agentRun.RoleInPattern), agentRun.Sequence,
		agentRun.Iteration, string(agentRun.Status), nullIfEmpty(agentRun.InputText),
		metadataJSON, agentRun.CreatedAt)

	return err
}

// GetAgentRun retrieves an agent turn by ID.
// Returns sql.ErrNoRows if the agent run is not found.
func (r *Repository) GetAgentRun(ctx context.Context, id string) (*models.AgentRun, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, agent_id, run_id, parent_agent_run_id, pattern, role_in_pattern, sequence, iteration,
		       status, input_text, output_text, metadata_json, started_at, completed_at, created_at
		FROM agent_runs
		WHERE id = ?
	`), id)
	return scanAgentRun(row)
}

// ListAgentRunsForRun retrieves the agent turns executed inside a run,
// in pattern order.
func (r *Repository) ListAgentRunsForRun(ctx context.Context, runID string) ([]*models.AgentRun, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, agent_id, run_id, parent_agent_run_id, pattern, role_in_pattern, sequence, iteration,
		       status, input_text, output_text, metadata_json, started_at, completed_at, created_at
		FROM agent_runs
		WHERE run_id = ?
		ORDER BY sequence, iteration
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent runs: %w", err)
	}
	defer rows.Close()
	return collectAgentRuns(rows)
}

// ListAgentRunsForAgent retrieves the turns executed by one agent,
// newest first.
func (r *Repository) ListAgentRunsForAgent(ctx context.Context, agentID string) ([]*models.AgentRun, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, agent_id, run_id, parent_agent_run_id, pattern, role_in_pattern, sequence, iteration,
		       status, input_text, output_text, metadata_json, started_at, completed_at, created_at
		FROM agent_runs
		WHERE agent_id = ?
		ORDER BY created_at DESC
	`), agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent runs: %w", err)
	}
	defer rows.Close()
	return collectAgentRuns(rows)
}

// UpdateAgentRunStatus changes an agent turn's status. Transitions to
// running stamp started_at; transitions to completed or failed record
// the output text and stamp completed_at.
func (r *Repository) UpdateAgentRunStatus(ctx context.Context, id string, status models.AgentRunStatus, outputText string) error {
	now := time.Now().UTC()

	switch status {
	case models.AgentRunStatusRunning:
		_, err := r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE agent_runs SET status = ?, started_at = ? WHERE id = ?
		`), string(status), now, id)
		return err
	case models.AgentRunStatusCompleted, models.AgentRunStatusFailed:
		_, err := r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE agent_runs SET status = ?, output_text = ?, completed_at = ? WHERE id = ?
		`), string(status), outputText, now, id)
		return err
	default:
		_, err := r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE agent_runs SET status = ? WHERE id = ?
		`), string(status), id)
		return err
	}
}

func collectAgentRuns(rows *sql.Rows) ([]*models.AgentRun, error) {
	var agentRuns []*models.AgentRun
	for rows.Next() {
		agentRun, err := scanAgentRun(rows)
		if err != nil {
			return nil, err
		}
		agentRuns = append(agentRuns, agentRun)
	}
	return agentRuns, rows.Err()
}

func scanAgentRun(row interface {
	Scan(dest ...interface{}) error
}) (*models.AgentRun, error) {
	agentRun := &models.AgentRun{}
	var parentAgentRunID, roleInPattern, inputText, outputText sql.NullString
	var status string
	var metadataJSON string
	var startedAt, completedAt sql.NullTime
	var createdAt sql.NullTime

	err := row.Scan(&agentRun.ID, &agentRun.AgentID, &agentRun.RunID, &parentAgentRunID,
		&agentRun.Pattern, &roleInPattern, &agentRun.Sequence, &agentRun.Iteration,
		&status, &inputText, &outputText, &metadataJSON, &startedAt, &completedAt, &createdAt)
	if err != nil {
		return nil, err
	}

	agentRun.ParentAgentRunID = parentAgentRunID.String
	agentRun.RoleInPattern = roleInPattern.String
	agentRun.Status = models.AgentRunStatus(status)
	agentRun.InputText = inputText.String
	agentRun.OutputText = outputText.String
	agentRun.CreatedAt = createdAt.Time
	if startedAt.Valid {
		t := startedAt.Time
		agentRun.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		agentRun.CompletedAt = &t
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &agentRun.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize agent run metadata: %w", err)
		}
	}
	return agentRun, nil
}
