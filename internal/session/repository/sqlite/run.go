package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drover/drover/internal/session/models"
)

// CreateRun inserts a new run into the database.
func (r *Repository) CreateRun(ctx context.Context, run *models.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO runs (id, session_id, prompt, model, parent_run_id, branch_point_event_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), run.ID, run.SessionID, run.Prompt, nullIfEmpty(run.Model),
		nullIfEmpty(run.ParentRunID), nullIfEmpty(run.BranchPointEventID),
		string(run.Status), run.CreatedAt)

	return err
}

// GetRun retrieves a run by ID.
// Returns sql.ErrNoRows if the run is not found.
func (r *Repository) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, session_id, prompt, model, status, title, parent_run_id, branch_point_event_id,
		       tokens_in, tokens_out, cost_usd, duration_ms, final_output, error_message,
		       started_at, completed_at, created_at
		FROM runs
		WHERE id = ?
	`), id)
	return scanRun(row)
}

// ListRunsForSession retrieves all runs for a session, newest first.
func (r *Repository) ListRunsForSession(ctx context.Context, sessionID string) ([]*models.Run, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, session_id, prompt, model, status, title, parent_run_id, branch_point_event_id,
		       tokens_in, tokens_out, cost_usd, duration_ms, final_output, error_message,
		       started_at, completed_at, created_at
		FROM runs
		WHERE session_id = ?
		ORDER BY created_at DESC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus changes a run's status. Transitions to running stamp
// started_at; transitions to completed or failed stamp completed_at and
// record the error message, if any.
func (r *Repository) UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, errorMessage string) error {
	now := time.Now().UTC()

	switch status {
	case models.RunStatusRunning:
		_, err := r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE runs SET status = ?, started_at = ? WHERE id = ?
		`), string(status), now, id)
		return err
	case models.RunStatusCompleted, models.RunStatusFailed:
		_, err := r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE runs SET status = ?, completed_at = ?, error_message = ? WHERE id = ?
		`), string(status), now, nullIfEmpty(errorMessage), id)
		return err
	default:
		_, err := r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE runs SET status = ? WHERE id = ?
		`), string(status), id)
		return err
	}
}

// UpdateRunMetrics accumulates token and cost counters and records the
// latest duration for a run.
func (r *Repository) UpdateRunMetrics(ctx context.Context, id string, tokensIn, tokensOut int64, costUSD float64, durationMs int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE runs
		SET tokens_in = tokens_in + ?, tokens_out = tokens_out + ?, cost_usd = cost_usd + ?, duration_ms = ?
		WHERE id = ?
	`), tokensIn, tokensOut, costUSD, durationMs, id)
	return err
}

// UpdateRunTitle sets a run's display title.
func (r *Repository) UpdateRunTitle(ctx context.Context, id, title string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE runs SET title = ? WHERE id = ?
	`), title, id)
	return err
}

// UpdateRunPrompt replaces a run's prompt text.
func (r *Repository) UpdateRunPrompt(ctx context.Context, id, prompt string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE runs SET prompt = ? WHERE id = ?
	`), prompt, id)
	return err
}

// SetRunOutput records the final assistant output for a run.
func (r *Repository) SetRunOutput(ctx context.Context, id, finalOutput string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE runs SET final_output = ? WHERE id = ?
	`), finalOutput, id)
	return err
}

func scanRun(row interface {
	Scan(dest ...interface{}) error
}) (*models.Run, error) {
	run := &models.Run{}
	var model, title, parentRunID, branchPointEventID sql.NullString
	var finalOutput, errorMessage sql.NullString
	var status string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&run.ID, &run.SessionID, &run.Prompt, &model, &status, &title,
		&parentRunID, &branchPointEventID, &run.TokensIn, &run.TokensOut,
		&run.CostUSD, &run.DurationMs, &finalOutput, &errorMessage,
		&startedAt, &completedAt, &run.CreatedAt)
	if err != nil {
		return nil, err
	}

	run.Model = model.String
	run.Status = models.RunStatus(status)
	run.Title = title.String
	run.ParentRunID = parentRunID.String
	run.BranchPointEventID = branchPointEventID.String
	run.FinalOutput = finalOutput.String
	run.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	return run, nil
}

// nullIfEmpty maps empty strings to NULL so optional text columns stay
// NULL instead of collecting empty strings.
func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
