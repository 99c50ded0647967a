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

// SaveSessionSnapshot inserts a resumable session snapshot.
func (r *Repository) SaveSessionSnapshot(ctx context.Context, snapshot *models.SessionSnapshot) error {
	if snapshot.ID == "" {
		snapshot.ID = uuid.New().String()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	summaryJSON := "{}"
	if snapshot.Summary != nil {
		summaryBytes, err := json.Marshal(snapshot.Summary)
		if err != nil {
			return fmt.Errorf("failed to serialize snapshot summary: %w", err)
		}
		summaryJSON = string(summaryBytes)
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO session_snapshots (id, run_id, session_id, goal, summary_json, resume_prompt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), snapshot.ID, snapshot.RunID, snapshot.SessionID, nullIfEmpty(snapshot.Goal),
		summaryJSON, snapshot.ResumePrompt, snapshot.CreatedAt)

	return err
}

// GetSnapshotForRun retrieves the snapshot captured for a run.
// Returns sql.ErrNoRows if the run has no snapshot.
func (r *Repository) GetSnapshotForRun(ctx context.Context, runID string) (*models.SessionSnapshot, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, run_id, session_id, goal, summary_json, resume_prompt, created_at
		FROM session_snapshots
		WHERE run_id = ?
		LIMIT 1
	`), runID)
	return scanSessionSnapshot(row)
}

// GetLatestSnapshotForSession retrieves the newest snapshot for a session.
// Returns sql.ErrNoRows if the session has no snapshots.
func (r *Repository) GetLatestSnapshotForSession(ctx context.Context, sessionID string) (*models.SessionSnapshot, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, run_id, session_id, goal, summary_json, resume_prompt, created_at
		FROM session_snapshots
		WHERE session_id = ?
		ORDER BY created_at DESC LIMIT 1
	`), sessionID)
	return scanSessionSnapshot(row)
}

func scanSessionSnapshot(row interface {
	Scan(dest ...interface{}) error
}) (*models.SessionSnapshot, error) {
	snapshot := &models.SessionSnapshot{}
	var goal sql.NullString
	var summaryJSON string
	var createdAt sql.NullTime

	err := row.Scan(&snapshot.ID, &snapshot.RunID, &snapshot.SessionID, &goal,
		&summaryJSON, &snapshot.ResumePrompt, &createdAt)
	if err != nil {
		return nil, err
	}

	snapshot.Goal = goal.String
	snapshot.CreatedAt = createdAt.Time
	if summaryJSON != "" && summaryJSON != "{}" {
		if err := json.Unmarshal([]byte(summaryJSON), &snapshot.Summary); err != nil {
			return nil, fmt.Errorf("failed to deserialize snapshot summary: %w", err)
		}
	}
	return snapshot, nil
}
