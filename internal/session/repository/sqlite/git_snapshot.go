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

// SaveGitSnapshot inserts a git snapshot into the database.
func (r *Repository) SaveGitSnapshot(ctx context.Context, snapshot *models.GitSnapshot) error {
	if snapshot.ID == "" {
		snapshot.ID = uuid.New().String()
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	dirtyJSON, err := marshalStringList(snapshot.DirtyFiles)
	if err != nil {
		return fmt.Errorf("failed to serialize dirty files: %w", err)
	}
	stagedJSON, err := marshalStringList(snapshot.StagedFiles)
	if err != nil {
		return fmt.Errorf("failed to serialize staged files: %w", err)
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO git_snapshots (id, event_id, run_id, commit_hash, branch, dirty_files_json, staged_files_json, diff_stat, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), snapshot.ID, nullIfEmpty(snapshot.EventID), snapshot.RunID,
		nullIfEmpty(snapshot.CommitHash), nullIfEmpty(snapshot.Branch),
		dirtyJSON, stagedJSON, snapshot.DiffStat, snapshot.CreatedAt)

	return err
}

// ListGitSnapshotsForRun retrieves the git snapshots for a run in the
// order they were taken.
func (r *Repository) ListGitSnapshotsForRun(ctx context.Context, runID string) ([]*models.GitSnapshot, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, event_id, run_id, commit_hash, branch, dirty_files_json, staged_files_json, diff_stat, created_at
		FROM git_snapshots
		WHERE run_id = ?
		ORDER BY created_at
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list git snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*models.GitSnapshot
	for rows.Next() {
		snapshot := &models.GitSnapshot{}
		var eventID, commitHash, branch sql.NullString
		var dirtyJSON, stagedJSON string

		if err := rows.Scan(&snapshot.ID, &eventID, &snapshot.RunID, &commitHash,
			&branch, &dirtyJSON, &stagedJSON, &snapshot.DiffStat, &snapshot.CreatedAt); err != nil {
			return nil, err
		}

		snapshot.EventID = eventID.String
		snapshot.CommitHash = commitHash.String
		snapshot.Branch = branch.String
		if err := json.Unmarshal([]byte(dirtyJSON), &snapshot.DirtyFiles); err != nil {
			return nil, fmt.Errorf("failed to deserialize dirty files: %w", err)
		}
		if err := json.Unmarshal([]byte(stagedJSON), &snapshot.StagedFiles); err != nil {
			return nil, fmt.Errorf("failed to deserialize staged files: %w", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

// marshalStringList serializes a string slice, mapping nil to the empty
// JSON array so the column never stores SQL NULL.
func marshalStringList(list []string) (string, error) {
	if list == nil {
		return "[]", nil
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
