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

// UpsertRunMemory stores the structured memory for a run, replacing any
// earlier entry. Each run keeps exactly one memory entry.
func (r *Repository) UpsertRunMemory(ctx context.Context, entry *models.RunMemoryEntry) error {
	now := time.Now().UTC()
	entry.UpdatedAt = now

	memoryJSON := "{}"
	if entry.Memory != nil {
		memoryBytes, err := json.Marshal(entry.Memory)
		if err != nil {
			return fmt.Errorf("failed to serialize run memory: %w", err)
		}
		memoryJSON = string(memoryBytes)
	}

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE run_memory_entries
		SET objective = ?, short_summary = ?, memory_json = ?, updated_at = ?
		WHERE run_id = ?
	`), nullIfEmpty(entry.Objective), entry.ShortSummary, memoryJSON, entry.UpdatedAt, entry.RunID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO run_memory_entries (id, run_id, session_id, objective, short_summary, memory_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.RunID, entry.SessionID, nullIfEmpty(entry.Objective),
		entry.ShortSummary, memoryJSON, entry.CreatedAt, entry.UpdatedAt)

	return err
}

// GetRunMemory retrieves the memory entry for a run.
// Returns sql.ErrNoRows if the run has no memory entry.
func (r *Repository) GetRunMemory(ctx context.Context, runID string) (*models.RunMemoryEntry, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, run_id, session_id, objective, short_summary, memory_json, created_at, updated_at
		FROM run_memory_entries
		WHERE run_id = ?
	`), runID)
	return scanRunMemory(row)
}

// ListRunMemoryForSession retrieves the memory entries for a session,
// newest first. A non-positive limit falls back to 50.
func (r *Repository) ListRunMemoryForSession(ctx context.Context, sessionID string, limit int) ([]*models.RunMemoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT id, run_id, session_id, objective, short_summary, memory_json, created_at, updated_at
		FROM run_memory_entries
		WHERE session_id = ?
		ORDER BY created_at DESC LIMIT ?
	`), sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list run memory: %w", err)
	}
	defer rows.Close()

	var entries []*models.RunMemoryEntry
	for rows.Next() {
		entry, err := scanRunMemory(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanRunMemory(row interface {
	Scan(dest ...interface{}) error
}) (*models.RunMemoryEntry, error) {
	entry := &models.RunMemoryEntry{}
	var objective sql.NullString
	var memoryJSON string
	var createdAt, updatedAt sql.NullTime

	err := row.Scan(&entry.ID, &entry.RunID, &entry.SessionID, &objective,
		&entry.ShortSummary, &memoryJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	entry.Objective = objective.String
	entry.CreatedAt = createdAt.Time
	entry.UpdatedAt = updatedAt.Time
	if memoryJSON != "" && memoryJSON != "{}" {
		if err := json.Unmarshal([]byte(memoryJSON), &entry.Memory); err != nil {
			return nil, fmt.Errorf("failed to deserialize run memory: %w", err)
		}
	}
	return entry, nil
}
