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

// CreateSession inserts a new session into the database.
func (r *Repository) CreateSession(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = now
	}
	if session.Status == "" {
		session.Status = models.SessionStatusActive
	}

	configJSON := "{}"
	if session.Config != nil {
		configBytes, err := json.Marshal(session.Config)
		if err != nil {
			return fmt.Errorf("failed to serialize session config: %w", err)
		}
		configJSON = string(configBytes)
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (id, name, working_dir, status, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.Name, session.WorkingDir, string(session.Status),
		configJSON, session.CreatedAt, session.UpdatedAt)

	return err
}

// GetSession retrieves a session by ID.
// Returns sql.ErrNoRows if the session is not found.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, name, working_dir, status, config_json, created_at, updated_at
		FROM sessions
		WHERE id = ?
	`), id)
	return scanSession(row)
}

// GetActiveSessionByWorkingDir retrieves the most recently updated
// active session for a working directory.
// Returns sql.ErrNoRows if no active session exists there.
func (r *Repository) GetActiveSessionByWorkingDir(ctx context.Context, workingDir string) (*models.Session, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT id, name, working_dir, status, config_json, created_at, updated_at
		FROM sessions
		WHERE working_dir = ? AND status = 'active'
		ORDER BY updated_at DESC LIMIT 1
	`), workingDir)
	return scanSession(row)
}

// ListSessions retrieves all sessions, optionally filtered by status,
// most recently updated first.
func (r *Repository) ListSessions(ctx context.Context, status models.SessionStatus) ([]*models.Session, error) {
	query := `
		SELECT id, name, working_dir, status, config_json, created_at, updated_at
		FROM sessions`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// UpdateSessionName renames a session.
func (r *Repository) UpdateSessionName(ctx context.Context, id, name string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?
	`), name, time.Now().UTC(), id)
	return err
}

// UpdateSessionStatus changes a session's lifecycle status.
func (r *Repository) UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?
	`), string(status), time.Now().UTC(), id)
	return err
}

func scanSession(row interface {
	Scan(dest ...interface{}) error
}) (*models.Session, error) {
	session := &models.Session{}
	var name sql.NullString
	var status string
	var configJSON string

	err := row.Scan(&session.ID, &name, &session.WorkingDir, &status,
		&configJSON, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, err
	}

	session.Name = name.String
	session.Status = models.SessionStatus(status)
	if configJSON != "" && configJSON != "{}" {
		if err := json.Unmarshal([]byte(configJSON), &session.Config); err != nil {
			return nil, fmt.Errorf("failed to deserialize session config: %w", err)
		}
	}
	return session, nil
}
