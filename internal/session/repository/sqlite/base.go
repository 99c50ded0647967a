// Package sqlite provides the SQL-backed repository implementation.
// Statements go through sqlx.Rebind, so the same repository runs
// against the SQLite writer/reader pair or a Postgres pool.
package sqlite

import (
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repository provides SQL-backed session storage operations.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a new repository with existing database connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// DB returns the underlying sql.DB instance for shared access
func (r *Repository) DB() *sql.DB {
	return r.db.DB
}

// initSchema creates the database tables if they don't exist
func (r *Repository) initSchema() error {
	if err := r.initSessionSchema(); err != nil {
		return err
	}
	if err := r.initEventSchema(); err != nil {
		return err
	}
	if err := r.initGitSchema(); err != nil {
		return err
	}
	if err := r.initAgentSchema(); err != nil {
		return err
	}
	if err := r.initMemorySchema(); err != nil {
		return err
	}
	if err := r.ensureIndexes(); err != nil {
		return err
	}
	return r.runMigrations()
}

func (r *Repository) initSessionSchema() error {
	if _, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT,
			working_dir TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			config_json TEXT DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}
	if _, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			prompt TEXT NOT NULL,
			model TEXT,
			status TEXT NOT NULL DEFAULT 'pending',
			title TEXT,
			parent_run_id TEXT,
			branch_point_event_id TEXT,
			tokens_in INTEGER DEFAULT 0,
			tokens_out INTEGER DEFAULT 0,
			cost_usd REAL DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			final_output TEXT,
			error_message TEXT,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`); err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}
	return nil
}

func (r *Repository) initEventSchema() error {
	if _, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			run_id TEXT,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			sequence INTEGER NOT NULL DEFAULT 0,
			parent_event_id TEXT,
			timestamp TIMESTAMP NOT NULL,
			payload_json TEXT DEFAULT '{}'
		)`); err != nil {
		return fmt.Errorf("failed to create events table: %w", err)
	}
	return nil
}

func (r *Repository) initGitSchema() error {
	if _, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS git_snapshots (
			id TEXT PRIMARY KEY,
			event_id TEXT,
			run_id TEXT NOT NULL,
			commit_hash TEXT,
			branch TEXT,
			dirty_files_json TEXT DEFAULT '[]',
			staged_files_json TEXT DEFAULT '[]',
			diff_stat TEXT DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create git_snapshots table: %w", err)
	}
	return nil
}

func (r *Repository) initAgentSchema() error {
	if _, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			role TEXT,
			personality TEXT,
			system_prompt TEXT,
			model TEXT NOT NULL DEFAULT 'sonnet',
			tools_json TEXT DEFAULT '[]',
			constraints_json TEXT DEFAULT '{}',
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create agents table: %w", err)
	}
	if _, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_runs (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			parent_agent_run_id TEXT,
			pattern TEXT DEFAULT 'solo',
			role_in_pattern TEXT,
			sequence INTEGER DEFAULT 0,
			iteration INTEGER DEFAULT 0,
			status TEXT DEFAULT 'pending',
			input_text TEXT,
			output_text TEXT,
			metadata_json TEXT DEFAULT '{}',
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			created_at TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create agent_runs table: %w", err)
	}
	if _, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_patterns (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT,
			pattern_type TEXT NOT NULL DEFAULT 'solo',
			config_json TEXT DEFAULT '{}',
			human_involvement TEXT DEFAULT 'checkpoints',
			max_iterations INTEGER DEFAULT 3,
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create agent_patterns table: %w", err)
	}
	return nil
}

func (r *Repository) initMemorySchema() error {
	if _, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS session_snapshots (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			goal TEXT,
			summary_json TEXT DEFAULT '{}',
			resume_prompt TEXT DEFAULT '',
			created_at TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create session_snapshots table: %w", err)
	}
	if _, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_memory_entries (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			objective TEXT,
			short_summary TEXT DEFAULT '',
			memory_json TEXT DEFAULT '{}',
			created_at TIMESTAMP,
			updated_at TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create run_memory_entries table: %w", err)
	}
	return nil
}

// ensureIndexes creates the lookup indexes used on hot read paths
func (r *Repository) ensureIndexes() error {
	if _, err := r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_run_sequence ON events(run_id, sequence)`); err != nil {
		return err
	}
	if _, err := r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_session_id ON runs(session_id)`); err != nil {
		return err
	}
	if _, err := r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_agent_runs_run_id ON agent_runs(run_id)`); err != nil {
		return err
	}
	if _, err := r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_run_memory_session_id ON run_memory_entries(session_id)`); err != nil {
		return err
	}
	return nil
}

// schemaVersion bumps when runMigrations gains a new step.
const schemaVersion = 2

// runMigrations applies additive schema changes for databases created
// by earlier versions. ALTER errors are ignored because the columns
// already exist on fresh databases.
func (r *Repository) runMigrations() error {
	if _, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	_, _ = r.db.Exec(`ALTER TABLE sessions ADD COLUMN status TEXT NOT NULL DEFAULT 'active'`)
	_, _ = r.db.Exec(`ALTER TABLE runs ADD COLUMN title TEXT`)

	query := r.db.Rebind(`INSERT INTO schema_migrations (version) VALUES (?) ON CONFLICT (version) DO NOTHING`)
	if _, err := r.db.Exec(query, schemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}
