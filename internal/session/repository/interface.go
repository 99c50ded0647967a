package repository

import (
	"context"

	"github.com/drover/drover/internal/events"
	"github.com/drover/drover/internal/session/models"
)

// Repository defines the interface for session, run, event and agent
// storage operations. Lookups return sql.ErrNoRows when the row does
// not exist; callers map that to their own sentinel errors.
type Repository interface {
	// Session operations
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	GetActiveSessionByWorkingDir(ctx context.Context, workingDir string) (*models.Session, error)
	ListSessions(ctx context.Context, status models.SessionStatus) ([]*models.Session, error)
	UpdateSessionName(ctx context.Context, id, name string) error
	UpdateSessionStatus(ctx context.Context, id string, status models.SessionStatus) error

	// Run operations
	CreateRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListRunsForSession(ctx context.Context, sessionID string) ([]*models.Run, error)
	UpdateRunStatus(ctx context.Context, id string, status models.RunStatus, errorMessage string) error
	UpdateRunMetrics(ctx context.Context, id string, tokensIn, tokensOut int64, costUSD float64, durationMs int64) error
	UpdateRunTitle(ctx context.Context, id, title string) error
	UpdateRunPrompt(ctx context.Context, id, prompt string) error
	SetRunOutput(ctx context.Context, id, finalOutput string) error

	// Event operations
	SaveEvent(ctx context.Context, event *events.Event) error
	GetEvent(ctx context.Context, id string) (*events.Event, error)
	ListEventsByRun(ctx context.Context, runID string, fromSeq, toSeq int64) ([]*events.Event, error)
	CountEventsByRun(ctx context.Context, runID string) (int64, error)

	// Git snapshot operations
	SaveGitSnapshot(ctx context.Context, snapshot *models.GitSnapshot) error
	ListGitSnapshotsForRun(ctx context.Context, runID string) ([]*models.GitSnapshot, error)

	// Agent operations
	CreateAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	UpdateAgent(ctx context.Context, agent *models.Agent) error
	DeleteAgent(ctx context.Context, id string) error

	// Agent run operations
	CreateAgentRun(ctx context.Context, agentRun *models.AgentRun) error
	GetAgentRun(ctx context.Context, id string) (*models.AgentRun, error)
	ListAgentRunsForRun(ctx context.Context, runID string) ([]*models.AgentRun, error)
	ListAgentRunsForAgent(ctx context.Context, agentID string) ([]*models.AgentRun, error)
	UpdateAgentRunStatus(ctx context.Context, id string, status models.AgentRunStatus, outputText string) error

	// Agent pattern operations
	CreatePattern(ctx context.Context, pattern *models.AgentPattern) error
	GetPattern(ctx context.Context, id string) (*models.AgentPattern, error)
	ListPatterns(ctx context.Context) ([]*models.AgentPattern, error)
	UpdatePattern(ctx context.Context, pattern *models.AgentPattern) error
	DeletePattern(ctx context.Context, id string) error

	// Session snapshot operations
	SaveSessionSnapshot(ctx context.Context, snapshot *models.SessionSnapshot) error
	GetSnapshotForRun(ctx context.Context, runID string) (*models.SessionSnapshot, error)
	GetLatestSnapshotForSession(ctx context.Context, sessionID string) (*models.SessionSnapshot, error)

	// Run memory operations
	UpsertRunMemory(ctx context.Context, entry *models.RunMemoryEntry) error
	GetRunMemory(ctx context.Context, runID string) (*models.RunMemoryEntry, error)
	ListRunMemoryForSession(ctx context.Context, sessionID string, limit int) ([]*models.RunMemoryEntry, error)

	Close() error
}
