package models

import "time"

// SessionStatus represents the lifecycle state of a session
type SessionStatus string

const (
	// SessionStatusActive indicates a session that can accept new runs
	SessionStatusActive SessionStatus = "active"
	// SessionStatusEnded indicates a session that has been closed
	SessionStatusEnded SessionStatus = "ended"
)

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	// RunStatusPending indicates a run that has been created but not started
	RunStatusPending RunStatus = "pending"
	// RunStatusRunning indicates a run with a live agent process
	RunStatusRunning RunStatus = "running"
	// RunStatusPaused indicates a run whose agent process is suspended
	RunStatusPaused RunStatus = "paused"
	// RunStatusCompleted indicates a run that finished successfully
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates a run that errored or was aborted
	RunStatusFailed RunStatus = "failed"
)

// Session groups the runs issued against one working directory
type Session struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	WorkingDir string                 `json:"working_dir"`
	Status     SessionStatus          `json:"status"`
	Config     map[string]interface{} `json:"config,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Run represents one agent invocation inside a session
type Run struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"session_id"`
	Prompt             string     `json:"prompt"`
	Model              string     `json:"model,omitempty"`
	Status             RunStatus  `json:"status"`
	Title              string     `json:"title,omitempty"`
	ParentRunID        string     `json:"parent_run_id,omitempty"`
	BranchPointEventID string     `json:"branch_point_event_id,omitempty"`
	TokensIn           int64      `json:"tokens_in"`
	TokensOut          int64      `json:"tokens_out"`
	CostUSD            float64    `json:"cost_usd"`
	DurationMs         int64      `json:"duration_ms"`
	FinalOutput        string     `json:"final_output,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// GitSnapshot captures the repository state observed at one event
type GitSnapshot struct {
	ID          string    `json:"id"`
	EventID     string    `json:"event_id,omitempty"`
	RunID       string    `json:"run_id"`
	CommitHash  string    `json:"commit_hash,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	DirtyFiles  []string  `json:"dirty_files"`
	StagedFiles []string  `json:"staged_files"`
	DiffStat    string    `json:"diff_stat"`
	CreatedAt   time.Time `json:"created_at"`
}

// Agent is a reusable persona definition for pattern execution
type Agent struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	Role         string                 `json:"role,omitempty"`
	Personality  string                 `json:"personality,omitempty"`
	SystemPrompt string                 `json:"system_prompt,omitempty"`
	Model        string                 `json:"model"`
	Tools        []string               `json:"tools"`
	Constraints  map[string]interface{} `json:"constraints"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// AgentRunStatus represents the lifecycle state of a single agent turn
type AgentRunStatus string

const (
	// AgentRunStatusPending indicates an agent turn not yet started
	AgentRunStatusPending AgentRunStatus = "pending"
	// AgentRunStatusRunning indicates an agent turn in progress
	AgentRunStatusRunning AgentRunStatus = "running"
	// AgentRunStatusCompleted indicates an agent turn that produced output
	AgentRunStatusCompleted AgentRunStatus = "completed"
	// AgentRunStatusFailed indicates an agent turn that errored or was aborted
	AgentRunStatusFailed AgentRunStatus = "failed"
)

// AgentRun records one agent turn executed inside a pattern
type AgentRun struct {
	ID               string                 `json:"id"`
	AgentID          string                 `json:"agent_id"`
	RunID            string                 `json:"run_id"`
	ParentAgentRunID string                 `json:"parent_agent_run_id,omitempty"`
	Pattern          string                 `json:"pattern"`
	RoleInPattern    string                 `json:"role_in_pattern,omitempty"`
	Sequence         int                    `json:"sequence"`
	Iteration        int                    `json:"iteration"`
	Status           AgentRunStatus         `json:"status"`
	InputText        string                 `json:"input_text,omitempty"`
	OutputText       string                 `json:"output_text,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// PatternType identifies the orchestration shape of a pattern
type PatternType string

const (
	// PatternTypeSolo runs a single agent once
	PatternTypeSolo PatternType = "solo"
	// PatternTypeLoop runs a generator/reviewer pair until approval
	PatternTypeLoop PatternType = "loop"
	// PatternTypePanel runs every agent once over the same input
	PatternTypePanel PatternType = "panel"
	// PatternTypeDebate alternates agents, each seeing the previous output
	PatternTypeDebate PatternType = "debate"
)

// HumanInvolvement controls where a pattern stops for human input
type HumanInvolvement string

const (
	// HumanInvolvementNone never pauses for a human
	HumanInvolvementNone HumanInvolvement = "none"
	// HumanInvolvementCheckpoints pauses at iteration boundaries
	HumanInvolvementCheckpoints HumanInvolvement = "checkpoints"
)

// AgentPattern is a stored multi-agent orchestration definition
type AgentPattern struct {
	ID               string                 `json:"id"`
	Name             string                 `json:"name"`
	Description      string                 `json:"description,omitempty"`
	PatternType      PatternType            `json:"pattern_type"`
	Config           map[string]interface{} `json:"config"`
	HumanInvolvement HumanInvolvement       `json:"human_involvement"`
	MaxIterations    int                    `json:"max_iterations"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// SessionSnapshot is a resumable summary captured when a run or
// interactive session ends
type SessionSnapshot struct {
	ID           string                 `json:"id"`
	RunID        string                 `json:"run_id"`
	SessionID    string                 `json:"session_id"`
	Goal         string                 `json:"goal,omitempty"`
	Summary      map[string]interface{} `json:"summary"`
	ResumePrompt string                 `json:"resume_prompt"`
	CreatedAt    time.Time              `json:"created_at"`
}

// RunMemoryEntry is the structured memory extracted from one run,
// one entry per run
type RunMemoryEntry struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	SessionID    string     `json:"session_id"`
	Objective    string     `json:"objective,omitempty"`
	ShortSummary string     `json:"short_summary"`
	Memory       *RunMemory `json:"memory"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
