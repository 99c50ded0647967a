package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/drover/drover/internal/db"
	"github.com/drover/drover/internal/events"
	"github.com/drover/drover/internal/session/models"
	"github.com/drover/drover/internal/session/repository/sqlite"
)

func createTestRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writer, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite database: %v", err)
	}
	reader, err := db.OpenSQLiteReader(dbPath)
	if err != nil {
		t.Fatalf("failed to open SQLite reader: %v", err)
	}
	repo, err := sqlite.NewWithDB(writer, reader)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() {
		if err := writer.Close(); err != nil {
			t.Errorf("failed to close writer: %v", err)
		}
		if err := reader.Close(); err != nil {
			t.Errorf("failed to close reader: %v", err)
		}
	})
	return repo
}

func TestRepository_SessionCRUD(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	session := &models.Session{
		Name:       "api work",
		WorkingDir: "/tmp/project",
		Config:     map[string]interface{}{"model": "sonnet"},
	}
	if err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	if session.ID == "" {
		t.Error("expected session ID to be set")
	}
	if session.Status != models.SessionStatusActive {
		t.Errorf("expected status active, got %s", session.Status)
	}

	// Get
	retrieved, err := repo.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if retrieved.WorkingDir != "/tmp/project" {
		t.Errorf("expected working dir /tmp/project, got %s", retrieved.WorkingDir)
	}
	if retrieved.Config["model"] != "sonnet" {
		t.Errorf("expected config model sonnet, got %v", retrieved.Config["model"])
	}

	// Missing sessions surface sql.ErrNoRows
	if _, err := repo.GetSession(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}

	// Lookup by working dir picks the most recently updated active session
	older := &models.Session{
		WorkingDir: "/tmp/project",
		CreatedAt:  time.Now().UTC().Add(-2 * time.Hour),
		UpdatedAt:  time.Now().UTC().Add(-2 * time.Hour),
	}
	if err := repo.CreateSession(ctx, older); err != nil {
		t.Fatalf("failed to create older session: %v", err)
	}
	found, err := repo.GetActiveSessionByWorkingDir(ctx, "/tmp/project")
	if err != nil {
		t.Fatalf("failed to look up session by working dir: %v", err)
	}
	if found.ID != session.ID {
		t.Errorf("expected most recent session %s, got %s", session.ID, found.ID)
	}

	// Ended sessions are not returned by the working-dir lookup
	if err := repo.UpdateSessionStatus(ctx, session.ID, models.SessionStatusEnded); err != nil {
		t.Fatalf("failed to update session status: %v", err)
	}
	found, err = repo.GetActiveSessionByWorkingDir(ctx, "/tmp/project")
	if err != nil {
		t.Fatalf("failed to look up session by working dir: %v", err)
	}
	if found.ID != older.ID {
		t.Errorf("expected older active session %s, got %s", older.ID, found.ID)
	}

	// Rename
	if err := repo.UpdateSessionName(ctx, older.ID, "renamed"); err != nil {
		t.Fatalf("failed to rename session: %v", err)
	}
	renamed, err := repo.GetSession(ctx, older.ID)
	if err != nil {
		t.Fatalf("failed to get renamed session: %v", err)
	}
	if renamed.Name != "renamed" {
		t.Errorf("expected name 'renamed', got %s", renamed.Name)
	}

	// List with and without status filter
	active, err := repo.ListSessions(ctx, models.SessionStatusActive)
	if err != nil {
		t.Fatalf("failed to list active sessions: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("expected 1 active session, got %d", len(active))
	}
	all, err := repo.ListSessions(ctx, "")
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(all))
	}
}

func TestRepository_RunLifecycle(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	session := &models.Session{WorkingDir: "/tmp/project"}
	if err := repo.CreateSession(ctx, session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	run := &models.Run{SessionID: session.ID, Prompt: "fix the tests", Model: "sonnet"}
	if err := repo.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if run.Status != models.RunStatusPending {
		t.Errorf("expected pending status, got %s", run.Status)
	}

	// Start: status running stamps started_at
	if err := repo.UpdateRunStatus(ctx, run.ID, models.RunStatusRunning, ""); err != nil {
		t.Fatalf("failed to mark run running: %v", err)
	}
	started, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if started.StartedAt == nil {
		t.Error("expected started_at to be set")
	}
	if started.CompletedAt != nil {
		t.Error("expected completed_at to be unset")
	}

	// Metrics accumulate across updates; duration is replaced
	if err := repo.UpdateRunMetrics(ctx, run.ID, 100, 50, 0.01, 1000); err != nil {
		t.Fatalf("failed to update metrics: %v", err)
	}
	if err := repo.UpdateRunMetrics(ctx, run.ID, 20, 5, 0.002, 2500); err != nil {
		t.Fatalf("failed to update metrics: %v", err)
	}
	metered, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if metered.TokensIn != 120 || metered.TokensOut != 55 {
		t.Errorf("expected tokens 120/55, got %d/%d", metered.TokensIn, metered.TokensOut)
	}
	if metered.DurationMs != 2500 {
		t.Errorf("expected duration 2500, got %d", metered.DurationMs)
	}

	// Title, prompt and output updates
	if err := repo.UpdateRunTitle(ctx, run.ID, "Fix the tests"); err != nil {
		t.Fatalf("failed to update title: %v", err)
	}
	if err := repo.UpdateRunPrompt(ctx, run.ID, "fix the tests properly"); err != nil {
		t.Fatalf("failed to update prompt: %v", err)
	}
	if err := repo.SetRunOutput(ctx, run.ID, "done"); err != nil {
		t.Fatalf("failed to set output: %v", err)
	}

	// Complete: stamps completed_at without an error message
	if err := repo.UpdateRunStatus(ctx, run.ID, models.RunStatusCompleted, ""); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}
	completed, err := repo.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if completed.Status != models.RunStatusCompleted {
		t.Errorf("expected completed, got %s", completed.Status)
	}
	if completed.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if completed.ErrorMessage != "" {
		t.Errorf("expected empty error message, got %q", completed.ErrorMessage)
	}
	if completed.Title != "Fix the tests" || completed.Prompt != "fix the tests properly" || completed.FinalOutput != "done" {
		t.Errorf("unexpected run fields: %+v", completed)
	}

	// Failed runs carry the error message
	failedRun := &models.Run{SessionID: session.ID, Prompt: "second", CreatedAt: time.Now().UTC().Add(time.Minute)}
	if err := repo.CreateRun(ctx, failedRun); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	if err := repo.UpdateRunStatus(ctx, failedRun.ID, models.RunStatusFailed, "exit status 1"); err != nil {
		t.Fatalf("failed to fail run: %v", err)
	}
	failed, err := repo.GetRun(ctx, failedRun.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if failed.ErrorMessage != "exit status 1" {
		t.Errorf("expected error message, got %q", failed.ErrorMessage)
	}

	// Newest first
	runs, err := repo.ListRunsForSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].ID != failedRun.ID {
		t.Errorf("expected newest run first, got %s", runs[0].ID)
	}
}

func TestRepository_EventRoundTrip(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	event := events.New("stream.tool_use", "sess-1", "run-1", map[string]interface{}{
		"content_block": map[string]interface{}{"name": "Bash"},
	})
	event.Sequence = 0
	event.Role = "assistant"
	event.ToolName = "Bash"
	event.ToolID = "tool-1"
	event.ToolInput = map[string]interface{}{"command": "ls"}
	if err := repo.SaveEvent(ctx, event); err != nil {
		t.Fatalf("failed to save event: %v", err)
	}

	for seq := int64(1); seq <= 3; seq++ {
		next := events.New("stream.assistant", "sess-1", "run-1", nil)
		next.Sequence = seq
		next.Content = "chunk"
		next.ContentType = "text_delta"
		if err := repo.SaveEvent(ctx, next); err != nil {
			t.Fatalf("failed to save event %d: %v", seq, err)
		}
	}

	// Stream fields come back both lifted and inside the payload
	listed, err := repo.ListEventsByRun(ctx, "run-1", 0, -1)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(listed) != 4 {
		t.Fatalf("expected 4 events, got %d", len(listed))
	}
	first := listed[0]
	if first.ToolName != "Bash" || first.ToolID != "tool-1" || first.Role != "assistant" {
		t.Errorf("expected lifted stream fields, got %+v", first)
	}
	if first.ToolInput["command"] != "ls" {
		t.Errorf("expected tool input command ls, got %v", first.ToolInput)
	}
	if first.Payload["tool_name"] != "Bash" {
		t.Errorf("expected flattened tool_name in payload, got %v", first.Payload)
	}
	if _, ok := first.Payload["content_block"]; !ok {
		t.Error("expected original payload keys to survive")
	}

	// Inclusive bounds
	bounded, err := repo.ListEventsByRun(ctx, "run-1", 1, 2)
	if err != nil {
		t.Fatalf("failed to list bounded events: %v", err)
	}
	if len(bounded) != 2 {
		t.Fatalf("expected 2 events, got %d", len(bounded))
	}
	if bounded[0].Sequence != 1 || bounded[1].Sequence != 2 {
		t.Errorf("expected sequences 1 and 2, got %d and %d", bounded[0].Sequence, bounded[1].Sequence)
	}

	// Get by ID
	got, err := repo.GetEvent(ctx, event.ID)
	if err != nil {
		t.Fatalf("failed to get event: %v", err)
	}
	if got.Type != "stream.tool_use" {
		t.Errorf("expected stream.tool_use, got %s", got.Type)
	}

	count, err := repo.CountEventsByRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	if count != 4 {
		t.Errorf("expected 4 events, got %d", count)
	}
}

func TestRepository_GitSnapshots(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	first := &models.GitSnapshot{
		RunID:      "run-1",
		CommitHash: "abc123",
		Branch:     "main",
		DirtyFiles: []string{"main.go"},
		CreatedAt:  time.Now().UTC().Add(-time.Minute),
	}
	if err := repo.SaveGitSnapshot(ctx, first); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}
	second := &models.GitSnapshot{
		RunID:       "run-1",
		EventID:     "evt-2",
		CommitHash:  "abc123",
		Branch:      "main",
		DirtyFiles:  []string{"main.go", "util.go"},
		StagedFiles: []string{"main.go"},
		DiffStat:    " 2 files changed",
	}
	if err := repo.SaveGitSnapshot(ctx, second); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}

	snapshots, err := repo.ListGitSnapshotsForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list snapshots: %v", err)
	}
	if len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snapshots))
	}
	if snapshots[0].ID != first.ID {
		t.Errorf("expected oldest snapshot first, got %s", snapshots[0].ID)
	}
	if len(snapshots[0].StagedFiles) != 0 {
		t.Errorf("expected empty staged files, got %v", snapshots[0].StagedFiles)
	}
	if len(snapshots[1].DirtyFiles) != 2 || snapshots[1].DirtyFiles[1] != "util.go" {
		t.Errorf("expected dirty files round trip, got %v", snapshots[1].DirtyFiles)
	}
	if snapshots[1].EventID != "evt-2" {
		t.Errorf("expected event ID evt-2, got %s", snapshots[1].EventID)
	}
}

func TestRepository_AgentCRUD(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	agent := &models.Agent{
		Name:         "reviewer",
		Role:         "reviewer",
		SystemPrompt: "Review code critically.",
		Tools:        []string{"Read", "Grep"},
	}
	if err := repo.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("failed to create agent: %v", err)
	}
	if agent.Model != "sonnet" {
		t.Errorf("expected default model sonnet, got %s", agent.Model)
	}

	retrieved, err := repo.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("failed to get agent: %v", err)
	}
	if len(retrieved.Tools) != 2 || retrieved.Tools[0] != "Read" {
		t.Errorf("expected tools round trip, got %v", retrieved.Tools)
	}

	retrieved.Description = "careful reviewer"
	retrieved.Constraints = map[string]interface{}{"max_files": float64(10)}
	if err := repo.UpdateAgent(ctx, retrieved); err != nil {
		t.Fatalf("failed to update agent: %v", err)
	}
	updated, err := repo.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("failed to get updated agent: %v", err)
	}
	if updated.Description != "careful reviewer" {
		t.Errorf("expected updated description, got %q", updated.Description)
	}
	if updated.Constraints["max_files"] != float64(10) {
		t.Errorf("expected constraints round trip, got %v", updated.Constraints)
	}

	agents, err := repo.ListAgents(ctx)
	if err != nil {
		t.Fatalf("failed to list agents: %v", err)
	}
	if len(agents) != 1 {
		t.Errorf("expected 1 agent, got %d", len(agents))
	}

	if err := repo.DeleteAgent(ctx, agent.ID); err != nil {
		t.Fatalf("failed to delete agent: %v", err)
	}
	if _, err := repo.GetAgent(ctx, agent.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows after delete, got %v", err)
	}
}

func TestRepository_AgentRunLifecycle(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	// Pattern order: sequence first, then iteration
	for _, ar := range []*models.AgentRun{
		{ID: "ar-3", AgentID: "agent-1", RunID: "run-1", Pattern: "loop", Sequence: 1, Iteration: 1},
		{ID: "ar-1", AgentID: "agent-1", RunID: "run-1", Pattern: "loop", Sequence: 0, Iteration: 0},
		{ID: "ar-2", AgentID: "agent-2", RunID: "run-1", Pattern: "loop", Sequence: 1, Iteration: 0},
	} {
		if err := repo.CreateAgentRun(ctx, ar); err != nil {
			t.Fatalf("failed to create agent run: %v", err)
		}
	}

	ordered, err := repo.ListAgentRunsForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list agent runs: %v", err)
	}
	if len(ordered) != 3 {
		t.Fatalf("expected 3 agent runs, got %d", len(ordered))
	}
	if ordered[0].ID != "ar-1" || ordered[1].ID != "ar-2" || ordered[2].ID != "ar-3" {
		t.Errorf("unexpected order: %s, %s, %s", ordered[0].ID, ordered[1].ID, ordered[2].ID)
	}
	if ordered[0].Status != models.AgentRunStatusPending {
		t.Errorf("expected pending status, got %s", ordered[0].Status)
	}

	// Running stamps started_at, completion records the output
	if err := repo.UpdateAgentRunStatus(ctx, "ar-1", models.AgentRunStatusRunning, ""); err != nil {
		t.Fatalf("failed to mark agent run running: %v", err)
	}
	if err := repo.UpdateAgentRunStatus(ctx, "ar-1", models.AgentRunStatusCompleted, "looks good"); err != nil {
		t.Fatalf("failed to complete agent run: %v", err)
	}
	done, err := repo.GetAgentRun(ctx, "ar-1")
	if err != nil {
		t.Fatalf("failed to get agent run: %v", err)
	}
	if done.StartedAt == nil || done.CompletedAt == nil {
		t.Error("expected started_at and completed_at to be set")
	}
	if done.OutputText != "looks good" {
		t.Errorf("expected output text, got %q", done.OutputText)
	}

	byAgent, err := repo.ListAgentRunsForAgent(ctx, "agent-1")
	if err != nil {
		t.Fatalf("failed to list agent runs by agent: %v", err)
	}
	if len(byAgent) != 2 {
		t.Errorf("expected 2 agent runs, got %d", len(byAgent))
	}
}

func TestRepository_PatternCRUD(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	pattern := &models.AgentPattern{
		Name:   "review loop",
		Config: map[string]interface{}{"agents": []interface{}{"a", "b"}},
	}
	if err := repo.CreatePattern(ctx, pattern); err != nil {
		t.Fatalf("failed to create pattern: %v", err)
	}
	if pattern.PatternType != models.PatternTypeSolo {
		t.Errorf("expected default pattern type solo, got %s", pattern.PatternType)
	}
	if pattern.HumanInvolvement != models.HumanInvolvementCheckpoints {
		t.Errorf("expected default human involvement checkpoints, got %s", pattern.HumanInvolvement)
	}
	if pattern.MaxIterations != 3 {
		t.Errorf("expected default max iterations 3, got %d", pattern.MaxIterations)
	}

	pattern.PatternType = models.PatternTypeLoop
	pattern.MaxIterations = 5
	if err := repo.UpdatePattern(ctx, pattern); err != nil {
		t.Fatalf("failed to update pattern: %v", err)
	}
	updated, err := repo.GetPattern(ctx, pattern.ID)
	if err != nil {
		t.Fatalf("failed to get pattern: %v", err)
	}
	if updated.PatternType != models.PatternTypeLoop || updated.MaxIterations != 5 {
		t.Errorf("expected updated pattern, got %+v", updated)
	}

	patterns, err := repo.ListPatterns(ctx)
	if err != nil {
		t.Fatalf("failed to list patterns: %v", err)
	}
	if len(patterns) != 1 {
		t.Errorf("expected 1 pattern, got %d", len(patterns))
	}

	if err := repo.DeletePattern(ctx, pattern.ID); err != nil {
		t.Fatalf("failed to delete pattern: %v", err)
	}
	if _, err := repo.GetPattern(ctx, pattern.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows after delete, got %v", err)
	}
}

func TestRepository_SessionSnapshots(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	older := &models.SessionSnapshot{
		RunID:        "run-1",
		SessionID:    "sess-1",
		Goal:         "ship the feature",
		Summary:      map[string]interface{}{"source": "memory_pack"},
		ResumePrompt: "Resume this previously ended coding session with smart memory context.",
		CreatedAt:    time.Now().UTC().Add(-time.Hour),
	}
	if err := repo.SaveSessionSnapshot(ctx, older); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}
	newer := &models.SessionSnapshot{
		RunID:     "run-2",
		SessionID: "sess-1",
		Goal:      "fix the regression",
	}
	if err := repo.SaveSessionSnapshot(ctx, newer); err != nil {
		t.Fatalf("failed to save snapshot: %v", err)
	}

	forRun, err := repo.GetSnapshotForRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get snapshot for run: %v", err)
	}
	if forRun.Goal != "ship the feature" {
		t.Errorf("expected goal round trip, got %q", forRun.Goal)
	}
	if forRun.Summary["source"] != "memory_pack" {
		t.Errorf("expected summary round trip, got %v", forRun.Summary)
	}

	latest, err := repo.GetLatestSnapshotForSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("failed to get latest snapshot: %v", err)
	}
	if latest.RunID != "run-2" {
		t.Errorf("expected latest snapshot for run-2, got %s", latest.RunID)
	}

	if _, err := repo.GetSnapshotForRun(ctx, "missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestRepository_RunMemoryUpsert(t *testing.T) {
	repo := createTestRepo(t)
	ctx := context.Background()

	entry := &models.RunMemoryEntry{
		RunID:        "run-1",
		SessionID:    "sess-1",
		Objective:    "add retry logic",
		ShortSummary: "Implemented retry with backoff.",
		Memory: &models.RunMemory{
			Objective:    "add retry logic",
			ShortSummary: "Implemented retry with backoff.",
			Status:       "completed",
			FilesTouched: []string{"retry.go"},
			NextAction:   "Re-run targeted tests for changed files, then finalize remaining polish.",
		},
	}
	if err := repo.UpsertRunMemory(ctx, entry); err != nil {
		t.Fatalf("failed to upsert run memory: %v", err)
	}

	// Second upsert for the same run updates in place
	entry.ShortSummary = "Implemented retry with backoff and jitter."
	entry.Memory.ShortSummary = entry.ShortSummary
	if err := repo.UpsertRunMemory(ctx, entry); err != nil {
		t.Fatalf("failed to upsert run memory twice: %v", err)
	}

	got, err := repo.GetRunMemory(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run memory: %v", err)
	}
	if got.ShortSummary != "Implemented retry with backoff and jitter." {
		t.Errorf("expected updated summary, got %q", got.ShortSummary)
	}
	if got.Memory == nil || got.Memory.Status != "completed" {
		t.Errorf("expected memory round trip, got %+v", got.Memory)
	}
	if len(got.Memory.FilesTouched) != 1 || got.Memory.FilesTouched[0] != "retry.go" {
		t.Errorf("expected files touched round trip, got %v", got.Memory.FilesTouched)
	}

	second := &models.RunMemoryEntry{
		RunID:        "run-2",
		SessionID:    "sess-1",
		ShortSummary: "Run memory",
		CreatedAt:    time.Now().UTC().Add(time.Minute),
	}
	if err := repo.UpsertRunMemory(ctx, second); err != nil {
		t.Fatalf("failed to upsert second entry: %v", err)
	}

	entries, err := repo.ListRunMemoryForSession(ctx, "sess-1", 0)
	if err != nil {
		t.Fatalf("failed to list run memory: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].RunID != "run-2" {
		t.Errorf("expected newest entry first, got %s", entries[0].RunID)
	}

	limited, err := repo.ListRunMemoryForSession(ctx, "sess-1", 1)
	if err != nil {
		t.Fatalf("failed to list run memory with limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 entry, got %d", len(limited))
	}
}
