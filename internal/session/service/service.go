// Package service is the orchestrating façade over sessions and runs:
// it owns the live-run registries and drives the subprocess runner, the
// git tracker, and run memory through the event bus. Every event goes
// through bus.Publish; the service never writes event rows directly.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drover/drover/internal/common/config"
	"github.com/drover/drover/internal/common/logger"
	"github.com/drover/drover/internal/events"
	"github.com/drover/drover/internal/events/bus"
	"github.com/drover/drover/internal/gittrack"
	"github.com/drover/drover/internal/memory"
	"github.com/drover/drover/internal/runner"
	"github.com/drover/drover/internal/session/models"
	"github.com/drover/drover/internal/session/repository"
)

// RunStatus is the point-in-time view returned by GetRunStatus.
type RunStatus struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	IsActive   bool    `json:"is_active"`
	IsPaused   bool    `json:"is_paused"`
	PID        int     `json:"pid"`
	TokensIn   int64   `json:"tokens_in"`
	TokensOut  int64   `json:"tokens_out"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMs int64   `json:"duration_ms"`
}

// Service manages sessions, runs, and interactive conversations.
type Service struct {
	repo repository.Repository
	bus  *bus.Bus
	cfg  *config.Config
	log  *logger.Logger

	mu          sync.Mutex
	activeRuns  map[string]*runner.Controller
	trackers    map[string]*gittrack.Tracker
	interactive map[string]*runner.Interactive
	turnCancels map[string]context.CancelFunc
	turnDone    map[string]chan struct{}
}

// New creates the session service.
func New(repo repository.Repository, eventBus *bus.Bus, cfg *config.Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		repo:        repo,
		bus:         eventBus,
		cfg:         cfg,
		log:         log.WithComponent("session-service"),
		activeRuns:  make(map[string]*runner.Controller),
		trackers:    make(map[string]*gittrack.Tracker),
		interactive: make(map[string]*runner.Interactive),
		turnCancels: make(map[string]context.CancelFunc),
		turnDone:    make(map[string]chan struct{}),
	}
}

// GetOrCreateSession returns the active session for a working directory,
// creating one named after the directory basename when none exists.
// Sessions are not runs, so no event fires here.
func (s *Service) GetOrCreateSession(ctx context.Context, workingDir string) (*models.Session, error) {
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}

	session, err := s.repo.GetActiveSessionByWorkingDir(ctx, workingDir)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("look up session for %s: %w", workingDir, err)
	}

	session = &models.Session{
		Name:       filepath.Base(workingDir),
		WorkingDir: workingDir,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.log.Info("Session created",
		zap.String("session_id", session.ID),
		zap.String("working_dir", workingDir))
	return session, nil
}

// StartRun creates a run, takes the initial git snapshot, and registers
// a live controller. The subprocess itself spawns in StreamRun.
func (s *Service) StartRun(ctx context.Context, sessionID, prompt, model string) (*models.Run, error) {
	return s.startRun(ctx, sessionID, prompt, model, "", "")
}

func (s *Service) startRun(ctx context.Context, sessionID, prompt, model, parentRunID, branchPointEventID string) (*models.Run, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	if model == "" {
		model = s.cfg.Runner.DefaultModel
	}

	run := &models.Run{
		SessionID:          sessionID,
		Prompt:             prompt,
		Model:              model,
		ParentRunID:        parentRunID,
		BranchPointEventID: branchPointEventID,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	tracker := gittrack.New(session.WorkingDir, sessionID, run.ID)
	s.publishSnapshot(ctx, tracker)

	controller := runner.New(runner.Options{
		SessionID:      sessionID,
		RunID:          run.ID,
		WorkingDir:     session.WorkingDir,
		Binary:         s.cfg.Runner.Binary,
		Model:          model,
		TerminateGrace: s.cfg.Runner.TerminateGraceDuration(),
	}, s.log)

	s.mu.Lock()
	s.activeRuns[run.ID] = controller
	s.trackers[run.ID] = tracker
	s.mu.Unlock()

	if err := s.repo.UpdateRunStatus(ctx, run.ID, models.RunStatusRunning, ""); err != nil {
		return nil, fmt.Errorf("mark run running: %w", err)
	}
	run.Status = models.RunStatusRunning

	s.log.Info("Run started",
		zap.String("run_id", run.ID),
		zap.String("session_id", sessionID),
		zap.String("model", model))
	return run, nil
}

// StreamRun drives the run's subprocess to completion: every event is
// published, token usage is tracked, and tool results trigger git
// snapshots. Blocks until the subprocess exits.
func (s *Service) StreamRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	controller, ok := s.activeRuns[runID]
	tracker := s.trackers[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotActive)
	}

	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	defer func() {
		s.mu.Lock()
		delete(s.activeRuns, runID)
		delete(s.trackers, runID)
		s.mu.Unlock()
	}()

	startTime := time.Now()
	var failureMessage string

	emit := func(event *events.Event) error {
		if err := s.bus.Publish(ctx, event); err != nil {
			return err
		}

		switch event.Type {
		case events.StreamResult:
			s.trackResultUsage(ctx, runID, event)
		case events.StreamToolResult:
			if tracker != nil {
				s.publishSnapshot(ctx, tracker)
			}
		case events.RunFailed:
			failureMessage = event.PayloadString("stderr")
			if failureMessage == "" {
				failureMessage = fmt.Sprintf("process exited with code %v", event.Payload["return_code"])
			}
		}
		return nil
	}

	if err := controller.Start(ctx, run.Prompt, emit); err != nil {
		if statusErr := s.repo.UpdateRunStatus(ctx, runID, models.RunStatusFailed, err.Error()); statusErr != nil {
			s.log.Warn("Failed to mark run failed", zap.Error(statusErr))
		}
		return err
	}

	durationMs := time.Since(startTime).Milliseconds()
	if err := s.repo.UpdateRunMetrics(ctx, runID, 0, 0, 0, durationMs); err != nil {
		s.log.Warn("Failed to record run duration", zap.Error(err))
	}

	status := models.RunStatusCompleted
	if failureMessage != "" {
		status = models.RunStatusFailed
	}
	// An abort already marked the run; don't overwrite its verdict.
	if current, err := s.repo.GetRun(ctx, runID); err == nil &&
		current.Status == models.RunStatusFailed && current.ErrorMessage == "Aborted by user" {
		status = current.Status
		failureMessage = current.ErrorMessage
	}
	if err := s.repo.UpdateRunStatus(ctx, runID, status, failureMessage); err != nil {
		s.log.Warn("Failed to update run status", zap.Error(err))
	}

	if err := memory.Persist(ctx, s.repo, runID); err != nil {
		s.log.Warn("Failed to persist run memory", zap.Error(err))
	}
	return nil
}

// PauseRun suspends a live run and publishes run.paused.
func (s *Service) PauseRun(ctx context.Context, runID string) error {
	controller, err := s.liveController(runID)
	if err != nil {
		return err
	}

	controller.Pause()
	if err := s.repo.UpdateRunStatus(ctx, runID, models.RunStatusPaused, ""); err != nil {
		return fmt.Errorf("mark run paused: %w", err)
	}
	return s.publishOnRun(ctx, events.RunPaused, runID, map[string]any{})
}

// ResumeRun continues a paused run and publishes run.resumed.
func (s *Service) ResumeRun(ctx context.Context, runID string) error {
	controller, err := s.liveController(runID)
	if err != nil {
		return err
	}

	controller.Resume()
	if err := s.repo.UpdateRunStatus(ctx, runID, models.RunStatusRunning, ""); err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	return s.publishOnRun(ctx, events.RunResumed, runID, map[string]any{})
}

// InjectMessage records an intervention.inject event. Delivery to the
// subprocess is a documented no-op: its stdin is /dev/null by contract.
func (s *Service) InjectMessage(ctx context.Context, runID, message string) error {
	controller, err := s.liveController(runID)
	if err != nil {
		return err
	}

	controller.InjectInput(message)
	return s.publishOnRun(ctx, events.InterventionInject, runID, map[string]any{
		"message": message,
	})
}

// AbortRun terminates a live run, marks it failed with "Aborted by
// user", and publishes intervention.abort.
func (s *Service) AbortRun(ctx context.Context, runID string) error {
	controller, err := s.liveController(runID)
	if err != nil {
		return err
	}

	controller.Terminate()
	if err := s.repo.UpdateRunStatus(ctx, runID, models.RunStatusFailed, "Aborted by user"); err != nil {
		return fmt.Errorf("mark run aborted: %w", err)
	}

	pubErr := s.publishOnRun(ctx, events.InterventionAbort, runID, map[string]any{})

	s.mu.Lock()
	delete(s.activeRuns, runID)
	delete(s.trackers, runID)
	s.mu.Unlock()

	return pubErr
}

// BranchRun forks a new run from a specific event of an existing run.
// The branch-point event must exist and belong to the parent run; the
// new run starts its own sequence at 0 and carries the branch lineage.
func (s *Service) BranchRun(ctx context.Context, runID, fromEventID, modifiedPrompt string) (*models.Run, error) {
	parent, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	event, err := s.repo.GetEvent(ctx, fromEventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %s: %w", fromEventID, ErrEventNotFound)
		}
		return nil, fmt.Errorf("load event %s: %w", fromEventID, err)
	}
	if event.RunID != runID {
		return nil, fmt.Errorf("event %s belongs to run %s: %w", fromEventID, event.RunID, ErrEventNotInRun)
	}

	prompt := parent.Prompt
	if modifiedPrompt != "" {
		prompt = modifiedPrompt
	}
	model := parent.Model
	if model == "" {
		model = "sonnet"
	}

	newRun, err := s.startRun(ctx, parent.SessionID, prompt, model, runID, fromEventID)
	if err != nil {
		return nil, err
	}

	if err := s.publishOnRun(ctx, events.RunBranched, newRun.ID, map[string]any{
		"parent_run_id":         runID,
		"branch_point_event_id": fromEventID,
		"modified_prompt":       modifiedPrompt,
	}); err != nil {
		return nil, err
	}
	return newRun, nil
}

// GetRunStatus reports a run's stored metrics plus its live process
// state.
func (s *Service) GetRunStatus(ctx context.Context, runID string) (*RunStatus, error) {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	s.mu.Lock()
	controller := s.activeRuns[runID]
	s.mu.Unlock()

	status := &RunStatus{
		ID:         run.ID,
		Status:     string(run.Status),
		IsActive:   controller != nil,
		TokensIn:   run.TokensIn,
		TokensOut:  run.TokensOut,
		CostUSD:    run.CostUSD,
		DurationMs: run.DurationMs,
	}
	if controller != nil {
		status.IsPaused = controller.IsPaused()
		status.PID = controller.PID()
	}
	return status, nil
}

// ActiveRuns lists the run IDs with a registered live controller.
func (s *Service) ActiveRuns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.activeRuns))
	for id := range s.activeRuns {
		ids = append(ids, id)
	}
	return ids
}

// BuildContextPack assembles resume context from the session's run
// memories. sourceRunID, when set, pins that run's memory to the top.
func (s *Service) BuildContextPack(ctx context.Context, sessionID, sourceRunID string) (*memory.ContextPack, error) {
	entries, err := s.repo.ListRunMemoryForSession(ctx, sessionID, 50)
	if err != nil {
		return nil, fmt.Errorf("list run memory for session %s: %w", sessionID, err)
	}
	return memory.BuildPack(entries, sourceRunID, s.cfg.Memory.PackEntries), nil
}

func (s *Service) liveController(runID string) (*runner.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	controller, ok := s.activeRuns[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotActive)
	}
	return controller, nil
}

// publishSnapshot takes a git snapshot, publishes its event, and
// persists the snapshot row. Best-effort on both sides.
func (s *Service) publishSnapshot(ctx context.Context, tracker *gittrack.Tracker) {
	event, snapshot := tracker.Snapshot(ctx)
	if err := s.bus.Publish(ctx, event); err != nil {
		s.log.Warn("Failed to publish git snapshot", zap.Error(err))
		return
	}
	if err := s.repo.SaveGitSnapshot(ctx, snapshot); err != nil {
		s.log.Warn("Failed to persist git snapshot", zap.Error(err))
	}
}

func (s *Service) publishOnRun(ctx context.Context, eventType, runID string, payload map[string]any) error {
	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	return s.bus.Publish(ctx, events.New(eventType, run.SessionID, runID, payload))
}

// trackResultUsage accumulates token usage from a finalized result
// event. Malformed usage counts as zero.
func (s *Service) trackResultUsage(ctx context.Context, runID string, event *events.Event) {
	if t, _ := event.Payload["type"].(string); t != "result" {
		return
	}
	usage, ok := event.Payload["usage"].(map[string]any)
	if !ok {
		return
	}
	tokensIn := coerceTokens(usage["input_tokens"])
	tokensOut := coerceTokens(usage["output_tokens"])
	if tokensIn == 0 && tokensOut == 0 {
		return
	}
	if err := s.repo.UpdateRunMetrics(ctx, runID, tokensIn, tokensOut, 0, 0); err != nil {
		s.log.Warn("Failed to record token usage", zap.Error(err))
	}
}

func coerceTokens(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	default:
		return 0
	}
}
