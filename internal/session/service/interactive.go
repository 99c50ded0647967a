package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/drover/drover/internal/events"
	"github.com/drover/drover/internal/gittrack"
	"github.com/drover/drover/internal/memory"
	"github.com/drover/drover/internal/runner"
	"github.com/drover/drover/internal/session/models"
)

// interactivePrompt is the placeholder prompt recorded for a run that
// drives an interactive conversation; the real messages arrive per turn.
const interactivePrompt = "[Interactive Session]"

// StartInteractive opens an interactive conversation backed by its own
// run. The first message arrives via SendInteractiveMessage.
func (s *Service) StartInteractive(ctx context.Context, sessionID, model string) (*models.Run, error) {
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
		SessionID: sessionID,
		Prompt:    interactivePrompt,
		Model:     model,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create interactive run: %w", err)
	}

	tracker := gittrack.New(session.WorkingDir, sessionID, run.ID)
	s.publishSnapshot(ctx, tracker)

	conversation := runner.NewInteractive(runner.Options{
		SessionID:      sessionID,
		RunID:          run.ID,
		WorkingDir:     session.WorkingDir,
		Binary:         s.cfg.Runner.Binary,
		Model:          model,
		TerminateGrace: s.cfg.Runner.TerminateGraceDuration(),
	}, s.log)

	s.mu.Lock()
	s.interactive[run.ID] = conversation
	s.trackers[run.ID] = tracker
	s.mu.Unlock()

	if err := s.bus.Publish(ctx, conversation.Initialize()); err != nil {
		return nil, fmt.Errorf("publish interactive start: %w", err)
	}
	if err := s.repo.UpdateRunStatus(ctx, run.ID, models.RunStatusRunning, ""); err != nil {
		return nil, fmt.Errorf("mark interactive run running: %w", err)
	}
	run.Status = models.RunStatusRunning

	s.log.Info("Interactive session started",
		zap.String("run_id", run.ID),
		zap.String("conversation_id", conversation.ConversationID()))
	return run, nil
}

// SendInteractiveMessage submits one message to the conversation. The
// response streams in the background so the caller returns immediately;
// the first message also titles the run.
func (s *Service) SendInteractiveMessage(ctx context.Context, runID, message string) error {
	s.mu.Lock()
	conversation, ok := s.interactive[runID]
	tracker := s.trackers[runID]
	s.mu.Unlock()
	if !ok || !conversation.IsRunning() {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotActive)
	}

	if err := s.repo.UpdateRunPrompt(ctx, runID, message); err != nil {
		s.log.Warn("Failed to update interactive prompt", zap.Error(err))
	}

	run, err := s.repo.GetRun(ctx, runID)
	if err == nil && run.Title == "" {
		if err := s.repo.UpdateRunTitle(ctx, runID, titleFromMessage(message)); err != nil {
			s.log.Warn("Failed to set interactive title", zap.Error(err))
		}
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.turnCancels[runID] = cancel
	s.turnDone[runID] = done
	s.mu.Unlock()

	emit := func(event *events.Event) error {
		if err := s.bus.Publish(turnCtx, event); err != nil {
			return err
		}
		switch event.Type {
		case events.StreamResult:
			s.trackResultUsage(turnCtx, runID, event)
		case events.StreamToolResult:
			if tracker != nil {
				s.publishSnapshot(turnCtx, tracker)
			}
		}
		return nil
	}

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			if s.turnDone[runID] == done {
				delete(s.turnCancels, runID)
				delete(s.turnDone, runID)
			}
			s.mu.Unlock()
		}()
		if err := conversation.SendMessage(turnCtx, message, emit); err != nil &&
			!errors.Is(err, context.Canceled) {
			s.log.Warn("Interactive turn failed",
				zap.String("run_id", runID),
				zap.Error(err))
		}
	}()
	return nil
}

// StopInteractiveResponse interrupts the in-flight response without
// ending the conversation. Returns whether a response was interrupted.
func (s *Service) StopInteractiveResponse(ctx context.Context, runID string) (bool, error) {
	s.mu.Lock()
	conversation, ok := s.interactive[runID]
	cancel := s.turnCancels[runID]
	done := s.turnDone[runID]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("run %s: %w", runID, ErrRunNotActive)
	}

	stopped := conversation.InterruptCurrentResponse()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	if err := s.publishOnRun(ctx, events.InterventionAbort, runID, map[string]any{
		"scope": "turn",
	}); err != nil {
		return stopped, err
	}
	return stopped, nil
}

// EndInteractive terminates the conversation, marks its run completed,
// and captures a resumable session snapshot if none exists yet.
func (s *Service) EndInteractive(ctx context.Context, runID string) error {
	s.mu.Lock()
	conversation, ok := s.interactive[runID]
	cancel := s.turnCancels[runID]
	done := s.turnDone[runID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotActive)
	}

	conversation.Terminate()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	if err := s.repo.UpdateRunStatus(ctx, runID, models.RunStatusCompleted, ""); err != nil {
		return fmt.Errorf("mark interactive run completed: %w", err)
	}

	s.mu.Lock()
	delete(s.interactive, runID)
	delete(s.trackers, runID)
	delete(s.turnCancels, runID)
	delete(s.turnDone, runID)
	s.mu.Unlock()

	s.snapshotInteractive(ctx, runID)
	return nil
}

// IsInteractiveResponding reports whether the conversation is currently
// generating a response.
func (s *Service) IsInteractiveResponding(runID string) bool {
	s.mu.Lock()
	conversation, ok := s.interactive[runID]
	done := s.turnDone[runID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if done != nil {
		select {
		case <-done:
		default:
			return true
		}
	}
	return conversation.IsResponding()
}

// ActiveInteractiveSessions lists run IDs with a live conversation.
func (s *Service) ActiveInteractiveSessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, conversation := range s.interactive {
		if conversation.IsRunning() {
			ids = append(ids, id)
		}
	}
	return ids
}

// snapshotInteractive persists a resumable summary for an ended
// interactive run, once.
func (s *Service) snapshotInteractive(ctx context.Context, runID string) {
	if _, err := s.repo.GetSnapshotForRun(ctx, runID); err == nil {
		return // already captured
	}

	run, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		s.log.Warn("Failed to load run for session snapshot", zap.Error(err))
		return
	}
	evts, err := s.repo.ListEventsByRun(ctx, runID, 0, -1)
	if err != nil {
		s.log.Warn("Failed to load events for session snapshot", zap.Error(err))
		return
	}

	snapshot := memory.BuildSessionSnapshot(run, evts)
	if err := s.repo.SaveSessionSnapshot(ctx, snapshot); err != nil {
		s.log.Warn("Failed to persist session snapshot", zap.Error(err))
	}
}

// titleFromMessage derives a run title from the first user message:
// newlines collapse to spaces and long messages truncate at 50 chars.
func titleFromMessage(message string) string {
	title := message
	if len(title) > 50 {
		title = title[:50] + "..."
	}
	return strings.TrimSpace(strings.ReplaceAll(title, "\n", " "))
}
