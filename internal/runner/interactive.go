package runner

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drover/drover/internal/common/logger"
	"github.com/drover/drover/internal/events"
	"github.com/drover/drover/internal/stream"
	"github.com/drover/drover/pkg/claudecode"
)

// interruptGrace is how long an interrupted turn gets to exit before
// being killed. Shorter than the terminate grace: the conversation
// stays alive and the user is waiting.
const interruptGrace = 2 * time.Second

// Interactive drives a multi-turn conversation with the assistant CLI.
// The CLI has no long-lived interactive pipe mode, so each turn is a
// fresh subprocess: the first turn establishes a conversation with
// --session-id and later turns continue it with --resume.
type Interactive struct {
	opts           Options
	log            *logger.Logger
	parser         *stream.Parser
	conversationID string

	mu      sync.Mutex
	running bool
	turn    int
	current *exec.Cmd
	done    chan struct{} // closed when the current turn is reaped
}

// NewInteractive creates an interactive conversation controller. The
// conversation ID is minted here and reused for every turn.
func NewInteractive(opts Options, log *logger.Logger) *Interactive {
	opts.normalize()
	if log == nil {
		log = logger.Default()
	}
	return &Interactive{
		opts:           opts,
		log:            log.WithComponent("interactive").WithRunID(opts.RunID),
		parser:         stream.NewParser(opts.SessionID, opts.RunID),
		conversationID: uuid.New().String(),
	}
}

// Initialize marks the conversation live and returns the run.started
// event for the caller to publish. No subprocess exists yet; the first
// one spawns on the first SendMessage.
func (s *Interactive) Initialize() *events.Event {
	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	return events.New(events.RunStarted, s.opts.SessionID, s.opts.RunID, map[string]any{
		"model":           s.opts.Model,
		"interactive":     true,
		"conversation_id": s.conversationID,
	})
}

// SendMessage runs one conversation turn: it emits a stream.user event
// for the submitted message, spawns the CLI against the conversation,
// and forwards the parsed response events. It blocks until the turn's
// process exits.
func (s *Interactive) SendMessage(ctx context.Context, message string, emit EmitFunc) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("interactive session %s is not running", s.opts.RunID)
	}
	s.turn++
	turn := s.turn
	s.mu.Unlock()

	userEvent := events.New(events.StreamUser, s.opts.SessionID, s.opts.RunID, map[string]any{
		"turn": turn,
	})
	userEvent.Role = "user"
	userEvent.Content = message
	userEvent.ContentType = "text"
	if err := emit(userEvent); err != nil {
		return err
	}

	command := claudecode.Command{Model: s.opts.Model, Prompt: message}
	if turn == 1 {
		command.SessionID = s.conversationID
	} else {
		command.ResumeID = s.conversationID
	}

	cmd := exec.Command(s.opts.Binary, command.Args()...)
	cmd.Dir = s.opts.WorkingDir
	cmd.Env = claudecode.Env()
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", s.opts.Binary, err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.current = cmd
	s.done = done
	s.mu.Unlock()

	s.log.Debug("Interactive turn started",
		zap.Int("turn", turn),
		zap.Int("pid", cmd.Process.Pid))

	// Interrupt the turn if the caller goes away.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.stopCurrent(interruptGrace)
		case <-watchDone:
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var emitErr error
	for scanner.Scan() {
		event := s.parser.ParseLine(scanner.Text())
		if event == nil {
			continue
		}
		if err := emit(event); err != nil {
			emitErr = err
			s.stopCurrent(interruptGrace)
			break
		}
	}

	_ = cmd.Wait()
	close(done)
	close(watchDone)

	s.mu.Lock()
	if s.current == cmd {
		s.current = nil
		s.done = nil
	}
	s.mu.Unlock()

	if emitErr != nil {
		return emitErr
	}
	return ctx.Err()
}

// InterruptCurrentResponse stops the in-flight turn, keeping the
// conversation alive for the next message. Returns false when no turn
// is running.
func (s *Interactive) InterruptCurrentResponse() bool {
	s.mu.Lock()
	cmd := s.current
	s.mu.Unlock()
	if cmd == nil {
		return false
	}
	s.stopCurrent(interruptGrace)
	return true
}

// Terminate ends the conversation and stops any in-flight turn.
func (s *Interactive) Terminate() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.stopCurrent(s.opts.TerminateGrace)
}

// stopCurrent signals the in-flight turn process and kills it if it
// outlives the grace.
func (s *Interactive) stopCurrent(grace time.Duration) {
	s.mu.Lock()
	cmd := s.current
	done := s.done
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}

	if err := gracefulSignal(cmd.Process); err != nil {
		return
	}
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-done:
			return
		case <-poll.C:
			if !processAlive(cmd.Process) {
				return
			}
		case <-deadline.C:
			_ = cmd.Process.Kill()
			return
		}
	}
}

// IsRunning reports whether the conversation accepts messages.
func (s *Interactive) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// IsResponding reports whether a turn subprocess is currently live.
func (s *Interactive) IsResponding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// PID returns the current turn's process ID, or 0 between turns.
func (s *Interactive) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.Process == nil {
		return 0
	}
	return s.current.Process.Pid
}

// ConversationID returns the CLI conversation ID used across turns.
func (s *Interactive) ConversationID() string {
	return s.conversationID
}

// Turn returns the number of messages sent so far.
func (s *Interactive) Turn() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turn
}
