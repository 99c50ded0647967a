// Package runner spawns and supervises assistant CLI subprocesses. A
// Controller owns one print-mode invocation per run; an Interactive
// drives a multi-turn conversation by respawning the CLI per turn.
//
// The CLI is always driven over pipes with stdin detached: it blocks
// waiting for input when stdin is a pipe, so stdin stays /dev/null and
// input injection is not supported.
package runner

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drover/drover/internal/common/logger"
	"github.com/drover/drover/internal/events"
	"github.com/drover/drover/internal/stream"
	"github.com/drover/drover/pkg/claudecode"
)

const defaultTerminateGrace = 5 * time.Second

// maxLineSize bounds one stream-json line; tool results can carry whole
// files.
const maxLineSize = 10 * 1024 * 1024

// EmitFunc receives each event a controller produces, in order, on the
// controller's goroutine. Returning an error terminates the subprocess
// and fails the stream.
type EmitFunc func(event *events.Event) error

// Options configures one subprocess controller.
type Options struct {
	SessionID  string
	RunID      string
	WorkingDir string

	// Binary is the assistant CLI executable. Empty means "claude".
	Binary string

	// Model passed via --model. Empty means "sonnet".
	Model string

	// TerminateGrace is how long Terminate waits after the graceful
	// signal before force-killing. Zero means 5s.
	TerminateGrace time.Duration
}

func (o *Options) normalize() {
	if o.Binary == "" {
		o.Binary = "claude"
	}
	if o.Model == "" {
		o.Model = "sonnet"
	}
	if o.TerminateGrace <= 0 {
		o.TerminateGrace = defaultTerminateGrace
	}
	if abs, err := filepath.Abs(o.WorkingDir); err == nil {
		o.WorkingDir = abs
	}
}

// Controller runs one assistant subprocess and streams its parsed
// events. A Controller is single-use: one Start per instance.
type Controller struct {
	opts   Options
	log    *logger.Logger
	parser *stream.Parser
	gate   *gate

	mu         sync.Mutex
	cmd        *exec.Cmd
	done       chan struct{} // closed once the process has been reaped
	paused     bool
	terminated bool
}

// New creates a controller for one run.
func New(opts Options, log *logger.Logger) *Controller {
	opts.normalize()
	if log == nil {
		log = logger.Default()
	}
	return &Controller{
		opts:   opts,
		log:    log.WithComponent("runner").WithRunID(opts.RunID),
		parser: stream.NewParser(opts.SessionID, opts.RunID),
		gate:   newGate(),
		done:   make(chan struct{}),
	}
}

// Start spawns the CLI and blocks until it exits, forwarding every
// parsed event to emit. It emits run.started on spawn and a terminal
// run.completed or run.failed from the exit status. Context
// cancellation terminates the child and returns the context error
// without a terminal event; the caller owns run status in that case.
func (c *Controller) Start(ctx context.Context, prompt string, emit EmitFunc) error {
	command := claudecode.Command{Model: c.opts.Model, Prompt: prompt}
	cmd := exec.Command(c.opts.Binary, command.Args()...)
	cmd.Dir = c.opts.WorkingDir
	cmd.Env = claudecode.Env()
	cmd.Stdin = nil // inherits /dev/null; a pipe blocks the CLI

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", c.opts.Binary, err)
	}

	c.mu.Lock()
	c.cmd = cmd
	terminated := c.terminated
	c.mu.Unlock()
	if terminated {
		// Terminate raced the spawn; kill what we just started.
		_ = cmd.Process.Kill()
	}

	c.log.Info("Assistant process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("model", c.opts.Model))

	started := events.New(events.RunStarted, c.opts.SessionID, c.opts.RunID, map[string]any{
		"prompt": prompt,
		"model":  c.opts.Model,
		"pid":    cmd.Process.Pid,
	})
	if err := emit(started); err != nil {
		c.Terminate()
		c.reap(cmd)
		return err
	}

	// Terminate on caller cancellation so the scanner unblocks via EOF.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Terminate()
		case <-watchDone:
		}
	}()

	streamErr := c.streamOutput(ctx, stdout, emit)
	returnCode := c.reap(cmd)
	close(watchDone)

	if streamErr != nil {
		return streamErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if returnCode == 0 {
		completed := events.New(events.RunCompleted, c.opts.SessionID, c.opts.RunID, map[string]any{
			"return_code": 0,
		})
		return emit(completed)
	}

	failed := events.New(events.RunFailed, c.opts.SessionID, c.opts.RunID, map[string]any{
		"return_code": returnCode,
		"stderr":      stderr.String(),
	})
	return emit(failed)
}

// streamOutput reads stdout line by line, honoring the pause gate
// before each read.
func (c *Controller) streamOutput(ctx context.Context, stdout io.Reader, emit EmitFunc) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for {
		if err := c.gate.Wait(ctx); err != nil {
			return err
		}
		if c.IsTerminated() {
			return nil
		}
		if !scanner.Scan() {
			return nil // EOF or read error; exit status decides the outcome
		}
		event := c.parser.ParseLine(scanner.Text())
		if event == nil {
			continue
		}
		if err := emit(event); err != nil {
			c.Terminate()
			return err
		}
	}
}

// reap waits for the process and returns its exit code. Called exactly
// once per Start; done is closed for Terminate's grace wait.
func (c *Controller) reap(cmd *exec.Cmd) int {
	err := cmd.Wait()
	close(c.done)
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

// Pause suspends the subprocess and closes the read gate. No-op when
// already paused or the process is not live.
func (c *Controller) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.terminated || c.cmd == nil || c.cmd.Process == nil {
		return
	}
	c.paused = true
	c.gate.Close()
	if err := suspendProcess(c.cmd.Process); err != nil {
		c.log.Warn("Failed to suspend process", zap.Error(err))
	}
}

// Resume continues a paused subprocess and reopens the read gate.
func (c *Controller) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused || c.cmd == nil || c.cmd.Process == nil {
		return
	}
	if err := continueProcess(c.cmd.Process); err != nil {
		c.log.Warn("Failed to continue process", zap.Error(err))
	}
	c.paused = false
	c.gate.Open()
}

// Terminate stops the subprocess: graceful signal first, then a kill
// once the grace period expires. The gate is forced open so readers
// drain to EOF. Idempotent; safe from any goroutine.
func (c *Controller) Terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.paused = false
	cmd := c.cmd
	c.mu.Unlock()

	c.gate.Open()

	if cmd == nil || cmd.Process == nil {
		return
	}
	// A stopped process never handles a termination signal; continue it
	// first.
	_ = continueProcess(cmd.Process)
	if err := gracefulSignal(cmd.Process); err != nil {
		return // already gone
	}

	// The reap happens on the Start goroutine, which may be the caller
	// of Terminate, so poll for death as well as waiting on done.
	deadline := time.NewTimer(c.opts.TerminateGrace)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-poll.C:
			if !processAlive(cmd.Process) {
				return
			}
		case <-deadline.C:
			c.log.Warn("Process ignored graceful signal, killing",
				zap.Int("pid", cmd.Process.Pid))
			_ = cmd.Process.Kill()
			return
		}
	}
}

// InjectInput is documented as unsupported: stdin is /dev/null by
// contract. It exists so intervention routing stays uniform.
func (c *Controller) InjectInput(message string) {}

// IsRunning reports whether the subprocess is live.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// IsPaused reports whether the subprocess is suspended.
func (c *Controller) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// IsTerminated reports whether Terminate has been called.
func (c *Controller) IsTerminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// PID returns the subprocess PID, or 0 before spawn.
func (c *Controller) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil || c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}
