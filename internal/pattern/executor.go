// Package pattern executes multi-agent orchestration patterns (solo,
// loop, panel, debate) on top of the subprocess runner. Every agent
// turn streams through the event bus on the pattern's run, tagged with
// the agent that produced it.
package pattern

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drover/drover/internal/cache"
	"github.com/drover/drover/internal/common/config"
	"github.com/drover/drover/internal/common/logger"
	"github.com/drover/drover/internal/events"
	"github.com/drover/drover/internal/events/bus"
	"github.com/drover/drover/internal/memory"
	"github.com/drover/drover/internal/runner"
	"github.com/drover/drover/internal/session/models"
	"github.com/drover/drover/internal/session/repository"
	"github.com/drover/drover/internal/tracing"
)

var (
	// ErrRunawayLoop marks a pattern aborted for repeating the same Bash
	// command past the configured threshold.
	ErrRunawayLoop = errors.New("runaway loop detected")

	// ErrAgentTimeout marks an agent turn aborted at the per-agent
	// deadline.
	ErrAgentTimeout = errors.New("agent runtime limit exceeded")
)

func tracer() trace.Tracer { return tracing.Tracer("drover/pattern") }

// patternError carries a user-facing abort message while staying
// matchable against the sentinel via errors.Is.
type patternError struct {
	msg  string
	kind error
}

func (e *patternError) Error() string { return e.msg }
func (e *patternError) Unwrap() error { return e.kind }

// agentProcess is the slice of the runner an agent turn needs; swapped
// for a scripted fake in tests.
type agentProcess interface {
	Start(ctx context.Context, prompt string, emit runner.EmitFunc) error
	Terminate()
}

// agentResult records one finished agent turn.
type agentResult struct {
	AgentRunID string
	AgentID    string
	Output     string
	Success    bool
	Iteration  int
	Role       string
}

// executionState tracks one in-flight pattern run.
type executionState struct {
	pattern   *models.AgentPattern
	sessionID string
	runID     string
	inputText string

	mu               sync.Mutex
	currentIteration int
	results          []agentResult
	shouldStop       bool
	awaitingHuman    bool
	humanCh          chan string
}

func (s *executionState) lastOutput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.results) == 0 {
		return ""
	}
	return s.results[len(s.results)-1].Output
}

func (s *executionState) appendResult(r agentResult) {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
}

func (s *executionState) setIteration(n int) {
	s.mu.Lock()
	s.currentIteration = n
	s.mu.Unlock()
}

// ExecutionStatus is a point-in-time view of an active pattern run.
type ExecutionStatus struct {
	RunID            string `json:"run_id"`
	PatternName      string `json:"pattern_name"`
	PatternType      string `json:"pattern_type"`
	CurrentIteration int    `json:"current_iteration"`
	ResultsCount     int    `json:"results_count"`
	AwaitingHuman    bool   `json:"awaiting_human"`
	ShouldStop       bool   `json:"should_stop"`
}

// Executor runs agent patterns with full traceability: one run row per
// pattern execution, one agent_run row per turn, everything on the bus.
type Executor struct {
	repo  repository.Repository
	bus   *bus.Bus
	cfg   config.RunnerConfig
	cache *cache.Cache // nil when the result cache is disabled
	log   *logger.Logger

	// spawn builds the subprocess controller for one agent turn.
	spawn func(opts runner.Options) agentProcess

	mu     sync.Mutex
	active map[string]*executionState
}

// NewExecutor creates a pattern executor. cache may be nil.
func NewExecutor(repo repository.Repository, eventBus *bus.Bus, cfg config.RunnerConfig, resultCache *cache.Cache, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Default()
	}
	return &Executor{
		repo:  repo,
		bus:   eventBus,
		cfg:   cfg,
		cache: resultCache,
		log:   log.WithComponent("pattern-executor"),
		spawn: func(opts runner.Options) agentProcess {
			return runner.New(opts, log)
		},
		active: make(map[string]*executionState),
	}
}

// ExecutePattern runs a pattern to completion and returns its run. The
// run is created up front, so callers can watch its events while this
// blocks; the returned run reflects creation time, not final state.
func (e *Executor) ExecutePattern(ctx context.Context, pat *models.AgentPattern, sessionID, inputText, workingDir string) (*models.Run, error) {
	if _, err := e.repo.GetSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("session %s not found", sessionID)
	}

	ctx, span := tracer().Start(ctx, "pattern.execute")
	span.SetAttributes(
		attribute.String("pattern.name", pat.Name),
		attribute.String("pattern.type", string(pat.PatternType)),
	)
	defer span.End()

	startTime := time.Now()

	run := &models.Run{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Prompt:    fmt.Sprintf("[Agent Pattern: %s] %s", pat.Name, truncateRunes(inputText, 100)),
		Model:     "sonnet",
		Status:    models.RunStatusPending,
	}
	if err := e.repo.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create pattern run: %w", err)
	}
	if err := e.repo.UpdateRunStatus(ctx, run.ID, models.RunStatusRunning, ""); err != nil {
		return nil, fmt.Errorf("mark pattern run running: %w", err)
	}

	state := &executionState{
		pattern:   pat,
		sessionID: sessionID,
		runID:     run.ID,
		inputText: inputText,
	}
	e.mu.Lock()
	e.active[run.ID] = state
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, run.ID)
		e.mu.Unlock()
	}()

	e.publish(ctx, events.New(events.RunStarted, sessionID, run.ID, map[string]any{
		"pattern_id":        pat.ID,
		"pattern_name":      pat.Name,
		"pattern_type":      string(pat.PatternType),
		"agents":            pat.Config["agents"],
		"human_involvement": string(pat.HumanInvolvement),
	}))

	var execErr error
	switch pat.PatternType {
	case models.PatternTypeSolo:
		execErr = e.executeSolo(ctx, state, workingDir)
	case models.PatternTypeLoop:
		execErr = e.executeLoop(ctx, state, workingDir)
	case models.PatternTypePanel:
		execErr = e.executePanel(ctx, state, workingDir)
	case models.PatternTypeDebate:
		execErr = e.executeDebate(ctx, state, workingDir)
	default:
		execErr = fmt.Errorf("unknown pattern type %q", pat.PatternType)
	}

	durationMs := time.Since(startTime).Milliseconds()
	if err := e.repo.UpdateRunMetrics(ctx, run.ID, 0, 0, 0, durationMs); err != nil {
		e.log.Warn("Failed to record pattern duration", zap.Error(err))
	}

	state.mu.Lock()
	totalIterations := state.currentIteration
	totalAgents := len(state.results)
	state.mu.Unlock()

	if execErr != nil {
		if err := e.repo.UpdateRunStatus(ctx, run.ID, models.RunStatusFailed, execErr.Error()); err != nil {
			e.log.Warn("Failed to mark pattern run failed", zap.Error(err))
		}
		if err := memory.Persist(ctx, e.repo, run.ID); err != nil {
			e.log.Warn("Failed to persist pattern run memory", zap.Error(err))
		}
		e.publish(ctx, events.New(events.RunFailed, sessionID, run.ID, map[string]any{
			"error": execErr.Error(),
		}))
		return run, execErr
	}

	if err := e.repo.UpdateRunStatus(ctx, run.ID, models.RunStatusCompleted, ""); err != nil {
		e.log.Warn("Failed to mark pattern run completed", zap.Error(err))
	}
	if err := memory.Persist(ctx, e.repo, run.ID); err != nil {
		e.log.Warn("Failed to persist pattern run memory", zap.Error(err))
	}

	e.publish(ctx, events.New(events.RunCompleted, sessionID, run.ID, map[string]any{
		"pattern_type":     string(pat.PatternType),
		"total_iterations": totalIterations,
		"total_agents_run": totalAgents,
	}))
	return run, nil
}

// executeSolo runs a single agent once. With the result cache enabled,
// identical input for the same pattern replays the cached output
// without spawning anything.
func (e *Executor) executeSolo(ctx context.Context, state *executionState, workingDir string) error {
	cfg := state.pattern.Config
	agentID := configString(cfg, "agent_id")
	if agentID == "" {
		if agents := configStrings(cfg, "agents"); len(agents) > 0 {
			agentID = agents[0]
		}
	}
	if agentID == "" {
		return errors.New("solo pattern requires an agent_id in config")
	}

	cacheKey := state.pattern.ID + ":" + state.inputText
	if e.cache != nil {
		if output, ok := e.cache.Get(cacheKey); ok {
			e.log.Info("Solo pattern served from result cache",
				zap.String("pattern_id", state.pattern.ID))
			cached := events.New(events.StreamAssistant, state.sessionID, state.runID, map[string]any{
				"content": output,
				"cached":  true,
			})
			cached.Role = "assistant"
			cached.Content = output
			cached.ContentType = "text"
			e.publish(ctx, cached)
			state.appendResult(agentResult{AgentID: agentID, Output: output, Success: true, Role: "solo"})
			return nil
		}
	}

	agent, err := e.repo.GetAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("agent %s not found", agentID)
	}

	if err := e.runAgent(ctx, state, agent, workingDir, state.inputText, "solo", 0, 0); err != nil {
		return err
	}

	if e.cache != nil {
		if output := state.lastOutput(); output != "" {
			if err := e.cache.Set(cacheKey, output); err != nil {
				e.log.Warn("Failed to write result cache", zap.Error(err))
			}
		}
	}
	return nil
}

// executeLoop alternates generator and critic until the critic approves
// or max_iterations is reached. With checkpoint involvement, each
// iteration after the first blocks on a human decision.
func (e *Executor) executeLoop(ctx context.Context, state *executionState, workingDir string) error {
	cfg := state.pattern.Config
	generatorID := configString(cfg, "generator_id")
	criticID := configString(cfg, "critic_id")
	if generatorID == "" || criticID == "" {
		return errors.New("loop pattern requires generator_id and critic_id in config")
	}

	generator, err := e.repo.GetAgent(ctx, generatorID)
	if err != nil {
		return fmt.Errorf("generator agent %s not found", generatorID)
	}
	critic, err := e.repo.GetAgent(ctx, criticID)
	if err != nil {
		return fmt.Errorf("critic agent %s not found", criticID)
	}

	maxIterations := state.pattern.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 3
	}

	currentInput := state.inputText
	currentOutput := ""

	for iteration := 0; iteration < maxIterations; iteration++ {
		state.setIteration(iteration)

		if state.pattern.HumanInvolvement == models.HumanInvolvementCheckpoints && iteration > 0 {
			decision, err := e.awaitCheckpoint(ctx, state, iteration, currentOutput)
			if err != nil {
				return err
			}
			if decision == "stop" {
				state.mu.Lock()
				state.shouldStop = true
				state.mu.Unlock()
				break
			}
			if modified, ok := strings.CutPrefix(decision, "modify:"); ok {
				currentInput = modified
			}
		}

		generatorPrompt := buildGeneratorPrompt(state.inputText, currentInput, currentOutput, iteration)
		if err := e.runAgent(ctx, state, generator, workingDir, generatorPrompt, "generator", iteration*2, iteration); err != nil {
			return err
		}
		currentOutput = state.lastOutput()

		criticPrompt := buildCriticPrompt(state.inputText, currentOutput, iteration)
		if err := e.runAgent(ctx, state, critic, workingDir, criticPrompt, "critic", iteration*2+1, iteration); err != nil {
			return err
		}

		criticOutput := state.lastOutput()
		lowered := strings.ToLower(criticOutput)
		if strings.Contains(lowered, "approved") ||
			strings.Contains(lowered, "looks good") ||
			strings.Contains(lowered, "acceptable") {
			break
		}
		currentInput = fmt.Sprintf("Previous attempt:\n%s\n\nCritic feedback:\n%s", currentOutput, criticOutput)
	}
	return nil
}

// executePanel runs every panelist in sequence over the same input,
// then an optional synthesizer over the collected perspectives.
func (e *Executor) executePanel(ctx context.Context, state *executionState, workingDir string) error {
	cfg := state.pattern.Config
	agentIDs := configStrings(cfg, "agents")
	if len(agentIDs) == 0 {
		return errors.New("panel pattern requires agents list in config")
	}

	var perspectives []panelPerspective
	for seq, agentID := range agentIDs {
		agent, err := e.repo.GetAgent(ctx, agentID)
		if err != nil {
			continue
		}

		role := fmt.Sprintf("panelist_%d", seq)
		if agent.Role != "" {
			role = "panelist_" + agent.Role
		}
		if err := e.runAgent(ctx, state, agent, workingDir, buildPanelPrompt(agent, state.inputText), role, seq, 0); err != nil {
			return err
		}
		perspectives = append(perspectives, panelPerspective{
			Agent:  agent.Name,
			Role:   agent.Role,
			Output: state.lastOutput(),
		})
	}

	if synthesizerID := configString(cfg, "synthesizer_id"); synthesizerID != "" {
		synthesizer, err := e.repo.GetAgent(ctx, synthesizerID)
		if err == nil {
			prompt := buildSynthesisPrompt(state.inputText, perspectives)
			if err := e.runAgent(ctx, state, synthesizer, workingDir, prompt, "synthesizer", len(agentIDs), 0); err != nil {
				return err
			}
		}
	}
	return nil
}

// executeDebate alternates debaters over max_rounds, each seeing the
// accumulated transcript, then an optional judge renders a verdict.
func (e *Executor) executeDebate(ctx context.Context, state *executionState, workingDir string) error {
	cfg := state.pattern.Config
	debaterIDs := configStrings(cfg, "debaters")
	if len(debaterIDs) < 2 {
		return errors.New("debate pattern requires at least 2 debaters")
	}

	var debaters []*models.Agent
	for _, id := range debaterIDs {
		if agent, err := e.repo.GetAgent(ctx, id); err == nil {
			debaters = append(debaters, agent)
		}
	}
	if len(debaters) < 2 {
		return errors.New("could not find enough valid debaters")
	}

	maxRounds := configInt(cfg, "max_rounds", 3)

	var history []debateTurn
	for round := 0; round < maxRounds; round++ {
		state.setIteration(round)
		for seq, debater := range debaters {
			prompt := buildDebatePrompt(state.inputText, history, round, seq)
			role := fmt.Sprintf("debater_%d", seq)
			if err := e.runAgent(ctx, state, debater, workingDir, prompt, role, round*len(debaters)+seq, round); err != nil {
				return err
			}
			history = append(history, debateTurn{
				Debater:  debater.Name,
				Round:    round,
				Argument: state.lastOutput(),
			})
		}
	}

	if judgeID := configString(cfg, "judge_id"); judgeID != "" {
		judge, err := e.repo.GetAgent(ctx, judgeID)
		if err == nil {
			prompt := buildJudgePrompt(state.inputText, history)
			if err := e.runAgent(ctx, state, judge, workingDir, prompt, "judge", maxRounds*len(debaters), maxRounds); err != nil {
				return err
			}
		}
	}
	return nil
}

// awaitCheckpoint publishes intervention.pause and blocks until
// ProvideHumanInput delivers a decision or the context ends.
func (e *Executor) awaitCheckpoint(ctx context.Context, state *executionState, iteration int, previousOutput string) (string, error) {
	state.mu.Lock()
	state.awaitingHuman = true
	state.humanCh = make(chan string, 1)
	ch := state.humanCh
	state.mu.Unlock()

	e.publish(ctx, events.New(events.InterventionPause, state.sessionID, state.runID, map[string]any{
		"checkpoint":      "iteration_start",
		"iteration":       iteration,
		"previous_output": truncateRunes(previousOutput, 500),
		"options":         []string{"continue", "modify", "stop"},
	}))

	select {
	case decision := <-ch:
		return decision, nil
	case <-ctx.Done():
		state.mu.Lock()
		state.awaitingHuman = false
		state.mu.Unlock()
		return "", ctx.Err()
	}
}

// ProvideHumanInput resolves a pending checkpoint. Returns false when
// the run is unknown or not awaiting input.
func (e *Executor) ProvideHumanInput(runID, decision string) bool {
	e.mu.Lock()
	state, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if !state.awaitingHuman || state.humanCh == nil {
		return false
	}
	state.awaitingHuman = false
	state.humanCh <- decision
	state.humanCh = nil
	return true
}

// runAgent executes one agent turn: its own agent_run row, a turn-start
// event, the subprocess stream re-published with agent tags, runaway
// and deadline enforcement, and output capture.
func (e *Executor) runAgent(ctx context.Context, state *executionState, agent *models.Agent, workingDir, inputText, roleInPattern string, sequence, iteration int) error {
	ctx, span := tracer().Start(ctx, "pattern.agent")
	span.SetAttributes(
		attribute.String("agent.name", agent.Name),
		attribute.String("agent.role", roleInPattern),
	)
	defer span.End()

	agentRun := &models.AgentRun{
		ID:            uuid.New().String(),
		AgentID:       agent.ID,
		RunID:         state.runID,
		Pattern:       string(state.pattern.PatternType),
		RoleInPattern: roleInPattern,
		Sequence:      sequence,
		Iteration:     iteration,
		Status:        models.AgentRunStatusPending,
		InputText:     inputText,
	}
	if err := e.repo.CreateAgentRun(ctx, agentRun); err != nil {
		return fmt.Errorf("create agent run: %w", err)
	}

	e.publish(ctx, events.New(events.StreamSystem, state.sessionID, state.runID, map[string]any{
		"agent_run_id": agentRun.ID,
		"agent_id":     agent.ID,
		"agent_name":   agent.Name,
		"role":         roleInPattern,
		"iteration":    iteration,
	}))

	if err := e.repo.UpdateAgentRunStatus(ctx, agentRun.ID, models.AgentRunStatusRunning, ""); err != nil {
		e.log.Warn("Failed to mark agent run running", zap.Error(err))
	}

	model := agent.Model
	if model == "" {
		model = "sonnet"
	}
	proc := e.spawn(runner.Options{
		SessionID:      state.sessionID,
		RunID:          state.runID,
		WorkingDir:     workingDir,
		Binary:         e.cfg.Binary,
		Model:          model,
		TerminateGrace: e.cfg.TerminateGraceDuration(),
	})

	turnCtx, cancel := context.WithTimeout(ctx, e.cfg.AgentTimeoutDuration())
	defer cancel()

	var (
		outputText        strings.Builder
		resultText        string
		sawFailure        bool
		failureReason     string
		lastBashCommand   string
		repeatedBashCount int
	)

	emit := func(event *events.Event) error {
		// Agent events land on the pattern's run, tagged with their origin.
		event.SessionID = state.sessionID
		event.RunID = state.runID
		if event.Payload == nil {
			event.Payload = map[string]any{}
		}
		event.Payload["agent_run_id"] = agentRun.ID
		event.Payload["agent_name"] = agent.Name

		if err := e.bus.Publish(turnCtx, event); err != nil {
			return err
		}

		switch event.Type {
		case events.StreamToolUse:
			if command, isBash := bashCommand(event); isBash && command != "" {
				if command == lastBashCommand {
					repeatedBashCount++
				} else {
					lastBashCommand = command
					repeatedBashCount = 1
				}
				if repeatedBashCount >= e.cfg.RunawayThreshold {
					return &patternError{
						msg: fmt.Sprintf("Runaway loop detected: repeated Bash command `%s` %d times. Aborted.",
							command, repeatedBashCount),
						kind: ErrRunawayLoop,
					}
				}
			} else if isBash {
				// A Bash call without a command breaks the repetition streak.
				lastBashCommand = ""
				repeatedBashCount = 0
			}

		case events.StreamResult:
			tokensIn, tokensOut := extractResultUsage(event)
			if tokensIn > 0 || tokensOut > 0 {
				if err := e.repo.UpdateRunMetrics(turnCtx, state.runID, tokensIn, tokensOut, 0, 0); err != nil {
					e.log.Warn("Failed to record agent token usage", zap.Error(err))
				}
			}
			if text := event.PayloadString("result"); strings.TrimSpace(text) != "" {
				resultText = text
			}

		case events.StreamAssistant:
			if event.Content != "" {
				outputText.WriteString(event.Content)
			}

		case events.RunFailed:
			sawFailure = true
			if stderr := event.PayloadString("stderr"); stderr != "" {
				failureReason = stderr
			} else {
				failureReason = fmt.Sprintf("Agent process failed (return_code=%v)", event.Payload["return_code"])
			}
		}
		return nil
	}

	err := proc.Start(turnCtx, buildFullPrompt(agent, inputText), emit)

	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		proc.Terminate()
		err = &patternError{
			msg:  fmt.Sprintf("Agent exceeded %ds runtime limit and was aborted.", e.cfg.AgentTimeout),
			kind: ErrAgentTimeout,
		}
	case err == nil && sawFailure:
		if failureReason == "" {
			failureReason = "Agent process failed"
		}
		err = errors.New(failureReason)
	}

	output := outputText.String()
	if strings.TrimSpace(resultText) != "" {
		output = resultText
	}

	if err != nil {
		if updateErr := e.repo.UpdateAgentRunStatus(ctx, agentRun.ID, models.AgentRunStatusFailed, err.Error()); updateErr != nil {
			e.log.Warn("Failed to mark agent run failed", zap.Error(updateErr))
		}
		state.appendResult(agentResult{
			AgentRunID: agentRun.ID,
			AgentID:    agent.ID,
			Output:     err.Error(),
			Success:    false,
			Iteration:  iteration,
			Role:       roleInPattern,
		})
		return err
	}

	if updateErr := e.repo.UpdateAgentRunStatus(ctx, agentRun.ID, models.AgentRunStatusCompleted, output); updateErr != nil {
		e.log.Warn("Failed to mark agent run completed", zap.Error(updateErr))
	}
	state.appendResult(agentResult{
		AgentRunID: agentRun.ID,
		AgentID:    agent.ID,
		Output:     output,
		Success:    true,
		Iteration:  iteration,
		Role:       roleInPattern,
	})
	return nil
}

// ExecutionState returns the status of an active pattern run, or nil.
func (e *Executor) ExecutionState(runID string) *ExecutionStatus {
	e.mu.Lock()
	state, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return statusOf(runID, state)
}

// ListActiveExecutions returns the status of every in-flight pattern.
func (e *Executor) ListActiveExecutions() []*ExecutionStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	items := make([]*ExecutionStatus, 0, len(e.active))
	for runID, state := range e.active {
		items = append(items, statusOf(runID, state))
	}
	return items
}

func statusOf(runID string, state *executionState) *ExecutionStatus {
	state.mu.Lock()
	defer state.mu.Unlock()
	return &ExecutionStatus{
		RunID:            runID,
		PatternName:      state.pattern.Name,
		PatternType:      string(state.pattern.PatternType),
		CurrentIteration: state.currentIteration,
		ResultsCount:     len(state.results),
		AwaitingHuman:    state.awaitingHuman,
		ShouldStop:       state.shouldStop,
	}
}

func (e *Executor) publish(ctx context.Context, event *events.Event) {
	if err := e.bus.Publish(ctx, event); err != nil {
		e.log.Error("Failed to publish pattern event",
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

// bashCommand returns the command of a Bash tool_use event and whether
// the tool was Bash at all. Non-Bash tools report ("", false).
func bashCommand(event *events.Event) (string, bool) {
	name := event.ToolName
	input := event.ToolInput
	if name == "" {
		name = event.PayloadString("name")
	}
	if block, ok := event.Payload["content_block"].(map[string]any); ok {
		if name == "" {
			name, _ = block["name"].(string)
		}
		if input == nil {
			input, _ = block["input"].(map[string]any)
		}
	}
	if name != "Bash" {
		return "", false
	}
	if input == nil {
		return "", true
	}
	command, _ := input["command"].(string)
	return strings.TrimSpace(command), true
}

// extractResultUsage reads token usage from a finalized result event.
// Anything malformed counts as zero.
func extractResultUsage(event *events.Event) (int64, int64) {
	if event.Type != events.StreamResult {
		return 0, 0
	}
	if t, _ := event.Payload["type"].(string); t != "result" {
		return 0, 0
	}
	usage, ok := event.Payload["usage"].(map[string]any)
	if !ok {
		return 0, 0
	}
	return coerceInt64(usage["input_tokens"]), coerceInt64(usage["output_tokens"])
}

func coerceInt64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0
		}
		return i
	default:
		return 0
	}
}

func configString(cfg map[string]interface{}, key string) string {
	s, _ := cfg[key].(string)
	return s
}

func configStrings(cfg map[string]interface{}, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func configInt(cfg map[string]interface{}, key string, fallback int) int {
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
